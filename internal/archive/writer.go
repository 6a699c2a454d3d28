package archive

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/trackhub/internal/metrics"
	"github.com/ukydev/trackhub/internal/models"
)

// Writer batches offered samples and flushes them to a Store on size or on
// interval.
type Writer struct {
	ch         chan Row
	store      Store
	batchSize  int
	interval   time.Duration
	retryDelay time.Duration
}

// NewWriter creates a writer with a queue of queueSize rows.
func NewWriter(store Store, queueSize, batchSize int, interval time.Duration) *Writer {
	return &Writer{
		ch:         make(chan Row, queueSize),
		store:      store,
		batchSize:  batchSize,
		interval:   interval,
		retryDelay: 500 * time.Millisecond,
	}
}

// Offer queues a sample. It never blocks; the sample is dropped when the
// queue is full.
func (w *Writer) Offer(imei string, ev models.TelemetryEvent) {
	select {
	case w.ch <- toRow(imei, ev):
	default:
		metrics.ArchiveRows.WithLabelValues("dropped").Inc()
	}
}

func toRow(imei string, ev models.TelemetryEvent) Row {
	return Row{
		Time:      ev.Date,
		IMEI:      imei,
		PairingID: ev.PairingID.Hex(),
		Kind:      string(ev.Kind),
		Alert:     string(ev.Alert),
		Lat:       ev.Position.Lat,
		Lon:       ev.Position.Lon,
		Speed:     ev.Speed,
		Heading:   ev.Heading,
		Altitude:  ev.Altitude,
		Odometer:  ev.Odometer,
		Battery:   ev.Battery.Voltage,
		Powered:   ev.Powered,
		HasGPS:    ev.HasGPS,
		Ignition:  ev.IO.Ignition,
		Relay:     ev.IO.Relay,
	}
}

// Run consumes the queue until ctx is done, then flushes what is left.
func (w *Writer) Run(ctx context.Context) {
	batch := make([]Row, 0, w.batchSize)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case row := <-w.ch:
			batch = append(batch, row)
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			batch = w.drain(batch)
			if len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				w.flush(flushCtx, batch)
				cancel()
			}
			return
		}
	}
}

func (w *Writer) drain(batch []Row) []Row {
	for {
		select {
		case row := <-w.ch:
			batch = append(batch, row)
		default:
			return batch
		}
	}
}

func (w *Writer) flush(ctx context.Context, batch []Row) {
	err := w.store.CopyRows(ctx, batch)
	if err != nil {
		log.WithError(err).WithField("batch", len(batch)).Warn("archive write failed, retrying")
		select {
		case <-time.After(w.retryDelay):
		case <-ctx.Done():
		}
		err = w.store.CopyRows(ctx, batch)
		if err != nil {
			log.WithError(err).WithField("batch", len(batch)).Error("archive write permanently failed")
			metrics.ArchiveRows.WithLabelValues("failed").Add(float64(len(batch)))
			return
		}
	}
	metrics.ArchiveRows.WithLabelValues("written").Add(float64(len(batch)))
}
