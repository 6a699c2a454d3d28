// Package trip segments a pairing's telemetry stream into trips.
package trip

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/trackhub/internal/db"
	"github.com/ukydev/trackhub/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Config holds the thresholds of the aggregator. Durations are counted in
// ticks of one second.
type Config struct {
	MaxStop         int
	MinMoveDuration int
	MinMoveMileage  float64
	TickInterval    time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MaxStop:         300,
		MinMoveDuration: 300,
		MinMoveMileage:  500,
		TickInterval:    time.Second,
	}
}

// Scheduler runs fn every interval until cancel is called. Sessions pass a
// scheduler that posts fn into their mailbox.
type Scheduler func(interval time.Duration, fn func()) (cancel func())

// Outcome is the result of a tick.
type Outcome int

const (
	Open Outcome = iota
	Persisted
	Discarded
	Idle
)

type openTrip struct {
	moveDuration int
	stopDuration int
	events       []models.TelemetryEvent
	cancel       func()
}

// Aggregator accumulates one pairing's trip. It is owned by a single
// goroutine and is not safe for concurrent use.
type Aggregator struct {
	pairingID primitive.ObjectID
	cfg       Config
	trips     db.TripCollection
	pairings  db.PairingCollection
	schedule  Scheduler
	open      *openTrip
	onClose   func(Outcome)
}

// NewAggregator creates an aggregator for a pairing.
func NewAggregator(pairingID primitive.ObjectID, cfg Config, trips db.TripCollection, pairings db.PairingCollection, schedule Scheduler) *Aggregator {
	return &Aggregator{
		pairingID: pairingID,
		cfg:       cfg,
		trips:     trips,
		pairings:  pairings,
		schedule:  schedule,
	}
}

// OnClose registers a callback invoked after every trip close.
func (a *Aggregator) OnClose(fn func(Outcome)) {
	a.onClose = fn
}

// IsOpen reports whether a trip is being accumulated.
func (a *Aggregator) IsOpen() bool {
	return a.open != nil
}

// Add feeds a persisted sample.
func (a *Aggregator) Add(event models.TelemetryEvent) {
	if a.open == nil {
		if event.Speed <= 0 {
			return
		}
		a.open = &openTrip{}
		if a.schedule != nil {
			a.open.cancel = a.schedule(a.cfg.TickInterval, func() { a.Tick(context.Background()) })
		}
	}
	a.open.events = append(a.open.events, event)
	if event.Speed > 0 {
		a.open.stopDuration = 0
	}
}

// Tick advances the open trip by one second and closes it once the vehicle
// stopped for longer than MaxStop.
func (a *Aggregator) Tick(ctx context.Context) Outcome {
	if a.open == nil {
		return Idle
	}
	a.open.moveDuration++
	a.open.stopDuration++
	if a.open.stopDuration <= a.cfg.MaxStop {
		return Open
	}

	current := a.open
	a.stop()
	outcome := a.close(ctx, current)
	if a.onClose != nil {
		a.onClose(outcome)
	}
	return outcome
}

func (a *Aggregator) close(ctx context.Context, t *openTrip) Outcome {
	first, last := t.events[0], t.events[len(t.events)-1]
	mileage := last.Odometer - first.Odometer
	// both counters keep running during the final stop
	driving := t.moveDuration - t.stopDuration
	fields := log.Fields{
		"pairing_id": a.pairingID.Hex(),
		"driving":    driving,
		"mileage":    mileage,
		"samples":    len(t.events),
	}
	if driving < a.cfg.MinMoveDuration || mileage < a.cfg.MinMoveMileage {
		log.WithFields(fields).Debug("trip discarded")
		return Discarded
	}

	trip := &models.Trip{
		PairingID:    a.pairingID,
		StartTime:    first.Date,
		EndTime:      last.Date,
		Mileage:      mileage,
		MoveDuration: driving,
	}
	for _, e := range t.events {
		trip.Events = append(trip.Events, e.ID)
	}
	id, err := a.trips.InsertTrip(ctx, trip)
	if err != nil {
		log.WithFields(fields).WithError(err).WithField("critical", true).Error("failed to persist trip")
		return Discarded
	}
	if err := a.pairings.AppendTrip(ctx, a.pairingID, id); err != nil {
		log.WithFields(fields).WithError(err).WithField("critical", true).Error("failed to link trip to pairing")
	}
	log.WithFields(fields).Info("trip persisted")
	return Persisted
}

func (a *Aggregator) stop() {
	if a.open != nil && a.open.cancel != nil {
		a.open.cancel()
	}
	a.open = nil
}

// Close drops the open trip without persisting it and stops its tick.
func (a *Aggregator) Close() {
	a.stop()
}
