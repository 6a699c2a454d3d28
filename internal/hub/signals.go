package hub

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/trackhub/internal/bus"
	"github.com/ukydev/trackhub/internal/realtime"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const signalTimeout = 10 * time.Second

// Subscribe wires the hub to the bus signals.
func (h *Hub) Subscribe(b bus.Bus) error {
	handlers := map[string]bus.Handler{
		bus.SignalNewTrackerInsert: h.onNewTracker,
		bus.SignalSendTrackEvent:   h.onSendTrackEvent,
		bus.SignalChangeRelay:      h.onChangeRelay,
		bus.SignalRefreshPairing:   h.onRefreshPairing,
		bus.SignalTrackerRemoved:   h.onTrackerRemoved,
	}
	for signal, handler := range handlers {
		if err := b.Subscribe(signal, handler); err != nil {
			return err
		}
	}
	return nil
}

func signalLog(signal string) *log.Entry {
	return log.WithField("signal", signal)
}

func (h *Hub) onNewTracker(_ context.Context, payload []byte) {
	msg, err := bus.Decode[bus.NewTrackerInsert](payload)
	if err != nil {
		signalLog(bus.SignalNewTrackerInsert).WithError(err).Warn("bad payload")
		return
	}
	id, err := primitive.ObjectIDFromHex(msg.ID)
	if err != nil {
		signalLog(bus.SignalNewTrackerInsert).WithError(err).Warn("bad tracker id")
		return
	}
	if !h.RegisterTracker(msg.IMEI, id) {
		signalLog(bus.SignalNewTrackerInsert).WithField("imei", msg.IMEI).Debug("no session for new tracker")
	}
}

// onSendTrackEvent acknowledges every alert of the pairing, then pushes the
// refreshed pairing data to its viewers.
func (h *Hub) onSendTrackEvent(ctx context.Context, payload []byte) {
	msg, err := bus.Decode[bus.SendTrackEvent](payload)
	if err != nil {
		signalLog(bus.SignalSendTrackEvent).WithError(err).Warn("bad payload")
		return
	}
	if err := h.AckAlerts(msg.PairingID); err != nil {
		signalLog(bus.SignalSendTrackEvent).WithError(err).WithField("pairing_id", msg.PairingID).Warn("alerts not acknowledged")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, signalTimeout)
	defer cancel()
	data, err := h.PairingData(ctx, msg.PairingID)
	if err != nil {
		signalLog(bus.SignalSendTrackEvent).WithError(err).Warn("pairing data unavailable")
		return
	}
	if b := h.cfg.Session.Broadcaster; b != nil {
		b.Broadcast(msg.PairingID, realtime.EventPairingData, data)
	}
}

func (h *Hub) onChangeRelay(ctx context.Context, payload []byte) {
	msg, err := bus.Decode[bus.ChangeRelayState](payload)
	if err != nil {
		signalLog(bus.SignalChangeRelay).WithError(err).Warn("bad payload")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, signalTimeout)
	defer cancel()
	if err := h.SetRelay(ctx, msg.PairingID, msg.State); err != nil {
		signalLog(bus.SignalChangeRelay).WithError(err).WithField("pairing_id", msg.PairingID).Warn("relay command not sent")
	}
}

func (h *Hub) onRefreshPairing(ctx context.Context, payload []byte) {
	msg, err := bus.Decode[bus.RefreshPairing](payload)
	if err != nil {
		signalLog(bus.SignalRefreshPairing).WithError(err).Warn("bad payload")
		return
	}
	id, err := primitive.ObjectIDFromHex(msg.PairingID)
	if err != nil {
		signalLog(bus.SignalRefreshPairing).WithError(err).Warn("bad pairing id")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, signalTimeout)
	defer cancel()
	if err := h.RefreshPairing(ctx, id); err != nil {
		signalLog(bus.SignalRefreshPairing).WithError(err).WithField("pairing_id", msg.PairingID).Warn("refresh failed")
	}
}

func (h *Hub) onTrackerRemoved(_ context.Context, payload []byte) {
	msg, err := bus.Decode[bus.TrackerRemoved](payload)
	if err != nil {
		signalLog(bus.SignalTrackerRemoved).WithError(err).Warn("bad payload")
		return
	}
	id, err := primitive.ObjectIDFromHex(msg.ID)
	if err != nil {
		signalLog(bus.SignalTrackerRemoved).WithError(err).Warn("bad tracker id")
		return
	}
	h.TrackerRemoved(id)
}
