// Package bus carries the signals other services send to the hub.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Signals understood by the hub.
const (
	SignalNewTrackerInsert = "new-tracker-insert"
	SignalSendTrackEvent   = "send-track-event"
	SignalChangeRelay      = "change-tracker-relay-state"
	SignalRefreshPairing   = "refresh-pairing"
	SignalTrackerRemoved   = "tracker-removed"
)

// NewTrackerInsert announces that a tracker record was created for an IMEI.
type NewTrackerInsert struct {
	IMEI string `json:"imei"`
	ID   string `json:"id"`
}

// SendTrackEvent asks the hub to push a pairing's view to its viewers.
type SendTrackEvent struct {
	PairingID string `json:"pairingID"`
}

// ChangeRelayState asks the device of a pairing to switch its relay.
type ChangeRelayState struct {
	PairingID string `json:"pairingID"`
	State     bool   `json:"state"`
}

// RefreshPairing asks the hub to reload a pairing from storage.
type RefreshPairing struct {
	PairingID string `json:"pairingID"`
}

// TrackerRemoved announces that a tracker record was deleted.
type TrackerRemoved struct {
	ID string `json:"id"`
}

// Handler consumes the raw JSON payload of a signal.
type Handler func(ctx context.Context, payload []byte)

// Bus publishes and consumes signals. Delivery is at most once.
type Bus interface {
	Publish(ctx context.Context, signal string, v interface{}) error
	Subscribe(signal string, h Handler) error
	Close()
}

// Decode unmarshals a payload into T.
func Decode[T any](payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decode signal payload: %w", err)
	}
	return v, nil
}

// Local is an in-process bus. Handlers run synchronously on Publish.
type Local struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
}

// NewLocal creates an empty in-process bus.
func NewLocal() *Local {
	return &Local{handlers: make(map[string][]Handler)}
}

func (l *Local) Publish(ctx context.Context, signal string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", signal, err)
	}
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil
	}
	handlers := append([]Handler(nil), l.handlers[signal]...)
	l.mu.RUnlock()

	if len(handlers) == 0 {
		log.WithField("signal", signal).Debug("no subscriber for signal")
	}
	for _, h := range handlers {
		h(ctx, payload)
	}
	return nil
}

func (l *Local) Subscribe(signal string, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[signal] = append(l.handlers[signal], h)
	return nil
}

func (l *Local) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.handlers = make(map[string][]Handler)
}
