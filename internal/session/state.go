package session

import (
	"time"

	"github.com/ukydev/trackhub/internal/models"
)

// State is the operating state of a device session.
type State string

const (
	StateUnwatched State = "unwatched"
	StateGhost     State = "ghost"
	StateAlert     State = "alert"
	StateMove      State = "move"
	StateOff       State = "off"
)

// Timeouts configures the time-driven transitions.
type Timeouts struct {
	Ghost time.Duration
	Off   time.Duration
}

// DefaultTimeouts returns a 60s ghost timeout and a 30s off timeout.
func DefaultTimeouts() Timeouts {
	return Timeouts{Ghost: 60 * time.Second, Off: 30 * time.Second}
}

// Snapshot is everything the transition function looks at.
type Snapshot struct {
	Now                time.Time
	HasPairing         bool
	PairingState       models.PairingState
	SubscriptionActive bool
	// LastServerDate is the server time of the last live exchange.
	LastServerDate time.Time
	// LastTelemetryAt is the server time the last live sample arrived.
	LastTelemetryAt time.Time
	Speed           float64
	ActiveAlerts    int
}

// Evaluate is the pure transition function. Rules apply in order and the
// first match wins.
func Evaluate(s Snapshot, t Timeouts) State {
	switch {
	case !s.HasPairing || s.PairingState == models.PairingEnd || !s.SubscriptionActive:
		return StateUnwatched
	case s.Now.Sub(s.LastServerDate) > t.Ghost:
		return StateGhost
	case s.ActiveAlerts > 0:
		return StateAlert
	case s.Speed > 0 && s.Now.Sub(s.LastTelemetryAt) <= t.Off:
		return StateMove
	default:
		return StateOff
	}
}
