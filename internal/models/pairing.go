package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// PairingState is the lifecycle state of a tracker/vehicle pairing.
type PairingState string

const (
	PairingHealthy    PairingState = "healthy"
	PairingTrackerOff PairingState = "tracker-off"
	PairingLost       PairingState = "lost"
	PairingEnd        PairingState = "end"
)

// Fence values recorded on samples and pairings.
const (
	FenceIn      = "in"
	FenceOut     = "out"
	FenceUnknown = ""
)

// Pairing links one Tracker to one Vehicle for a bounded time window.
type Pairing struct {
	ID            primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	TrackerID     primitive.ObjectID   `bson:"tracker_id" json:"tracker_id"`
	VehicleID     primitive.ObjectID   `bson:"vehicle_id" json:"vehicle_id"`
	BeginDate     time.Time            `bson:"begin_date" json:"begin_date"`
	EndDate       *time.Time           `bson:"end_date,omitempty" json:"end_date,omitempty"`
	GeofenceID    *primitive.ObjectID  `bson:"geofence_id,omitempty" json:"geofence_id,omitempty"`
	State         PairingState         `bson:"state" json:"state"`
	LastStateDate time.Time            `bson:"last_state_date" json:"last_state_date"`
	LastFence     string               `bson:"last_fence" json:"last_fence"`
	Events        []primitive.ObjectID `bson:"events" json:"-"`
	Trips         []primitive.ObjectID `bson:"trips" json:"-"`
}

// HasGeofence reports whether an area is assigned to the pairing.
func (p *Pairing) HasGeofence() bool {
	return p.GeofenceID != nil && !p.GeofenceID.IsZero()
}
