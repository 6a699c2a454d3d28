package db

import (
	"context"
	"errors"
	"time"

	"github.com/ukydev/trackhub/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrNotFound is returned by lookups that match no document.
var ErrNotFound = errors.New("not found")

// PairingCollection defines the interface for pairing data operations.
type PairingCollection interface {
	FindPairingByID(ctx context.Context, id primitive.ObjectID) (*models.Pairing, error)
	FindHealthyPairingByTracker(ctx context.Context, trackerID primitive.ObjectID) (*models.Pairing, error)
	FindPairingsWithEvents(ctx context.Context) ([]models.Pairing, error)
	FindPairingsByVehicles(ctx context.Context, vehicleIDs []primitive.ObjectID) ([]models.Pairing, error)
	FindHealthyPairings(ctx context.Context) ([]models.Pairing, error)
	UpdateLastStateDate(ctx context.Context, id primitive.ObjectID, date time.Time) error
	UpdatePairingState(ctx context.Context, id primitive.ObjectID, state models.PairingState) error
	UpdateFence(ctx context.Context, id primitive.ObjectID, fence string) error
	AppendEvent(ctx context.Context, id, eventID primitive.ObjectID) error
	AppendTrip(ctx context.Context, id, tripID primitive.ObjectID) error
}

// TrackerCollection defines the interface for tracker data operations.
type TrackerCollection interface {
	FindTrackerByID(ctx context.Context, id primitive.ObjectID) (*models.Tracker, error)
	FindTrackerByIMEI(ctx context.Context, imei string) (*models.Tracker, error)
	UpdateTrackerInfo(ctx context.Context, id primitive.ObjectID, model, serial string) error
}

// TelemetryCollection defines the interface for telemetry event operations.
type TelemetryCollection interface {
	InsertEvent(ctx context.Context, event *models.TelemetryEvent) (primitive.ObjectID, error)
	FindLastEvent(ctx context.Context, pairingID primitive.ObjectID) (*models.TelemetryEvent, error)
	FindUnreadAlerts(ctx context.Context, pairingID primitive.ObjectID) ([]models.TelemetryEvent, error)
	AckAlerts(ctx context.Context, pairingID primitive.ObjectID) error
	UpdateLocationName(ctx context.Context, id primitive.ObjectID, name string) error
}

// TripCollection defines the interface for trip data operations.
type TripCollection interface {
	InsertTrip(ctx context.Context, trip *models.Trip) (primitive.ObjectID, error)
}

// SubscriptionCollection defines the interface for subscription lookups.
type SubscriptionCollection interface {
	FindActiveSubscription(ctx context.Context, vehicleID primitive.ObjectID, now time.Time) (*models.Subscription, error)
}

// VehicleCollection defines the interface for vehicle lookups.
type VehicleCollection interface {
	FindVehicleByID(ctx context.Context, id primitive.ObjectID) (*models.Vehicle, error)
	FindVehiclesByCustomer(ctx context.Context, customerID primitive.ObjectID) ([]models.Vehicle, error)
}

// UserCollection defines the interface for user lookups.
type UserCollection interface {
	FindUserByID(ctx context.Context, id primitive.ObjectID) (*models.User, error)
}

// GeofenceCollection answers point-in-area questions.
type GeofenceCollection interface {
	Contains(ctx context.Context, geofenceID primitive.ObjectID, loc models.Location) (bool, error)
}

// OutboxCollection stores notifications waiting for a retry.
type OutboxCollection interface {
	PushOutbox(ctx context.Context, entry models.OutboxEntry) error
	PopOutbox(ctx context.Context) (*models.OutboxEntry, error)
}

// Repositories bundles every collection the tracking core consumes.
type Repositories struct {
	Pairings      PairingCollection
	Trackers      TrackerCollection
	Telemetry     TelemetryCollection
	Trips         TripCollection
	Subscriptions SubscriptionCollection
	Vehicles      VehicleCollection
	Users         UserCollection
	Geofences     GeofenceCollection
}
