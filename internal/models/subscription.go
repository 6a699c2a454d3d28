package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Allowed options granted by a package.
const (
	OptionSpeeding = "Survitesse"
	OptionGeofence = "Geofence"
	OptionSMS      = "SMS"
	OptionEmail    = "Email"
)

// Package is a commercial offer listing the capabilities it grants.
type Package struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name           string             `bson:"name" json:"name"`
	AllowedOptions []string           `bson:"allowed_option" json:"allowed_option"`
}

// Subscription attaches a package to a vehicle for a period of time.
type Subscription struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	VehicleID primitive.ObjectID `bson:"vehicle_id" json:"vehicle_id"`
	Package   Package            `bson:"package" json:"package"`
	BeginDate time.Time          `bson:"begin_date" json:"begin_date"`
	EndDate   *time.Time         `bson:"end_date,omitempty" json:"end_date,omitempty"`
}

// IsActive reports whether the subscription covers the given instant.
func (s *Subscription) IsActive(now time.Time) bool {
	if s == nil {
		return false
	}
	if now.Before(s.BeginDate) {
		return false
	}
	return s.EndDate == nil || now.Before(*s.EndDate)
}

// Allows reports whether the subscription's package grants an option.
func (s *Subscription) Allows(option string) bool {
	if s == nil {
		return false
	}
	for _, o := range s.Package.AllowedOptions {
		if o == option {
			return true
		}
	}
	return false
}
