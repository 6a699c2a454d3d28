package models

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
	"time"
)

// Trip is a persisted, threshold-qualifying span of movement for one pairing.
type Trip struct {
	ID           primitive.ObjectID   `json:"id" bson:"_id,omitempty"`
	PairingID    primitive.ObjectID   `json:"pairing_id" bson:"pairing_id"`
	Events       []primitive.ObjectID `json:"events" bson:"events"`
	StartTime    time.Time            `json:"start_time" bson:"start_time"`
	EndTime      time.Time            `json:"end_time" bson:"end_time"`
	Mileage      float64              `json:"mileage" bson:"mileage"`             // odometer units
	MoveDuration int                  `json:"move_duration" bson:"move_duration"` // seconds
	CreatedAt    time.Time            `json:"created_at" bson:"created_at"`
}
