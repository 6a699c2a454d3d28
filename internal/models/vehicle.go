package models

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
	"time"
)

// Vehicle represents a fleet vehicle.
type Vehicle struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Numberplate string             `bson:"numberplate" json:"numberplate"`
	Brand       string             `bson:"brand" json:"brand"`
	Model       string             `bson:"model" json:"model"`
	MaxSpeed    float64            `bson:"max_speed" json:"max_speed"` // km/h, 0 disables speeding checks
	CustomerID  primitive.ObjectID `bson:"customer_id" json:"customer_id"`
	CreatedAt   time.Time          `bson:"created_at" json:"created_at"`
}
