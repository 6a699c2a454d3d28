package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Tracker is a physical GPS device identified by its IMEI.
type Tracker struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	IMEI      string             `bson:"imei" json:"imei"`
	Brand     string             `bson:"brand" json:"brand"`
	Model     string             `bson:"model" json:"model"`
	Serial    string             `bson:"serial" json:"serial"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
}
