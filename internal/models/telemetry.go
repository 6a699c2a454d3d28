package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// EventKind distinguishes plain samples from alerts and command acknowledgements.
type EventKind string

const (
	EventState           EventKind = "state"
	EventAlert           EventKind = "alert"
	EventCommandResponse EventKind = "command-response"
)

// AlertKind is the canonical alert vocabulary shared by every device brand.
type AlertKind string

const (
	AlertNone               AlertKind = ""
	AlertSOS                AlertKind = "sos"
	AlertAccOn              AlertKind = "acc-on"
	AlertAccOff             AlertKind = "acc-off"
	AlertPowerOn            AlertKind = "power-on"
	AlertPowerOff           AlertKind = "power-off"
	AlertBatteryLow         AlertKind = "battery-low"
	AlertSpeeding           AlertKind = "speeding"
	AlertSuspiciousActivity AlertKind = "suspicious-activity"
	AlertImpact             AlertKind = "impact"
	AlertFenceIn            AlertKind = "fence-in"
	AlertFenceOut           AlertKind = "fence-out"
	AlertGPSLost            AlertKind = "gps-lost"
	AlertGPSFound           AlertKind = "gps-found"
	AlertRelayOn            AlertKind = "relay-on"
	AlertRelayOff           AlertKind = "relay-off"
	AlertBuzzerOn           AlertKind = "buzzer-on"
	AlertBuzzerOff          AlertKind = "buzzer-off"
)

// Battery describes the internal battery of a tracker.
type Battery struct {
	Voltage  float64 `bson:"voltage" json:"voltage"`
	Charging bool    `bson:"charging" json:"charging"`
}

// IO holds the digital input/output states the platform cares about.
type IO struct {
	Ignition bool `bson:"ignition" json:"ignition"`
	Relay    bool `bson:"relay" json:"relay"`
	Buzzer   bool `bson:"buzzer" json:"buzzer"`
}

// TelemetryEvent is one observed sample. It is immutable once persisted,
// except for Read and LocationName.
type TelemetryEvent struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	PairingID    primitive.ObjectID `bson:"pairing_id" json:"pairing_id"`
	Date         time.Time          `bson:"date" json:"date"`
	Kind         EventKind          `bson:"kind" json:"kind"`
	Alert        AlertKind          `bson:"alert,omitempty" json:"alert,omitempty"`
	Read         bool               `bson:"read" json:"read"`
	Position     Location           `bson:"position" json:"position"`
	LocationName string             `bson:"location_name,omitempty" json:"location_name,omitempty"`
	Heading      float64            `bson:"heading" json:"heading"`
	Speed        float64            `bson:"speed" json:"speed"`
	Altitude     float64            `bson:"altitude" json:"altitude"`
	Odometer     float64            `bson:"odometer" json:"odometer"`
	Battery      Battery            `bson:"battery" json:"battery"`
	ExtVoltage   float64            `bson:"ext_voltage" json:"ext_voltage"`
	Powered      bool               `bson:"powered" json:"powered"`
	Signal       int                `bson:"signal" json:"signal"`
	HasGPS       bool               `bson:"has_gps" json:"has_gps"`
	Fence        string             `bson:"fence" json:"fence"`
	IO           IO                 `bson:"io" json:"io"`
}

// IsAlert reports whether the event carries an alert kind.
func (e *TelemetryEvent) IsAlert() bool {
	return e.Alert != AlertNone
}
