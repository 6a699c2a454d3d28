package session

import (
	"time"

	"github.com/ukydev/trackhub/internal/models"
)

// Ping is the track-ping payload.
type Ping struct {
	ID      string    `json:"id"`
	IMEI    string    `json:"imei"`
	State   State     `json:"state"`
	Date    time.Time `json:"date"`
	Speed   float64   `json:"speed"`
	Powered bool      `json:"powered"`
	Signal  int       `json:"signal"`
	HasGPS  bool      `json:"hasGps"`
	IO      models.IO `json:"io"`
}

// TrackEvent is the track-event payload.
type TrackEvent struct {
	ID   string                `json:"id"`
	Data models.TelemetryEvent `json:"data"`
}

// SoftAlert is the soft-alert payload.
type SoftAlert struct {
	ID     string             `json:"id"`
	Alerts []models.AlertKind `json:"alerts"`
}

// TrackerInfo describes a device that is not known to the platform yet.
type TrackerInfo struct {
	IMEI   string `json:"imei"`
	Model  string `json:"model"`
	Serial string `json:"serial"`
}

// PairingData is the pairing-data payload.
type PairingData struct {
	ID   string      `json:"id"`
	Data PairingView `json:"data"`
}

// PairingView is the live state of one pairing.
type PairingView struct {
	Ping     Ping                    `json:"ping"`
	Vehicle  *models.Vehicle         `json:"vehicle,omitempty"`
	Last     *models.TelemetryEvent  `json:"last,omitempty"`
	Alerts   []models.TelemetryEvent `json:"alerts"`
	Fence    string                  `json:"fence"`
	Watching bool                    `json:"watching"`
}
