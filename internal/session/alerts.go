package session

import "github.com/ukydev/trackhub/internal/models"

// Soft alerts are broadcast once and never enter the active set.
var softAlerts = map[models.AlertKind]bool{
	models.AlertBatteryLow: true,
	models.AlertPowerOn:    true,
	models.AlertPowerOff:   true,
	models.AlertAccOn:      true,
	models.AlertAccOff:     true,
	models.AlertBuzzerOn:   true,
	models.AlertBuzzerOff:  true,
	models.AlertRelayOff:   true,
	models.AlertGPSLost:    true,
	models.AlertGPSFound:   true,
}

// Notify-worthy alerts reach the customer by email and SMS. The set is
// independent of the soft/hard split.
var notifyAlerts = map[models.AlertKind]bool{
	models.AlertSOS:                true,
	models.AlertRelayOn:            true,
	models.AlertSpeeding:           true,
	models.AlertSuspiciousActivity: true,
	models.AlertImpact:             true,
	models.AlertFenceIn:            true,
	models.AlertFenceOut:           true,
}

// Alerts gated behind a package option.
var alertFeatures = map[models.AlertKind]string{
	models.AlertSpeeding: models.OptionSpeeding,
	models.AlertFenceIn:  models.OptionGeofence,
	models.AlertFenceOut: models.OptionGeofence,
}

// IsSoft reports whether an alert is informational only.
func IsSoft(kind models.AlertKind) bool {
	return softAlerts[kind]
}

// IsHard reports whether an alert stays active until acknowledged.
func IsHard(kind models.AlertKind) bool {
	return kind != models.AlertNone && !softAlerts[kind]
}

// IsNotifyWorthy reports whether an alert triggers customer notifications.
func IsNotifyWorthy(kind models.AlertKind) bool {
	return notifyAlerts[kind]
}

// Permitted reports whether the subscription grants the option an alert
// depends on. Ungated alerts are always permitted.
func Permitted(sub *models.Subscription, kind models.AlertKind) bool {
	feature, gated := alertFeatures[kind]
	return !gated || sub.Allows(feature)
}
