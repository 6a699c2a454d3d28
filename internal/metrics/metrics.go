// Package metrics declares the Prometheus collectors of the hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackhub_frames_received_total",
		Help: "Frames read from device connections, by frame kind",
	}, []string{"kind"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackhub_frames_dropped_total",
		Help: "Frames dropped before reaching a session, by reason",
	}, []string{"reason"})

	EventsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackhub_events_persisted_total",
		Help: "Telemetry events written to the store",
	})

	PersistenceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackhub_persistence_errors_total",
		Help: "Failed repository writes",
	})

	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackhub_alerts_total",
		Help: "Persisted alerts, by kind",
	}, []string{"kind"})

	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackhub_state_transitions_total",
		Help: "Session state changes, by target state",
	}, []string{"state"})

	TripsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackhub_trips_closed_total",
		Help: "Closed trips, by outcome",
	}, []string{"outcome"})

	CommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackhub_commands_sent_total",
		Help: "Commands written to devices, by code",
	}, []string{"code"})

	CommandTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackhub_command_timeouts_total",
		Help: "Commands evicted without a response",
	})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackhub_notifications_total",
		Help: "Notification attempts, by channel and result",
	}, []string{"channel", "result"})

	GeocodeLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackhub_geocode_lookups_total",
		Help: "Reverse geocoding lookups, by source",
	}, []string{"source"})

	ArchiveRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackhub_archive_rows_total",
		Help: "Telemetry rows handled by the archive writer, by result",
	}, []string{"result"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trackhub_sessions",
		Help: "Live device sessions",
	})

	DeviceConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trackhub_device_connections",
		Help: "Open device TCP connections",
	})

	ViewerClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trackhub_viewer_clients",
		Help: "Connected websocket viewers",
	})
)
