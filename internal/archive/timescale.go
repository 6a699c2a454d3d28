// Package archive copies every persisted telemetry sample into a
// TimescaleDB hypertable for long-range analytics.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Row is one archived sample.
type Row struct {
	Time      time.Time
	IMEI      string
	PairingID string
	Kind      string
	Alert     string
	Lat       float64
	Lon       float64
	Speed     float64
	Heading   float64
	Altitude  float64
	Odometer  float64
	Battery   float64
	Powered   bool
	HasGPS    bool
	Ignition  bool
	Relay     bool
}

var columns = []string{
	"time",
	"imei",
	"pairing_id",
	"kind",
	"alert",
	"latitude",
	"longitude",
	"speed",
	"heading",
	"altitude",
	"odometer",
	"battery_voltage",
	"powered",
	"has_gps",
	"ignition",
	"relay",
}

const schema = `
CREATE TABLE IF NOT EXISTS tracker_telemetry (
	time            TIMESTAMPTZ      NOT NULL,
	imei            TEXT             NOT NULL,
	pairing_id      TEXT             NOT NULL,
	kind            TEXT             NOT NULL,
	alert           TEXT             NOT NULL DEFAULT '',
	latitude        DOUBLE PRECISION NOT NULL,
	longitude       DOUBLE PRECISION NOT NULL,
	speed           DOUBLE PRECISION NOT NULL,
	heading         DOUBLE PRECISION NOT NULL,
	altitude        DOUBLE PRECISION NOT NULL,
	odometer        DOUBLE PRECISION NOT NULL,
	battery_voltage DOUBLE PRECISION NOT NULL,
	powered         BOOLEAN          NOT NULL,
	has_gps         BOOLEAN          NOT NULL,
	ignition        BOOLEAN          NOT NULL,
	relay           BOOLEAN          NOT NULL
);
CREATE INDEX IF NOT EXISTS tracker_telemetry_imei_time ON tracker_telemetry (imei, time DESC);
`

const hypertable = `SELECT create_hypertable('tracker_telemetry', 'time', if_not_exists => TRUE)`

// Store writes rows in bulk.
type Store interface {
	CopyRows(ctx context.Context, rows []Row) error
}

// TimescaleStore is a Store backed by a pgx pool.
type TimescaleStore struct {
	pool *pgxpool.Pool
}

// NewTimescaleStore connects to dsn and checks the server answers.
func NewTimescaleStore(ctx context.Context, dsn string) (*TimescaleStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &TimescaleStore{pool: pool}, nil
}

// EnsureSchema creates the telemetry table. The hypertable conversion is
// skipped when the timescaledb extension is not installed.
func (s *TimescaleStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create telemetry table: %w", err)
	}
	var installed bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')`).Scan(&installed)
	if err != nil {
		return fmt.Errorf("check timescaledb extension: %w", err)
	}
	if installed {
		if _, err := s.pool.Exec(ctx, hypertable); err != nil {
			return fmt.Errorf("create hypertable: %w", err)
		}
	}
	return nil
}

func (s *TimescaleStore) Close() {
	s.pool.Close()
}

// CopyRows bulk inserts rows with the COPY protocol.
func (s *TimescaleStore) CopyRows(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	values := make([][]interface{}, len(rows))
	for i, r := range rows {
		values[i] = []interface{}{
			r.Time,
			r.IMEI,
			r.PairingID,
			r.Kind,
			r.Alert,
			r.Lat,
			r.Lon,
			r.Speed,
			r.Heading,
			r.Altitude,
			r.Odometer,
			r.Battery,
			r.Powered,
			r.HasGPS,
			r.Ignition,
			r.Relay,
		}
	}
	_, err := s.pool.CopyFrom(ctx, pgx.Identifier{"tracker_telemetry"}, columns, pgx.CopyFromRows(values))
	if err != nil {
		return fmt.Errorf("CopyFrom failed for batch of %d: %w", len(rows), err)
	}
	return nil
}

// Count returns the number of archived rows for an IMEI.
func (s *TimescaleStore) Count(ctx context.Context, imei string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM tracker_telemetry WHERE imei = $1`, imei).Scan(&n)
	return n, err
}
