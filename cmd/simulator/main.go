package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/trackhub/internal/models"
	"github.com/ukydev/trackhub/internal/protocol"
)

// Cities for realistic routes
var cities = []models.Location{
	{Lat: 51.5074, Lon: -0.1278},  // London
	{Lat: 40.7128, Lon: -74.0060}, // New York
	{Lat: 40.4168, Lon: -3.7038},  // Madrid
	{Lat: 35.1856, Lon: 33.3823},  // Nicosia
	{Lat: 4.7110, Lon: -74.0721},  // Bogotá
	{Lat: 48.8566, Lon: 2.3522},   // Paris
	{Lat: 41.0082, Lon: 28.9784},  // Istanbul
	{Lat: 51.4816, Lon: -3.1791},  // Cardiff
	// Added more cities for wider global spread
	{Lat: 34.0522, Lon: -118.2437}, // Los Angeles
	{Lat: 37.7749, Lon: -122.4194}, // San Francisco
	{Lat: 52.5200, Lon: 13.4050},   // Berlin
	{Lat: 35.6762, Lon: 139.6503},  // Tokyo
	{Lat: -33.8688, Lon: 151.2093}, // Sydney
	{Lat: 1.3521, Lon: 103.8198},   // Singapore
	{Lat: -23.5505, Lon: -46.6333}, // São Paulo
	{Lat: 43.6532, Lon: -79.3832},  // Toronto
	{Lat: 25.2048, Lon: 55.2708},   // Dubai
	{Lat: 19.0760, Lon: 72.8777},   // Mumbai
	{Lat: -26.2041, Lon: 28.0473},  // Johannesburg
	{Lat: -37.8136, Lon: 144.9631}, // Melbourne
}

// Alarms a device raises now and then.
var alarms = []models.AlertKind{
	models.AlertSOS,
	models.AlertImpact,
	models.AlertBatteryLow,
	models.AlertSuspiciousActivity,
}

var modelNames = []string{"MT90", "MVT380", "T333", "MVT600"}

const (
	reconnectDelay = 5 * time.Second
	writeTimeout   = 10 * time.Second
	maxFrameSize   = 4096
)

var osrmBaseURL = "https://router.project-osrm.org"

func jitterLocation(base models.Location, meters float64) models.Location {
	latMetersPerDeg := 111320.0
	lonMetersPerDeg := 111320.0 * math.Cos(base.Lat*math.Pi/180)
	dLat := (rand.Float64()*2 - 1) * (meters / latMetersPerDeg)
	dLon := (rand.Float64()*2 - 1) * (meters / lonMetersPerDeg)
	return models.Location{Lat: base.Lat + dLat, Lon: base.Lon + dLon}
}

func randomLocation() models.Location {
	base := cities[rand.Intn(len(cities))]
	return jitterLocation(base, 500) // start close to roads
}

// --- Routing & movement ---

type VehicleRoute struct {
	Points    []models.Location
	SegIndex  int
	SegOffset float64 // km along current segment
}

func haversineKm(a, b models.Location) float64 {
	R := 6371.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	s := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
	return R * c
}

// bearing returns the initial heading from a to b in degrees.
func bearing(a, b models.Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

func lerp(a, b models.Location, t float64) models.Location {
	return models.Location{Lat: a.Lat + (b.Lat-a.Lat)*t, Lon: a.Lon + (b.Lon-a.Lon)*t}
}

func fetchOSRMRoute(start, end models.Location) ([]models.Location, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson", osrmBaseURL, start.Lon, start.Lat, end.Lon, end.Lat)
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var obj struct {
		Routes []struct {
			Geometry struct {
				Coordinates [][]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"routes"`
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	if len(obj.Routes) == 0 || len(obj.Routes[0].Geometry.Coordinates) < 2 {
		return nil, fmt.Errorf("no route")
	}
	coords := obj.Routes[0].Geometry.Coordinates
	pts := make([]models.Location, 0, len(coords))
	for _, c := range coords {
		if len(c) < 2 {
			continue
		}
		pts = append(pts, models.Location{Lat: c[1], Lon: c[0]})
	}
	return pts, nil
}

// Device is one simulated tracker.
type Device struct {
	IMEI   string
	Model  string
	Serial string

	codec      *protocol.ASCIICodec
	fetchRoute func(start, end models.Location) ([]models.Location, error)
	maxSpeed   float64
	alarmRate  float64

	mu        sync.Mutex
	position  models.Location
	speedKmh  float64
	heading   float64
	odometer  float64 // meters
	battery   float64 // volts
	relay     bool
	parkTicks int
	route     *VehicleRoute
	seq       byte
}

func newDevice(imei string, cfg simConfig) *Device {
	d := &Device{
		IMEI:      imei,
		Model:     modelNames[rand.Intn(len(modelNames))],
		Serial:    fmt.Sprintf("SN%08d", rand.Intn(100000000)),
		codec:     protocol.NewASCIICodec(nil),
		maxSpeed:  cfg.MaxSpeed,
		alarmRate: cfg.AlarmRate,
		position:  randomLocation(),
		speedKmh:  30 + rand.Float64()*30,
		battery:   4.1,
	}
	if cfg.UseOSRM {
		d.fetchRoute = fetchOSRMRoute
	}
	return d
}

func (d *Device) planNewRoute() {
	start := d.position
	// pick far city
	end := jitterLocation(start, 2000)
	for i := 0; i < 10; i++ {
		cand := cities[rand.Intn(len(cities))]
		if haversineKm(start, cand) > 50 {
			end = jitterLocation(cand, 500)
			break
		}
	}
	if d.fetchRoute != nil {
		if pts, err := d.fetchRoute(start, end); err == nil {
			d.route = &VehicleRoute{Points: pts}
			return
		}
	}
	// fallback small jitter loop
	d.route = &VehicleRoute{Points: []models.Location{start, jitterLocation(start, 2000)}}
}

func (d *Device) stepAlongRoute(tickSec float64) {
	if d.route == nil || len(d.route.Points) < 2 {
		d.planNewRoute()
	}
	remKm := d.speedKmh * (tickSec / 3600.0)
	for remKm > 0 && d.route.SegIndex < len(d.route.Points)-1 {
		a := d.route.Points[d.route.SegIndex]
		b := d.route.Points[d.route.SegIndex+1]
		segLen := haversineKm(a, b)
		leftOnSeg := segLen - d.route.SegOffset
		if remKm >= leftOnSeg {
			// advance to next segment
			d.position = b
			d.route.SegIndex++
			d.route.SegOffset = 0
			remKm -= leftOnSeg
			continue
		}
		t := (d.route.SegOffset + remKm) / segLen
		if t < 0 {
			t = 0
		}
		if t > 1 {
			t = 1
		}
		d.position = lerp(a, b, t)
		d.route.SegOffset += remKm
		remKm = 0
	}
	// if reached end, plan new
	if d.route.SegIndex >= len(d.route.Points)-1 {
		d.planNewRoute()
	}
}

// updateSpeed applies speed noise, parking stops and the relay cut-off.
func (d *Device) updateSpeed() {
	switch {
	case d.relay:
		d.speedKmh = 0
	case d.parkTicks > 0:
		d.parkTicks--
		d.speedKmh = 0
		if d.parkTicks == 0 {
			d.speedKmh = 20
		}
	case rand.Float64() < 0.02:
		d.parkTicks = 10 + rand.Intn(30)
		d.speedKmh = 0
	default:
		// small speed noise
		d.speedKmh += (rand.Float64()*2 - 1) * 1.5
		if d.speedKmh < 15 {
			d.speedKmh = 15
		}
		if d.speedKmh > d.maxSpeed {
			d.speedKmh = d.maxSpeed
		}
	}
}

// Step advances the device by one tick and returns the report to send.
func (d *Device) Step(now time.Time, tickSec float64) protocol.TelemetryFields {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.updateSpeed()
	prev := d.position
	if d.speedKmh > 0 {
		d.stepAlongRoute(tickSec)
		d.odometer += haversineKm(prev, d.position) * 1000
		if prev != d.position {
			d.heading = bearing(prev, d.position)
		}
	}

	alarm := protocol.AlarmCodeState
	if d.alarmRate > 0 && rand.Float64() < d.alarmRate {
		alarm = protocol.CodeFromAlert(alarms[rand.Intn(len(alarms))])
	}

	f := protocol.TelemetryFields{
		AlarmCode:   alarm,
		Timestamp:   now.UTC().Truncate(time.Second),
		GPSValid:    true,
		Lat:         math.Round(d.position.Lat*1e6) / 1e6,
		Lng:         math.Round(d.position.Lon*1e6) / 1e6,
		Satellites:  8 + rand.Intn(5),
		HDOP:        0.9,
		Speed:       math.Round(d.speedKmh),
		Heading:     math.Round(d.heading),
		Altitude:    35,
		Odometer:    math.Round(d.odometer),
		MCC:         "208",
		MNC:         "01",
		GSM:         15 + rand.Intn(16),
		ExtVoltage:  12.6,
		BattVoltage: d.battery,
	}
	f.Status[protocol.StatusPowered] = true
	f.Inputs[0] = d.speedKmh > 0
	f.Outputs[0] = d.relay
	return f
}

func (d *Device) nextSeq() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq = (d.seq + 1) % 26
	return 'A' + d.seq
}

// Report encodes one position report.
func (d *Device) Report(now time.Time, tickSec float64) []byte {
	f := d.Step(now, tickSec)
	return d.codec.EncodeTelemetry(d.IMEI, d.nextSeq(), f)
}

// HandleCommand answers a command frame; it returns nil when there is
// nothing to send back.
func (d *Device) HandleCommand(frame *protocol.Frame) []byte {
	entry := log.WithFields(log.Fields{"imei": d.IMEI, "code": frame.Code})
	switch frame.Code {
	case protocol.CmdDeviceInfo:
		entry.Info("Answering device-info")
		return d.codec.Encode(d.IMEI, frame.Flag, protocol.CmdDeviceInfo, d.Model, d.Serial)
	case protocol.CmdRelay:
		on := len(frame.Data) > 0 && frame.Data[0] == "1"
		d.mu.Lock()
		d.relay = on
		d.mu.Unlock()
		entry.WithField("relay", on).Info("Relay switched")
		return d.codec.Encode(d.IMEI, frame.Flag, protocol.CmdRelay, "OK")
	case protocol.CmdLocate:
		return d.Report(time.Now(), 0)
	default:
		entry.Warn("Unsupported command")
		return nil
	}
}

func (d *Device) readCommands(r io.Reader, write func([]byte) error) error {
	br := bufio.NewReaderSize(r, maxFrameSize)
	for {
		line, err := br.ReadSlice('\n')
		if err != nil {
			return err
		}
		frame, err := d.codec.Decode(line)
		if err != nil {
			log.WithError(err).WithField("imei", d.IMEI).Warn("Bad command frame")
			continue
		}
		if frame.IsTelemetry() {
			continue
		}
		if reply := d.HandleCommand(frame); reply != nil {
			if err := write(reply); err != nil {
				return err
			}
		}
	}
}

// serve reports on conn every interval and answers commands until the
// connection breaks or ctx is done.
func (d *Device) serve(ctx context.Context, conn net.Conn, interval time.Duration) error {
	defer conn.Close()

	var wmu sync.Mutex
	write := func(b []byte) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_, err := conn.Write(b)
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- d.readCommands(conn, write) }()

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case now := <-tick.C:
			if err := write(d.Report(now, interval.Seconds())); err != nil {
				return err
			}
			log.WithFields(log.Fields{"imei": d.IMEI, "speed": d.speed()}).Debug("Sent telemetry")
		}
	}
}

func (d *Device) speed() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speedKmh
}

// Run keeps the device connected to the hub until ctx is done.
func (d *Device) Run(ctx context.Context, addr string, interval time.Duration) {
	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			log.WithFields(log.Fields{"imei": d.IMEI, "addr": addr}).Info("Device connected")
			err = d.serve(ctx, conn, interval)
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, io.EOF) {
			log.WithError(err).WithField("imei", d.IMEI).Warn("Connection lost, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

type simConfig struct {
	FleetSize  int
	HubAddr    string
	Interval   time.Duration
	IMEIPrefix string
	MaxSpeed   float64
	AlarmRate  float64
	UseOSRM    bool
}

func loadSimConfig() simConfig {
	cfg := simConfig{
		FleetSize:  10,
		HubAddr:    "localhost:5023",
		Interval:   2 * time.Second,
		IMEIPrefix: "35335801",
		MaxSpeed:   90,
		AlarmRate:  0.005,
		UseOSRM:    true,
	}
	if val := os.Getenv("FLEET_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.FleetSize = n
		}
	}
	if v := os.Getenv("HUB_ADDR"); v != "" {
		cfg.HubAddr = v
	}
	if v := os.Getenv("SIM_TICK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			cfg.Interval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SIM_IMEI_PREFIX"); v != "" {
		cfg.IMEIPrefix = v
	}
	if v := os.Getenv("SIM_MAX_SPEED"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 15 {
			cfg.MaxSpeed = f
		}
	}
	if v := os.Getenv("SIM_ALARM_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.AlarmRate = f
		}
	}
	if v := os.Getenv("SIM_OSRM"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.UseOSRM = b
		}
	}
	return cfg
}

// imeiFor pads the device index so every IMEI has 15 digits.
func imeiFor(prefix string, i int) string {
	width := 15 - len(prefix)
	if width < 1 {
		width = 1
	}
	return fmt.Sprintf("%s%0*d", prefix, width, i)
}

func main() {
	cfg := loadSimConfig()

	log.WithFields(log.Fields{
		"fleet_size": cfg.FleetSize,
		"hub_addr":   cfg.HubAddr,
		"interval":   cfg.Interval,
		"max_speed":  cfg.MaxSpeed,
	}).Info("Starting fleet simulation")

	if cfg.FleetSize <= 0 {
		log.Error("FLEET_SIZE must be positive. Exiting.")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < cfg.FleetSize; i++ {
		d := newDevice(imeiFor(cfg.IMEIPrefix, i+1), cfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Run(ctx, cfg.HubAddr, cfg.Interval)
		}()
	}

	log.Info("Telemetry simulation started")
	wg.Wait()
	log.Info("Telemetry simulation stopped")
}
