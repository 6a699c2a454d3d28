// Package session runs one state machine per paired tracker.
//
// Each Session owns a goroutine that drains a mailbox of closures. Frames,
// timer fires, trip ticks and bus commands are all posted to the mailbox, so
// the session state is only ever touched by that goroutine. The device
// connection is the exception: it is swapped under its own lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/trackhub/internal/db"
	"github.com/ukydev/trackhub/internal/metrics"
	"github.com/ukydev/trackhub/internal/models"
	"github.com/ukydev/trackhub/internal/notify"
	"github.com/ukydev/trackhub/internal/protocol"
	"github.com/ukydev/trackhub/internal/realtime"
	"github.com/ukydev/trackhub/internal/trip"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	// ErrUnknownDevice is returned for operations on a tracker the platform
	// has no record of.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrDeviceOffline is returned when a command needs a connection the
	// device does not have.
	ErrDeviceOffline = errors.New("device offline")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
)

// timerSlack keeps timer fires strictly past their timeout.
const timerSlack = 100 * time.Millisecond

// Broadcaster pushes payloads to viewers. An empty pairingID targets every
// viewer allowed to see unassigned trackers.
type Broadcaster interface {
	Broadcast(pairingID, event string, data interface{})
}

// Notifier delivers an alert on one channel.
type Notifier interface {
	Email(ctx context.Context, to string, alert notify.Alert) error
	SMS(ctx context.Context, to string, alert notify.Alert) error
}

// Geocoder resolves coordinates into a readable address.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, loc models.Location) (string, error)
}

// Archive receives every persisted sample. Offer must not block.
type Archive interface {
	Offer(imei string, event models.TelemetryEvent)
}

// Config bundles the collaborators and thresholds of a session.
type Config struct {
	Repos       *db.Repositories
	Codec       protocol.Codec
	Broadcaster Broadcaster
	Notifier    Notifier
	Geocoder    Geocoder
	Archive     Archive
	Clock       Clock
	Timeouts    Timeouts
	Trip        trip.Config
	// ParkLimit bounds the frames held while a device registers.
	ParkLimit int
	// MailboxSize bounds the frames waiting for the session goroutine.
	MailboxSize int
	// OpTimeout bounds each repository call.
	OpTimeout time.Duration
	// OnPairing is called from the session goroutine whenever the resolved
	// pairing changes.
	OnPairing func(s *Session, old, new primitive.ObjectID)
}

func (c *Config) setDefaults() {
	if c.Clock == nil {
		c.Clock = RealClock
	}
	if c.Timeouts == (Timeouts{}) {
		c.Timeouts = DefaultTimeouts()
	}
	if c.Trip == (trip.Config{}) {
		c.Trip = trip.DefaultConfig()
	}
	if c.ParkLimit <= 0 {
		c.ParkLimit = 32
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 64
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 5 * time.Second
	}
}

// Session is the live state machine of one tracker.
type Session struct {
	imei    string
	cfg     Config
	log     *log.Entry
	mailbox chan func()
	quit    chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	closing sync.Once
	bg      sync.WaitGroup

	pairingID   atomic.Value // primitive.ObjectID
	trackerID   atomic.Value // primitive.ObjectID
	registering atomic.Bool

	// guarded by connMu; set from the connection read goroutine
	connMu sync.Mutex
	conn   io.Writer

	// owned by the session goroutine
	tracker        *models.Tracker
	pairing        *models.Pairing
	vehicle        *models.Vehicle
	customer       *models.User
	subscription   *models.Subscription
	state          State
	lastDeviceDate time.Time
	lastServerDate time.Time
	lastSampleAt   time.Time
	speed          float64
	last           *models.TelemetryEvent
	alerts         []models.TelemetryEvent
	parked         []*models.TelemetryEvent
	infoRequested  bool
	model, serial  string
	ghostTimer     Timer
	offTimer       Timer
	ghostGen       uint64
	offGen         uint64
	trips          *trip.Aggregator
}

// New starts a session for a device identity.
func New(imei string, cfg Config) *Session {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		imei:    imei,
		cfg:     cfg,
		log:     log.WithField("imei", imei),
		mailbox: make(chan func(), cfg.MailboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateUnwatched,
	}
	s.pairingID.Store(primitive.NilObjectID)
	s.trackerID.Store(primitive.NilObjectID)
	go s.loop()
	return s
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.mailbox:
			fn()
		case <-s.quit:
			s.stopTimers()
			if s.trips != nil {
				s.trips.Close()
			}
			return
		}
	}
}

// tryPost enqueues fn without blocking and reports whether it was accepted.
func (s *Session) tryPost(fn func()) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.mailbox <- fn:
		return true
	default:
		return false
	}
}

// post enqueues fn, waiting for room unless the session closes.
func (s *Session) post(fn func()) bool {
	select {
	case s.mailbox <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// do runs fn on the session goroutine and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case s.mailbox <- wrapped:
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.cfg.OpTimeout)
}

// IMEI returns the device identity.
func (s *Session) IMEI() string { return s.imei }

// PairingID returns the resolved pairing, or NilObjectID.
func (s *Session) PairingID() primitive.ObjectID {
	return s.pairingID.Load().(primitive.ObjectID)
}

// TrackerID returns the tracker record id, or NilObjectID while registering.
func (s *Session) TrackerID() primitive.ObjectID {
	return s.trackerID.Load().(primitive.ObjectID)
}

// Registering reports whether the device is still unknown to the platform.
func (s *Session) Registering() bool {
	return s.registering.Load()
}

// HandleTelemetry queues a decoded sample. It returns false when the
// mailbox is full and the sample was dropped.
func (s *Session) HandleTelemetry(event *models.TelemetryEvent) bool {
	return s.tryPost(func() { s.ingest(event) })
}

// HandleResponse queues a correlated command response.
func (s *Session) HandleResponse(resp *protocol.CommandResponse) bool {
	return s.tryPost(func() { s.handleResponse(resp) })
}

// AttachConn sets the connection commands are written to. It never waits
// on the mailbox.
func (s *Session) AttachConn(w io.Writer) {
	s.connMu.Lock()
	s.conn = w
	s.connMu.Unlock()
}

// DetachConn clears the connection if it is still w.
func (s *Session) DetachConn(w io.Writer) {
	s.connMu.Lock()
	if s.conn == w {
		s.conn = nil
	}
	s.connMu.Unlock()
}

func (s *Session) link() io.Writer {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

// Register binds the session to a tracker record and replays parked frames.
func (s *Session) Register(trackerID primitive.ObjectID) {
	s.post(func() {
		if err := s.load(trackerID); err != nil {
			s.log.WithError(err).Error("failed to load tracker context")
			return
		}
		s.registering.Store(false)
		parked := s.parked
		s.parked = nil
		for _, ev := range parked {
			s.ingest(ev)
		}
	})
}

// Refresh reloads pairing, vehicle and subscription, typically after the
// tracker was assigned to another vehicle.
func (s *Session) Refresh() {
	s.post(func() {
		if s.tracker == nil {
			return
		}
		if err := s.load(s.tracker.ID); err != nil {
			s.log.WithError(err).Error("failed to refresh tracker context")
			return
		}
		s.evaluate()
	})
}

// AckAlerts marks every alert of the pairing as read and clears the active
// set.
func (s *Session) AckAlerts() {
	s.post(func() {
		if s.pairing == nil {
			return
		}
		ctx, cancel := s.opContext()
		defer cancel()
		if err := s.cfg.Repos.Telemetry.AckAlerts(ctx, s.pairing.ID); err != nil {
			s.log.WithError(err).WithField("critical", true).Error("failed to acknowledge alerts")
			return
		}
		s.alerts = nil
		s.evaluate()
	})
}

// SetRelay sends a relay command to the device and returns the pending call.
func (s *Session) SetRelay(ctx context.Context, on bool) (*protocol.Call, error) {
	var call *protocol.Call
	var sendErr error
	err := s.do(ctx, func() {
		state := "0"
		if on {
			state = "1"
		}
		call, sendErr = s.send(protocol.CmdRelay, state)
	})
	if err != nil {
		return nil, err
	}
	return call, sendErr
}

// Ping returns the track-ping view of the session.
func (s *Session) Ping(ctx context.Context) (Ping, error) {
	var p Ping
	err := s.do(ctx, func() { p = s.ping() })
	return p, err
}

// Data returns the full live view of the pairing.
func (s *Session) Data(ctx context.Context) (PairingView, error) {
	var v PairingView
	err := s.do(ctx, func() {
		v = PairingView{
			Ping:     s.ping(),
			Vehicle:  s.vehicle,
			Alerts:   append([]models.TelemetryEvent(nil), s.alerts...),
			Watching: s.subscription.IsActive(s.cfg.Clock.Now()),
		}
		if s.pairing != nil {
			v.Fence = s.pairing.LastFence
		}
		if s.last != nil {
			last := *s.last
			v.Last = &last
		}
	})
	return v, err
}

// Info describes the device while it registers.
func (s *Session) Info(ctx context.Context) (TrackerInfo, error) {
	var info TrackerInfo
	err := s.do(ctx, func() { info = s.info() })
	return info, err
}

// State returns the current operating state.
func (s *Session) State(ctx context.Context) (State, error) {
	var st State
	err := s.do(ctx, func() { st = s.state })
	return st, err
}

// Close stops timers, the open trip and the goroutine. It waits for pending
// notifications. Close is idempotent.
func (s *Session) Close() {
	s.closing.Do(func() {
		close(s.quit)
		<-s.done
		s.bg.Wait()
		s.cancel()
	})
}

func (s *Session) info() TrackerInfo {
	return TrackerInfo{IMEI: s.imei, Model: s.model, Serial: s.serial}
}

func (s *Session) ping() Ping {
	p := Ping{IMEI: s.imei, State: s.state, Speed: s.speed}
	if s.pairing != nil {
		p.ID = s.pairing.ID.Hex()
	}
	if s.last != nil {
		p.Date = s.last.Date
		p.Powered = s.last.Powered
		p.Signal = s.last.Signal
		p.HasGPS = s.last.HasGPS
		p.IO = s.last.IO
	}
	return p
}

func (s *Session) pairingKey() string {
	if s.pairing == nil {
		return ""
	}
	return s.pairing.ID.Hex()
}

// load resolves the tracker context from the repositories.
func (s *Session) load(trackerID primitive.ObjectID) error {
	ctx, cancel := s.opContext()
	defer cancel()
	repos := s.cfg.Repos

	tracker, err := repos.Trackers.FindTrackerByID(ctx, trackerID)
	if err != nil {
		return fmt.Errorf("find tracker: %w", err)
	}
	s.tracker = tracker
	s.trackerID.Store(tracker.ID)

	old := s.PairingID()
	pairing, err := repos.Pairings.FindHealthyPairingByTracker(ctx, tracker.ID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		pairing = nil
	case err != nil:
		return fmt.Errorf("find pairing: %w", err)
	}

	if pairing == nil || pairing.ID != old {
		s.resetPairing()
	}
	s.pairing = pairing
	s.vehicle, s.customer, s.subscription = nil, nil, nil
	if pairing == nil {
		s.pairingID.Store(primitive.NilObjectID)
		s.log = log.WithField("imei", s.imei)
		s.notifyPairing(old, primitive.NilObjectID)
		return nil
	}
	s.pairingID.Store(pairing.ID)
	s.log = log.WithFields(log.Fields{"imei": s.imei, "pairing_id": pairing.ID.Hex()})

	if s.vehicle, err = repos.Vehicles.FindVehicleByID(ctx, pairing.VehicleID); err != nil {
		s.vehicle = nil
		s.log.WithError(err).Warn("vehicle lookup failed")
	}
	if s.vehicle != nil {
		if s.customer, err = repos.Users.FindUserByID(ctx, s.vehicle.CustomerID); err != nil {
			s.customer = nil
		}
		if s.subscription, err = repos.Subscriptions.FindActiveSubscription(ctx, s.vehicle.ID, s.cfg.Clock.Now()); err != nil {
			s.subscription = nil
			if !errors.Is(err, db.ErrNotFound) {
				s.log.WithError(err).Warn("subscription lookup failed")
			}
		}
	}

	if pairing.ID != old {
		if pairing.LastStateDate.After(s.lastServerDate) {
			s.lastServerDate = pairing.LastStateDate
		}
		if last, err := repos.Telemetry.FindLastEvent(ctx, pairing.ID); err == nil {
			s.last = last
			s.lastDeviceDate = last.Date
		}
		if unread, err := repos.Telemetry.FindUnreadAlerts(ctx, pairing.ID); err == nil {
			for _, a := range unread {
				if IsHard(a.Alert) {
					s.alerts = append(s.alerts, a)
				}
			}
		}
		s.trips = trip.NewAggregator(pairing.ID, s.cfg.Trip, repos.Trips, repos.Pairings, s.schedule)
		s.trips.OnClose(func(o trip.Outcome) { metrics.TripsClosed.WithLabelValues(tripOutcome(o)).Inc() })
		s.armGhost(s.lastServerDate)
		s.notifyPairing(old, pairing.ID)
	}
	return nil
}

func (s *Session) notifyPairing(old, new primitive.ObjectID) {
	if old != new && s.cfg.OnPairing != nil {
		s.cfg.OnPairing(s, old, new)
	}
}

func (s *Session) resetPairing() {
	if s.trips != nil {
		s.trips.Close()
		s.trips = nil
	}
	s.alerts = nil
	s.last = nil
	s.lastDeviceDate = time.Time{}
	s.speed = 0
}

// ingest is the telemetry entry point on the session goroutine.
func (s *Session) ingest(event *models.TelemetryEvent) {
	now := s.cfg.Clock.Now()
	if s.tracker == nil {
		if !s.resolveTracker() {
			s.park(event)
			return
		}
	}
	if s.pairing == nil {
		s.log.Debug("sample from tracker without healthy pairing")
		metrics.FramesDropped.WithLabelValues("unpaired").Inc()
		s.evaluate()
		return
	}

	live := event.Date.After(s.lastDeviceDate)
	if live {
		s.lastDeviceDate = event.Date
		s.lastServerDate = now
		s.lastSampleAt = now
		s.speed = event.Speed
		s.armGhost(now)
		ctx, cancel := s.opContext()
		if err := s.cfg.Repos.Pairings.UpdateLastStateDate(ctx, s.pairing.ID, now); err != nil {
			s.log.WithError(err).WithField("critical", true).Error("failed to persist last state date")
		}
		cancel()
	}

	event.PairingID = s.pairing.ID
	if event.IsAlert() && !Permitted(s.subscription, event.Alert) {
		s.log.WithField("alert", event.Alert).Debug("alert suppressed by package")
		event.Alert = models.AlertNone
		event.Kind = models.EventState
	}

	var extra []models.AlertKind
	if live && s.last != nil {
		extra = append(extra, ioTransitions(s.last.IO, event.IO)...)
	}
	if event.HasGPS && s.subscription.IsActive(now) {
		extra = append(extra, s.dynamicAlerts(event)...)
	}

	events := []*models.TelemetryEvent{event}
	for _, kind := range extra {
		if !event.IsAlert() {
			event.Alert = kind
			event.Kind = models.EventAlert
			continue
		}
		clone := *event
		clone.ID = primitive.NilObjectID
		clone.Alert = kind
		clone.Kind = models.EventAlert
		events = append(events, &clone)
	}

	var soft []models.AlertKind
	for i, ev := range events {
		if !s.persist(ev) {
			continue
		}
		if i == 0 {
			if s.cfg.Archive != nil {
				s.cfg.Archive.Offer(s.imei, *ev)
			}
			if s.trips != nil {
				s.trips.Add(*ev)
			}
		}
		if ev.IsAlert() {
			metrics.AlertsRaised.WithLabelValues(string(ev.Alert)).Inc()
			if IsSoft(ev.Alert) {
				soft = append(soft, ev.Alert)
			} else {
				s.alerts = append(s.alerts, *ev)
			}
			if IsNotifyWorthy(ev.Alert) {
				s.dispatch(*ev)
			}
		}
		s.broadcast(realtime.EventTrackEvent, TrackEvent{ID: s.pairingKey(), Data: *ev})
	}
	if live {
		last := *event
		s.last = &last
	}
	if len(soft) > 0 {
		s.broadcast(realtime.EventSoftAlert, SoftAlert{ID: s.pairingKey(), Alerts: soft})
	}
	s.evaluate()
}

// resolveTracker looks the IMEI up. It returns false when the device is
// unknown and the session entered registration.
func (s *Session) resolveTracker() bool {
	ctx, cancel := s.opContext()
	tracker, err := s.cfg.Repos.Trackers.FindTrackerByIMEI(ctx, s.imei)
	cancel()
	if err == nil {
		if err := s.load(tracker.ID); err != nil {
			s.log.WithError(err).Error("failed to load tracker context")
			return false
		}
		return true
	}
	if !errors.Is(err, db.ErrNotFound) {
		s.log.WithError(err).WithField("critical", true).Error("tracker lookup failed")
		return false
	}
	if !s.registering.Swap(true) {
		s.log.Info("unknown device, registering")
	}
	s.requestInfo()
	return false
}

func (s *Session) park(event *models.TelemetryEvent) {
	if len(s.parked) >= s.cfg.ParkLimit {
		s.parked = s.parked[1:]
		metrics.FramesDropped.WithLabelValues("parked_overflow").Inc()
	}
	s.parked = append(s.parked, event)
}

// requestInfo sends a device-info command unless one is outstanding.
func (s *Session) requestInfo() {
	if s.infoRequested {
		return
	}
	call, err := s.send(protocol.CmdDeviceInfo)
	if err != nil {
		s.log.WithError(err).Debug("device-info not sent")
		return
	}
	s.infoRequested = true
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		select {
		case <-call.Done():
		case <-s.quit:
			return
		}
		if _, err := call.Result(); err != nil {
			s.post(func() { s.infoRequested = false })
		}
	}()
}

func (s *Session) send(code string, data ...string) (*protocol.Call, error) {
	conn := s.link()
	if conn == nil {
		return nil, ErrDeviceOffline
	}
	frame, call := s.cfg.Codec.ExeCommand(s.imei, code, data...)
	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("write %s: %w", code, err)
	}
	metrics.CommandsSent.WithLabelValues(code).Inc()
	return call, nil
}

func (s *Session) handleResponse(resp *protocol.CommandResponse) {
	switch resp.Code {
	case protocol.CmdDeviceInfo:
		s.model, s.serial = resp.Model, resp.Serial
		if s.registering.Load() {
			s.broadcast(realtime.EventNewTracker, []TrackerInfo{s.info()})
			return
		}
		if s.tracker != nil && resp.OK {
			ctx, cancel := s.opContext()
			defer cancel()
			if err := s.cfg.Repos.Trackers.UpdateTrackerInfo(ctx, s.tracker.ID, resp.Model, resp.Serial); err != nil {
				s.log.WithError(err).WithField("critical", true).Error("failed to update tracker info")
			}
		}
	case protocol.CmdRelay:
		if s.pairing == nil {
			return
		}
		ev := &models.TelemetryEvent{
			PairingID: s.pairing.ID,
			Date:      s.cfg.Clock.Now().UTC(),
			Kind:      models.EventCommandResponse,
		}
		if s.last != nil {
			ev.Position, ev.HasGPS, ev.IO = s.last.Position, s.last.HasGPS, s.last.IO
		}
		ev.IO.Relay = resp.RelayOn
		if !resp.OK {
			s.log.WithField("relay", resp.RelayOn).Warn("relay command rejected by device")
			return
		}
		if s.persist(ev) {
			s.broadcast(realtime.EventTrackEvent, TrackEvent{ID: s.pairingKey(), Data: *ev})
		}
	default:
		s.log.WithField("code", resp.Code).Debug("command response ignored")
	}
}

func (s *Session) persist(ev *models.TelemetryEvent) bool {
	ctx, cancel := s.opContext()
	defer cancel()
	id, err := s.cfg.Repos.Telemetry.InsertEvent(ctx, ev)
	if err != nil {
		s.log.WithError(err).WithField("critical", true).Error("failed to persist telemetry")
		metrics.PersistenceErrors.Inc()
		return false
	}
	ev.ID = id
	if err := s.cfg.Repos.Pairings.AppendEvent(ctx, s.pairing.ID, id); err != nil {
		s.log.WithError(err).WithField("critical", true).Error("failed to link event to pairing")
		metrics.PersistenceErrors.Inc()
	}
	metrics.EventsPersisted.Inc()
	return true
}

// dynamicAlerts evaluates speeding and geofencing for a sample with a fix.
func (s *Session) dynamicAlerts(event *models.TelemetryEvent) []models.AlertKind {
	var out []models.AlertKind
	if s.subscription.Allows(models.OptionSpeeding) && s.vehicle != nil && s.vehicle.MaxSpeed > 0 &&
		event.Speed > s.vehicle.MaxSpeed {
		out = append(out, models.AlertSpeeding)
	}
	if s.subscription.Allows(models.OptionGeofence) && s.pairing.HasGeofence() {
		if kind, ok := s.checkFence(event); ok {
			out = append(out, kind)
		}
	}
	return out
}

func (s *Session) checkFence(event *models.TelemetryEvent) (models.AlertKind, bool) {
	ctx, cancel := s.opContext()
	defer cancel()
	inside, err := s.cfg.Repos.Geofences.Contains(ctx, *s.pairing.GeofenceID, event.Position)
	if err != nil {
		s.log.WithError(err).Warn("geofence check failed")
		return models.AlertNone, false
	}
	fence := models.FenceOut
	if inside {
		fence = models.FenceIn
	}
	event.Fence = fence
	previous := s.pairing.LastFence
	if previous == fence {
		return models.AlertNone, false
	}
	if err := s.cfg.Repos.Pairings.UpdateFence(ctx, s.pairing.ID, fence); err != nil {
		s.log.WithError(err).WithField("critical", true).Error("failed to persist fence")
	}
	s.pairing.LastFence = fence
	if previous == models.FenceUnknown {
		return models.AlertNone, false
	}
	if fence == models.FenceIn {
		return models.AlertFenceIn, true
	}
	return models.AlertFenceOut, true
}

func ioTransitions(prev, cur models.IO) []models.AlertKind {
	var out []models.AlertKind
	if prev.Relay != cur.Relay {
		if cur.Relay {
			out = append(out, models.AlertRelayOn)
		} else {
			out = append(out, models.AlertRelayOff)
		}
	}
	if prev.Buzzer != cur.Buzzer {
		if cur.Buzzer {
			out = append(out, models.AlertBuzzerOn)
		} else {
			out = append(out, models.AlertBuzzerOff)
		}
	}
	return out
}

// dispatch sends customer notifications off the session goroutine.
func (s *Session) dispatch(ev models.TelemetryEvent) {
	if s.cfg.Notifier == nil || s.vehicle == nil {
		return
	}
	sub := s.subscription
	emailOn, smsOn := sub.Allows(models.OptionEmail), sub.Allows(models.OptionSMS)
	if !emailOn && !smsOn {
		return
	}
	var email, phone string
	if s.customer != nil {
		email, phone = s.customer.Email, s.customer.Phone
	}
	numberplate := s.vehicle.Numberplate
	entry := s.log.WithField("alert", ev.Alert)
	resolver := locationResolver{
		geocoder:  s.cfg.Geocoder,
		telemetry: s.cfg.Repos.Telemetry,
		log:       s.log,
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 4*s.cfg.OpTimeout)
		defer cancel()
		alert := notify.Alert{
			Kind:        ev.Alert,
			Numberplate: numberplate,
			Location:    resolver.name(ctx, ev),
			Date:        ev.Date,
		}
		if emailOn {
			if err := s.cfg.Notifier.Email(ctx, email, alert); err != nil {
				entry.WithError(err).Warn("email notification failed")
			}
		}
		if smsOn {
			if err := s.cfg.Notifier.SMS(ctx, phone, alert); err != nil {
				entry.WithError(err).Warn("sms notification failed")
			}
		}
	}()
}

// locationResolver is captured on the session goroutine so notification
// goroutines never read session fields.
type locationResolver struct {
	geocoder  Geocoder
	telemetry db.TelemetryCollection
	log       *log.Entry
}

// name returns the cached address of ev or resolves and stores it.
func (r locationResolver) name(ctx context.Context, ev models.TelemetryEvent) string {
	if ev.LocationName != "" || r.geocoder == nil || !ev.HasGPS {
		return ev.LocationName
	}
	name, err := r.geocoder.ReverseGeocode(ctx, ev.Position)
	if err != nil {
		r.log.WithError(err).Warn("reverse geocoding failed")
		return ""
	}
	if err := r.telemetry.UpdateLocationName(ctx, ev.ID, name); err != nil {
		r.log.WithError(err).Warn("failed to cache location name")
	}
	return name
}

func (s *Session) broadcast(event string, data interface{}) {
	if s.cfg.Broadcaster != nil {
		s.cfg.Broadcaster.Broadcast(s.pairingKey(), event, data)
	}
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Now:                s.cfg.Clock.Now(),
		HasPairing:         s.pairing != nil,
		SubscriptionActive: s.subscription.IsActive(s.cfg.Clock.Now()),
		LastServerDate:     s.lastServerDate,
		LastTelemetryAt:    s.lastSampleAt,
		Speed:              s.speed,
		ActiveAlerts:       len(s.alerts),
	}
	if s.pairing != nil {
		snap.PairingState = s.pairing.State
	}
	return snap
}

// evaluate runs the transition function and reacts to a state change.
func (s *Session) evaluate() {
	next := Evaluate(s.snapshot(), s.cfg.Timeouts)
	if next == StateOff {
		s.speed = 0
	}
	if next == StateMove {
		s.armOff()
	}
	if next == s.state {
		return
	}
	s.log.WithFields(log.Fields{"from": s.state, "to": next}).Debug("state change")
	s.state = next
	metrics.StateTransitions.WithLabelValues(string(next)).Inc()
	s.broadcast(realtime.EventTrackPing, s.ping())
}

func (s *Session) armGhost(from time.Time) {
	s.ghostGen++
	gen := s.ghostGen
	if s.ghostTimer != nil {
		s.ghostTimer.Stop()
	}
	wait := s.cfg.Timeouts.Ghost - s.cfg.Clock.Now().Sub(from) + timerSlack
	if wait < timerSlack {
		wait = timerSlack
	}
	s.ghostTimer = s.cfg.Clock.AfterFunc(wait, func() {
		s.post(func() {
			if gen == s.ghostGen {
				s.evaluate()
			}
		})
	})
}

func (s *Session) armOff() {
	s.offGen++
	gen := s.offGen
	if s.offTimer != nil {
		s.offTimer.Stop()
	}
	wait := s.cfg.Timeouts.Off - s.cfg.Clock.Now().Sub(s.lastSampleAt) + timerSlack
	if wait < timerSlack {
		wait = timerSlack
	}
	s.offTimer = s.cfg.Clock.AfterFunc(wait, func() {
		s.post(func() {
			if gen == s.offGen {
				s.evaluate()
			}
		})
	})
}

func (s *Session) stopTimers() {
	if s.ghostTimer != nil {
		s.ghostTimer.Stop()
	}
	if s.offTimer != nil {
		s.offTimer.Stop()
	}
}

// schedule is the trip tick source; each tick runs on the session goroutine.
func (s *Session) schedule(interval time.Duration, fn func()) func() {
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.post(func() {
					select {
					case <-stop:
					default:
						fn()
					}
				})
			case <-stop:
				return
			case <-s.quit:
				return
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

func tripOutcome(o trip.Outcome) string {
	switch o {
	case trip.Persisted:
		return "persisted"
	case trip.Discarded:
		return "discarded"
	default:
		return "open"
	}
}
