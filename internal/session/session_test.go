package session

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/trackhub/internal/db"
	"github.com/ukydev/trackhub/internal/models"
	"github.com/ukydev/trackhub/internal/notify"
	"github.com/ukydev/trackhub/internal/protocol"
	"github.com/ukydev/trackhub/internal/realtime"
	"github.com/ukydev/trackhub/internal/trip"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const testIMEI = "353358017784062"

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock and runs the timers that became due, in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

type recorded struct {
	pairingID string
	event     string
	data      interface{}
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) Broadcast(pairingID, event string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{pairingID, event, data})
}

func (r *recorder) of(event string) []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recorded
	for _, e := range r.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Email(ctx context.Context, to string, alert notify.Alert) error {
	return m.Called(ctx, to, alert).Error(0)
}

func (m *mockNotifier) SMS(ctx context.Context, to string, alert notify.Alert) error {
	return m.Called(ctx, to, alert).Error(0)
}

type mockGeocoder struct {
	mock.Mock
}

func (m *mockGeocoder) ReverseGeocode(ctx context.Context, loc models.Location) (string, error) {
	args := m.Called(ctx, loc)
	return args.String(0), args.Error(1)
}

// gate blocks the session goroutine on its first broadcast until released.
type gate struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) Broadcast(string, string, interface{}) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	t        *testing.T
	store    *db.MemoryStore
	clock    *fakeClock
	rec      *recorder
	codec    *protocol.ASCIICodec
	customer models.User
	vehicle  models.Vehicle
	tracker  models.Tracker
	pairing  models.Pairing
	cfg      Config
	s        *Session
}

type option func(*harness)

// withPackage gives the vehicle an active subscription granting options.
func withPackage(options ...string) option {
	return func(h *harness) {
		h.store.AddSubscription(models.Subscription{
			VehicleID: h.vehicle.ID,
			Package:   models.Package{Name: "test", AllowedOptions: options},
			BeginDate: h.clock.Now().Add(-time.Hour),
		})
	}
}

func withNotifier(n Notifier, g Geocoder) option {
	return func(h *harness) {
		h.cfg.Notifier = n
		h.cfg.Geocoder = g
	}
}

func withGeofence() option {
	return func(h *harness) {
		fence := h.store.AddGeofence(models.Geofence{
			Name: "depot",
			Area: models.NewPolygon(
				models.Location{Lat: 0, Lon: 0},
				models.Location{Lat: 0, Lon: 10},
				models.Location{Lat: 10, Lon: 10},
				models.Location{Lat: 10, Lon: 0},
			),
		})
		h.pairing.GeofenceID = &fence.ID
	}
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	store := db.NewMemoryStore()
	clock := newFakeClock()
	h := &harness{t: t, store: store, clock: clock, rec: &recorder{}}
	h.codec = protocol.NewASCIICodec(protocol.NewPending(time.Minute))
	h.customer = store.AddUser(models.User{Username: "alice", Role: models.RoleCustomer, Email: "alice@example.com", Phone: "+33600000001"})
	h.vehicle = store.AddVehicle(models.Vehicle{Numberplate: "AB-123-CD", MaxSpeed: 90, CustomerID: h.customer.ID})
	h.tracker = store.AddTracker(models.Tracker{IMEI: testIMEI})
	h.pairing = models.Pairing{TrackerID: h.tracker.ID, VehicleID: h.vehicle.ID, State: models.PairingHealthy}
	h.cfg = Config{
		Repos:       store.Repositories(),
		Codec:       h.codec,
		Broadcaster: h.rec,
		Clock:       clock,
		Trip:        trip.Config{MaxStop: 300, MinMoveDuration: 300, MinMoveMileage: 500, TickInterval: time.Hour},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.pairing = store.AddPairing(h.pairing)
	h.s = New(testIMEI, h.cfg)
	t.Cleanup(h.s.Close)
	return h
}

func (h *harness) sample(speed float64) *models.TelemetryEvent {
	return &models.TelemetryEvent{
		Date:     h.clock.Now(),
		Kind:     models.EventState,
		Position: models.Location{Lat: 48.85, Lon: 2.35},
		Speed:    speed,
		Powered:  true,
		HasGPS:   true,
		Signal:   20,
	}
}

func (h *harness) at(lat, lon float64) *models.TelemetryEvent {
	ev := h.sample(0)
	ev.Position = models.Location{Lat: lat, Lon: lon}
	return ev
}

func (h *harness) alarm(kind models.AlertKind) *models.TelemetryEvent {
	ev := h.sample(0)
	ev.Kind = models.EventAlert
	ev.Alert = kind
	return ev
}

func (h *harness) send(ev *models.TelemetryEvent) {
	h.t.Helper()
	require.True(h.t, h.s.HandleTelemetry(ev))
}

func (h *harness) state() State {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := h.s.State(ctx)
	require.NoError(h.t, err)
	return st
}

func (h *harness) events() []models.TelemetryEvent {
	return h.store.Events(h.pairing.ID)
}

func (h *harness) alertsOf(kind models.AlertKind) int {
	n := 0
	for _, ev := range h.events() {
		if ev.Alert == kind {
			n++
		}
	}
	return n
}

func TestSession_UnwatchedWithoutSubscription(t *testing.T) {
	h := newHarness(t)
	h.send(h.sample(50))
	assert.Equal(t, StateUnwatched, h.state())
	assert.Len(t, h.events(), 1)
}

func TestSession_GhostAfterSilence(t *testing.T) {
	h := newHarness(t, withPackage())

	h.send(h.sample(0))
	assert.Equal(t, StateOff, h.state())

	h.clock.Advance(59 * time.Second)
	assert.Equal(t, StateOff, h.state())

	h.clock.Advance(2 * time.Second)
	assert.Equal(t, StateGhost, h.state())

	pings := h.rec.of(realtime.EventTrackPing)
	require.NotEmpty(t, pings)
	last := pings[len(pings)-1].data.(Ping)
	assert.Equal(t, StateGhost, last.State)
	assert.Equal(t, h.pairing.ID.Hex(), pings[len(pings)-1].pairingID)

	// a new live sample brings it back
	h.send(h.sample(0))
	assert.Equal(t, StateOff, h.state())
}

func TestSession_GhostTimerRearmedByLiveSamples(t *testing.T) {
	h := newHarness(t, withPackage())
	h.send(h.sample(0))
	for i := 0; i < 5; i++ {
		h.clock.Advance(40 * time.Second)
		h.send(h.sample(0))
	}
	h.clock.Advance(40 * time.Second)
	assert.Equal(t, StateOff, h.state())
}

func TestSession_StaleSampleDoesNotRefresh(t *testing.T) {
	h := newHarness(t, withPackage())
	h.send(h.sample(0))
	old := h.sample(0)
	old.Date = old.Date.Add(-time.Hour)

	h.clock.Advance(50 * time.Second)
	h.send(old)
	h.clock.Advance(11 * time.Second)
	assert.Equal(t, StateGhost, h.state())
	// stored but not taken as the last sample
	assert.Len(t, h.events(), 2)
}

func TestSession_MoveThenOff(t *testing.T) {
	h := newHarness(t, withPackage())

	h.send(h.sample(50))
	assert.Equal(t, StateMove, h.state())

	h.clock.Advance(29 * time.Second)
	assert.Equal(t, StateMove, h.state())

	h.clock.Advance(2 * time.Second)
	assert.Equal(t, StateOff, h.state())

	ctx := context.Background()
	p, err := h.s.Ping(ctx)
	require.NoError(t, err)
	assert.Zero(t, p.Speed)
}

func TestSession_SpeedingNotifiesOnce(t *testing.T) {
	notifier := new(mockNotifier)
	geocoder := new(mockGeocoder)
	h := newHarness(t,
		withPackage(models.OptionSpeeding, models.OptionEmail, models.OptionSMS),
		withNotifier(notifier, geocoder),
	)

	isSpeeding := mock.MatchedBy(func(a notify.Alert) bool {
		return a.Kind == models.AlertSpeeding && a.Numberplate == "AB-123-CD" && a.Location == "Rue de Rivoli, Paris"
	})
	geocoder.On("ReverseGeocode", mock.Anything, models.Location{Lat: 48.85, Lon: 2.35}).Return("Rue de Rivoli, Paris", nil).Once()
	notifier.On("Email", mock.Anything, "alice@example.com", isSpeeding).Return(nil).Once()
	notifier.On("SMS", mock.Anything, "+33600000001", isSpeeding).Return(nil).Once()

	h.send(h.sample(120))
	assert.Equal(t, StateAlert, h.state())
	h.s.Close()

	notifier.AssertExpectations(t)
	geocoder.AssertExpectations(t)

	events := h.events()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventAlert, events[0].Kind)
	assert.Equal(t, models.AlertSpeeding, events[0].Alert)
	assert.Equal(t, "Rue de Rivoli, Paris", events[0].LocationName)
}

func TestSession_SpeedingNeedsOption(t *testing.T) {
	h := newHarness(t, withPackage(models.OptionEmail))
	h.send(h.sample(120))
	assert.Equal(t, StateMove, h.state())
	assert.Zero(t, h.alertsOf(models.AlertSpeeding))
}

func TestSession_SpeedingNeedsFix(t *testing.T) {
	h := newHarness(t, withPackage(models.OptionSpeeding))
	ev := h.sample(120)
	ev.HasGPS = false
	h.send(ev)
	assert.Zero(t, h.alertsOf(models.AlertSpeeding))
}

func TestSession_GatedDeviceAlertBecomesState(t *testing.T) {
	h := newHarness(t, withPackage())
	h.send(h.alarm(models.AlertFenceOut))
	assert.Equal(t, StateOff, h.state())

	events := h.events()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventState, events[0].Kind)
	assert.Equal(t, models.AlertNone, events[0].Alert)
	assert.Zero(t, h.alertsOf(models.AlertFenceOut))

	unread, err := h.store.FindUnreadAlerts(context.Background(), h.pairing.ID)
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestSession_DynamicAlertOnDeviceAlertIsSeparateEvent(t *testing.T) {
	h := newHarness(t, withPackage(models.OptionSpeeding))
	ev := h.alarm(models.AlertImpact)
	ev.Speed = 130
	h.send(ev)
	assert.Equal(t, StateAlert, h.state())

	events := h.events()
	require.Len(t, events, 2)
	assert.Equal(t, models.AlertImpact, events[0].Alert)
	assert.Equal(t, models.AlertSpeeding, events[1].Alert)
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestSession_Geofence(t *testing.T) {
	h := newHarness(t, withPackage(models.OptionGeofence), withGeofence())

	steps := []struct {
		lat, lon float64
		fence    string
	}{
		{20, 20, models.FenceOut},
		{5, 5, models.FenceIn},
		{6, 6, models.FenceIn},
		{20, 20, models.FenceOut},
	}
	for _, step := range steps {
		h.clock.Advance(time.Second)
		h.send(h.at(step.lat, step.lon))
	}
	h.state()

	events := h.events()
	require.Len(t, events, len(steps))
	for i, step := range steps {
		assert.Equal(t, step.fence, events[i].Fence, "sample %d", i)
	}
	assert.Equal(t, 1, h.alertsOf(models.AlertFenceIn))
	assert.Equal(t, 1, h.alertsOf(models.AlertFenceOut))
	assert.Equal(t, models.AlertNone, events[0].Alert)

	p, err := h.store.FindPairingByID(context.Background(), h.pairing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FenceOut, p.LastFence)
}

func TestSession_GeofenceNeedsOption(t *testing.T) {
	h := newHarness(t, withPackage(), withGeofence())
	h.send(h.at(20, 20))
	h.clock.Advance(time.Second)
	h.send(h.at(5, 5))
	h.state()

	for _, ev := range h.events() {
		assert.Equal(t, models.FenceUnknown, ev.Fence)
		assert.Equal(t, models.AlertNone, ev.Alert)
	}
}

func TestSession_AckClearsAlerts(t *testing.T) {
	h := newHarness(t, withPackage())
	h.send(h.alarm(models.AlertSOS))
	assert.Equal(t, StateAlert, h.state())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	view, err := h.s.Data(ctx)
	require.NoError(t, err)
	require.Len(t, view.Alerts, 1)
	assert.Equal(t, models.AlertSOS, view.Alerts[0].Alert)

	h.s.AckAlerts()
	assert.Equal(t, StateOff, h.state())

	unread, err := h.store.FindUnreadAlerts(ctx, h.pairing.ID)
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestSession_SoftAlertIsBroadcastOnly(t *testing.T) {
	h := newHarness(t, withPackage())
	h.send(h.alarm(models.AlertBatteryLow))
	assert.Equal(t, StateOff, h.state())

	soft := h.rec.of(realtime.EventSoftAlert)
	require.Len(t, soft, 1)
	assert.Equal(t, []models.AlertKind{models.AlertBatteryLow}, soft[0].data.(SoftAlert).Alerts)
	assert.Equal(t, 1, h.alertsOf(models.AlertBatteryLow))
}

func TestSession_RelayTransitions(t *testing.T) {
	h := newHarness(t, withPackage())
	h.send(h.sample(0))

	h.clock.Advance(time.Second)
	on := h.sample(0)
	on.IO.Relay = true
	h.send(on)
	assert.Equal(t, StateAlert, h.state())

	h.clock.Advance(time.Second)
	off := h.sample(0)
	h.send(off)
	h.state()

	assert.Equal(t, 1, h.alertsOf(models.AlertRelayOn))
	assert.Equal(t, 1, h.alertsOf(models.AlertRelayOff))
}

func TestSession_TrackEventsBroadcast(t *testing.T) {
	h := newHarness(t, withPackage())
	h.send(h.sample(0))
	h.state()

	events := h.rec.of(realtime.EventTrackEvent)
	require.Len(t, events, 1)
	te := events[0].data.(TrackEvent)
	assert.Equal(t, h.pairing.ID.Hex(), te.ID)
	assert.False(t, te.Data.ID.IsZero())
}

func TestSession_PersistsLastStateDate(t *testing.T) {
	h := newHarness(t, withPackage())
	h.send(h.sample(0))
	h.state()

	p, err := h.store.FindPairingByID(context.Background(), h.pairing.ID)
	require.NoError(t, err)
	assert.True(t, p.LastStateDate.Equal(h.clock.Now()))
}

func TestSession_RegistersUnknownDevice(t *testing.T) {
	store := db.NewMemoryStore()
	clock := newFakeClock()
	rec := &recorder{}
	codec := protocol.NewASCIICodec(protocol.NewPending(time.Minute))
	s := New("353000000000999", Config{
		Repos:       store.Repositories(),
		Codec:       codec,
		Broadcaster: rec,
		Clock:       clock,
		ParkLimit:   2,
	})
	defer s.Close()

	out := &syncBuffer{}
	s.AttachConn(out)
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		require.True(t, s.HandleTelemetry(&models.TelemetryEvent{Date: clock.Now(), Kind: models.EventState, HasGPS: true}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := s.State(ctx)
	require.NoError(t, err)
	assert.True(t, s.Registering())

	// one device-info request, however many frames arrived
	sent, err := codec.Decode([]byte(out.String()))
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdDeviceInfo, sent.Code)

	require.True(t, s.HandleResponse(&protocol.CommandResponse{IMEI: "353000000000999", Code: protocol.CmdDeviceInfo, Model: "MT90", Serial: "SN1", OK: true}))
	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, TrackerInfo{IMEI: "353000000000999", Model: "MT90", Serial: "SN1"}, info)
	require.Len(t, rec.of(realtime.EventNewTracker), 1)

	tracker := store.AddTracker(models.Tracker{IMEI: "353000000000999"})
	vehicle := store.AddVehicle(models.Vehicle{Numberplate: "NEW-1"})
	pairing := store.AddPairing(models.Pairing{TrackerID: tracker.ID, VehicleID: vehicle.ID, State: models.PairingHealthy})
	s.Register(tracker.ID)
	_, err = s.State(ctx)
	require.NoError(t, err)

	assert.False(t, s.Registering())
	assert.Equal(t, tracker.ID, s.TrackerID())
	assert.Equal(t, pairing.ID, s.PairingID())
	// the oldest parked frame was dropped
	events := store.Events(pairing.ID)
	require.Len(t, events, 2)
	assert.True(t, events[0].Date.Before(events[1].Date))
}

func TestSession_UnpairedTrackerIsUnwatched(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.UpdatePairingState(context.Background(), h.pairing.ID, models.PairingEnd))
	h.send(h.sample(10))
	assert.Equal(t, StateUnwatched, h.state())
	assert.Empty(t, h.events())
	assert.Equal(t, primitive.NilObjectID, h.s.PairingID())
}

func TestSession_SetRelay(t *testing.T) {
	h := newHarness(t, withPackage())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := h.s.SetRelay(ctx, true)
	assert.ErrorIs(t, err, ErrDeviceOffline)

	out := &syncBuffer{}
	h.s.AttachConn(out)
	h.send(h.sample(0))
	call, err := h.s.SetRelay(ctx, true)
	require.NoError(t, err)
	require.NotNil(t, call)

	sent, err := h.codec.Decode([]byte(out.String()))
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdRelay, sent.Code)
	assert.Equal(t, []string{"1"}, sent.Data)

	require.True(t, h.s.HandleResponse(&protocol.CommandResponse{IMEI: testIMEI, Code: protocol.CmdRelay, RelayOn: true, OK: true, Call: call}))
	h.state()
	events := h.events()
	require.Len(t, events, 2)
	assert.Equal(t, models.EventCommandResponse, events[1].Kind)
	assert.True(t, events[1].IO.Relay)

	h.s.DetachConn(out)
	_, err = h.s.SetRelay(ctx, false)
	assert.ErrorIs(t, err, ErrDeviceOffline)
}

func TestSession_Close(t *testing.T) {
	h := newHarness(t, withPackage())
	h.send(h.sample(40))
	h.state()

	h.s.Close()
	h.s.Close()

	_, err := h.s.State(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, h.s.HandleTelemetry(h.sample(0)))
}

func TestSession_Deterministic(t *testing.T) {
	run := func() []State {
		h := newHarness(t, withPackage(models.OptionSpeeding))
		var states []State
		script := []func(){
			func() { h.send(h.sample(30)) },
			func() { h.clock.Advance(10 * time.Second) },
			func() { h.send(h.sample(120)) },
			func() { h.s.AckAlerts() },
			func() { h.clock.Advance(31 * time.Second) },
			func() { h.clock.Advance(31 * time.Second) },
			func() { h.send(h.sample(0)) },
		}
		for _, step := range script {
			step()
			states = append(states, h.state())
		}
		return states
	}

	first := run()
	assert.Equal(t, []State{StateMove, StateMove, StateAlert, StateMove, StateOff, StateGhost, StateOff}, first)
	assert.Equal(t, first, run())
}

func TestSession_AttachConnDoesNotWaitOnMailbox(t *testing.T) {
	g := newGate()
	h := newHarness(t, withPackage(), func(h *harness) {
		h.cfg.Broadcaster = g
		h.cfg.MailboxSize = 1
	})
	defer close(g.release)

	h.send(h.sample(0))
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("session never broadcast")
	}
	for i := 0; i < 10 && h.s.HandleTelemetry(h.sample(0)); i++ {
	}
	require.False(t, h.s.HandleTelemetry(h.sample(0)))

	out := &syncBuffer{}
	done := make(chan struct{})
	go func() {
		h.s.AttachConn(out)
		h.s.DetachConn(out)
		h.s.AttachConn(out)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AttachConn blocked on a full mailbox")
	}
}

func TestSession_NotificationDoesNotRaceRefresh(t *testing.T) {
	notifier := new(mockNotifier)
	geocoder := new(mockGeocoder)
	h := newHarness(t,
		withPackage(models.OptionSpeeding, models.OptionEmail, models.OptionSMS),
		withNotifier(notifier, geocoder),
	)
	geocoder.On("ReverseGeocode", mock.Anything, mock.Anything).
		After(20*time.Millisecond).
		Return("", errors.New("upstream unavailable"))
	notifier.On("Email", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	notifier.On("SMS", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	h.send(h.sample(120))
	for i := 0; i < 50; i++ {
		h.s.Refresh()
	}
	assert.Equal(t, StateAlert, h.state())
	h.s.Close()

	notifier.AssertCalled(t, "Email", mock.Anything, "alice@example.com", mock.MatchedBy(func(a notify.Alert) bool {
		return a.Kind == models.AlertSpeeding && a.Location == ""
	}))
}
