package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ukydev/trackhub/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryStore keeps every collection in process memory. It backs tests and
// the simulator-driven local mode.
type MemoryStore struct {
	mu            sync.RWMutex
	trackers      map[primitive.ObjectID]*models.Tracker
	pairings      map[primitive.ObjectID]*models.Pairing
	events        map[primitive.ObjectID]*models.TelemetryEvent
	eventOrder    []primitive.ObjectID
	trips         map[primitive.ObjectID]*models.Trip
	subscriptions []*models.Subscription
	vehicles      map[primitive.ObjectID]*models.Vehicle
	users         map[primitive.ObjectID]*models.User
	geofences     map[primitive.ObjectID]*models.Geofence
	outbox        []models.OutboxEntry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trackers:  make(map[primitive.ObjectID]*models.Tracker),
		pairings:  make(map[primitive.ObjectID]*models.Pairing),
		events:    make(map[primitive.ObjectID]*models.TelemetryEvent),
		trips:     make(map[primitive.ObjectID]*models.Trip),
		vehicles:  make(map[primitive.ObjectID]*models.Vehicle),
		users:     make(map[primitive.ObjectID]*models.User),
		geofences: make(map[primitive.ObjectID]*models.Geofence),
	}
}

// Repositories exposes the store through every collection interface.
func (m *MemoryStore) Repositories() *Repositories {
	return &Repositories{
		Pairings:      m,
		Trackers:      m,
		Telemetry:     m,
		Trips:         m,
		Subscriptions: m,
		Vehicles:      m,
		Users:         m,
		Geofences:     m,
	}
}

func ensureID(id *primitive.ObjectID) {
	if id.IsZero() {
		*id = primitive.NewObjectID()
	}
}

// AddTracker seeds a tracker.
func (m *MemoryStore) AddTracker(t models.Tracker) models.Tracker {
	ensureID(&t.ID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackers[t.ID] = &t
	return t
}

// AddPairing seeds a pairing.
func (m *MemoryStore) AddPairing(p models.Pairing) models.Pairing {
	ensureID(&p.ID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairings[p.ID] = &p
	return p
}

// AddVehicle seeds a vehicle.
func (m *MemoryStore) AddVehicle(v models.Vehicle) models.Vehicle {
	ensureID(&v.ID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[v.ID] = &v
	return v
}

// AddUser seeds a user.
func (m *MemoryStore) AddUser(u models.User) models.User {
	ensureID(&u.ID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = &u
	return u
}

// AddSubscription seeds a subscription.
func (m *MemoryStore) AddSubscription(s models.Subscription) models.Subscription {
	ensureID(&s.ID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, &s)
	return s
}

// AddGeofence seeds a geofence.
func (m *MemoryStore) AddGeofence(g models.Geofence) models.Geofence {
	ensureID(&g.ID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.geofences[g.ID] = &g
	return g
}

// Events returns every stored event of a pairing in insertion order.
func (m *MemoryStore) Events(pairingID primitive.ObjectID) []models.TelemetryEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.TelemetryEvent
	for _, id := range m.eventOrder {
		if e := m.events[id]; e.PairingID == pairingID {
			out = append(out, *e)
		}
	}
	return out
}

// Trips returns every stored trip of a pairing.
func (m *MemoryStore) Trips(pairingID primitive.ObjectID) []models.Trip {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Trip
	for _, t := range m.trips {
		if t.PairingID == pairingID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// FindPairingByID finds a pairing by its ID.
func (m *MemoryStore) FindPairingByID(_ context.Context, id primitive.ObjectID) (*models.Pairing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pairings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// FindHealthyPairingByTracker finds the current healthy pairing of a tracker.
func (m *MemoryStore) FindHealthyPairingByTracker(_ context.Context, trackerID primitive.ObjectID) (*models.Pairing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.pairings {
		if p.TrackerID == trackerID && p.State == models.PairingHealthy {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) filterPairings(keep func(*models.Pairing) bool) []models.Pairing {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Pairing
	for _, p := range m.pairings {
		if keep(p) {
			out = append(out, *p)
		}
	}
	return out
}

// FindPairingsWithEvents returns healthy pairings that already recorded telemetry.
func (m *MemoryStore) FindPairingsWithEvents(_ context.Context) ([]models.Pairing, error) {
	return m.filterPairings(func(p *models.Pairing) bool {
		return p.State == models.PairingHealthy && len(p.Events) > 0
	}), nil
}

// FindPairingsByVehicles returns the healthy pairings of a set of vehicles.
func (m *MemoryStore) FindPairingsByVehicles(_ context.Context, vehicleIDs []primitive.ObjectID) ([]models.Pairing, error) {
	wanted := make(map[primitive.ObjectID]bool, len(vehicleIDs))
	for _, id := range vehicleIDs {
		wanted[id] = true
	}
	return m.filterPairings(func(p *models.Pairing) bool {
		return p.State == models.PairingHealthy && wanted[p.VehicleID]
	}), nil
}

// FindHealthyPairings returns every healthy pairing.
func (m *MemoryStore) FindHealthyPairings(_ context.Context) ([]models.Pairing, error) {
	return m.filterPairings(func(p *models.Pairing) bool {
		return p.State == models.PairingHealthy
	}), nil
}

func (m *MemoryStore) updatePairing(id primitive.ObjectID, apply func(*models.Pairing)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairings[id]
	if !ok {
		return ErrNotFound
	}
	apply(p)
	return nil
}

// UpdateLastStateDate records the last live exchange with the tracker.
func (m *MemoryStore) UpdateLastStateDate(_ context.Context, id primitive.ObjectID, date time.Time) error {
	return m.updatePairing(id, func(p *models.Pairing) { p.LastStateDate = date })
}

// UpdatePairingState changes the lifecycle state of a pairing.
func (m *MemoryStore) UpdatePairingState(_ context.Context, id primitive.ObjectID, state models.PairingState) error {
	return m.updatePairing(id, func(p *models.Pairing) { p.State = state })
}

// UpdateFence stores the last computed fence value.
func (m *MemoryStore) UpdateFence(_ context.Context, id primitive.ObjectID, fence string) error {
	return m.updatePairing(id, func(p *models.Pairing) { p.LastFence = fence })
}

// AppendEvent adds an event reference to the pairing.
func (m *MemoryStore) AppendEvent(_ context.Context, id, eventID primitive.ObjectID) error {
	return m.updatePairing(id, func(p *models.Pairing) { p.Events = append(p.Events, eventID) })
}

// AppendTrip adds a trip reference to the pairing.
func (m *MemoryStore) AppendTrip(_ context.Context, id, tripID primitive.ObjectID) error {
	return m.updatePairing(id, func(p *models.Pairing) { p.Trips = append(p.Trips, tripID) })
}

// FindTrackerByID finds a tracker by its ID.
func (m *MemoryStore) FindTrackerByID(_ context.Context, id primitive.ObjectID) (*models.Tracker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trackers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// FindTrackerByIMEI finds a tracker by its IMEI.
func (m *MemoryStore) FindTrackerByIMEI(_ context.Context, imei string) (*models.Tracker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trackers {
		if t.IMEI == imei {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateTrackerInfo stores the model and serial reported by the device.
func (m *MemoryStore) UpdateTrackerInfo(_ context.Context, id primitive.ObjectID, model, serial string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[id]
	if !ok {
		return ErrNotFound
	}
	t.Model, t.Serial = model, serial
	return nil
}

// InsertEvent stores a telemetry event.
func (m *MemoryStore) InsertEvent(_ context.Context, event *models.TelemetryEvent) (primitive.ObjectID, error) {
	ensureID(&event.ID)
	cp := *event
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[cp.ID] = &cp
	m.eventOrder = append(m.eventOrder, cp.ID)
	return cp.ID, nil
}

// FindLastEvent returns the most recent event of a pairing.
func (m *MemoryStore) FindLastEvent(_ context.Context, pairingID primitive.ObjectID) (*models.TelemetryEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last *models.TelemetryEvent
	for _, e := range m.events {
		if e.PairingID != pairingID {
			continue
		}
		if last == nil || e.Date.After(last.Date) {
			last = e
		}
	}
	if last == nil {
		return nil, ErrNotFound
	}
	cp := *last
	return &cp, nil
}

// FindUnreadAlerts returns alerts of a pairing that were not acknowledged yet.
func (m *MemoryStore) FindUnreadAlerts(_ context.Context, pairingID primitive.ObjectID) ([]models.TelemetryEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.TelemetryEvent
	for _, id := range m.eventOrder {
		e := m.events[id]
		if e.PairingID == pairingID && e.Kind == models.EventAlert && !e.Read {
			out = append(out, *e)
		}
	}
	return out, nil
}

// AckAlerts marks every alert of a pairing as read.
func (m *MemoryStore) AckAlerts(_ context.Context, pairingID primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.PairingID == pairingID && e.Kind == models.EventAlert {
			e.Read = true
		}
	}
	return nil
}

// UpdateLocationName caches a resolved address on an event.
func (m *MemoryStore) UpdateLocationName(_ context.Context, id primitive.ObjectID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	e.LocationName = name
	return nil
}

// InsertTrip stores a trip.
func (m *MemoryStore) InsertTrip(_ context.Context, trip *models.Trip) (primitive.ObjectID, error) {
	ensureID(&trip.ID)
	trip.CreatedAt = time.Now()
	cp := *trip
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[cp.ID] = &cp
	return cp.ID, nil
}

// FindActiveSubscription returns the latest subscription of a vehicle covering now.
func (m *MemoryStore) FindActiveSubscription(_ context.Context, vehicleID primitive.ObjectID, now time.Time) (*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.Subscription
	for _, s := range m.subscriptions {
		if s.VehicleID != vehicleID || !s.IsActive(now) {
			continue
		}
		if best == nil || s.BeginDate.After(best.BeginDate) {
			best = s
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

// FindVehicleByID finds a vehicle by its ID.
func (m *MemoryStore) FindVehicleByID(_ context.Context, id primitive.ObjectID) (*models.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vehicles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

// FindVehiclesByCustomer lists the vehicles owned by a customer.
func (m *MemoryStore) FindVehiclesByCustomer(_ context.Context, customerID primitive.ObjectID) ([]models.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Vehicle
	for _, v := range m.vehicles {
		if v.CustomerID == customerID {
			out = append(out, *v)
		}
	}
	return out, nil
}

// FindUserByID finds a user by their ID.
func (m *MemoryStore) FindUserByID(_ context.Context, id primitive.ObjectID) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// Contains reports whether a location lies inside the geofence area.
func (m *MemoryStore) Contains(_ context.Context, geofenceID primitive.ObjectID, loc models.Location) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.geofences[geofenceID]
	if !ok {
		return false, ErrNotFound
	}
	return g.Area.Contains(loc), nil
}

// PushOutbox stores an entry for a later retry.
func (m *MemoryStore) PushOutbox(_ context.Context, entry models.OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox = append(m.outbox, entry)
	return nil
}

// PopOutbox removes and returns the most recent entry, or nil when empty.
func (m *MemoryStore) PopOutbox(_ context.Context) (*models.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.outbox) == 0 {
		return nil, nil
	}
	entry := m.outbox[len(m.outbox)-1]
	m.outbox = m.outbox[:len(m.outbox)-1]
	return &entry, nil
}
