package hub

import (
	"sync"

	"github.com/ukydev/trackhub/internal/metrics"
	"github.com/ukydev/trackhub/internal/session"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Registry indexes live sessions by IMEI and by pairing id.
type Registry struct {
	mu        sync.RWMutex
	byIMEI    map[string]*session.Session
	byPairing map[primitive.ObjectID]*session.Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byIMEI:    make(map[string]*session.Session),
		byPairing: make(map[primitive.ObjectID]*session.Session),
	}
}

// Get returns the session of an IMEI.
func (r *Registry) Get(imei string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byIMEI[imei]
	return s, ok
}

// ByPairing returns the session bound to a pairing.
func (r *Registry) ByPairing(id primitive.ObjectID) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byPairing[id]
	return s, ok
}

// GetOrCreate returns the session of an IMEI, creating it with create when
// absent. The boolean reports whether a session was created.
func (r *Registry) GetOrCreate(imei string, create func() *session.Session) (*session.Session, bool) {
	if s, ok := r.Get(imei); ok {
		return s, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byIMEI[imei]; ok {
		return s, false
	}
	s := create()
	r.byIMEI[imei] = s
	metrics.ActiveSessions.Set(float64(len(r.byIMEI)))
	return s, true
}

// Reindex moves a session from its old pairing id to the new one.
func (r *Registry) Reindex(s *session.Session, old, new primitive.ObjectID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !old.IsZero() && r.byPairing[old] == s {
		delete(r.byPairing, old)
	}
	if !new.IsZero() {
		r.byPairing[new] = s
	}
}

// Remove drops the session of an IMEI and returns it.
func (r *Registry) Remove(imei string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byIMEI[imei]
	if !ok {
		return nil, false
	}
	delete(r.byIMEI, imei)
	for id, ps := range r.byPairing {
		if ps == s {
			delete(r.byPairing, id)
		}
	}
	metrics.ActiveSessions.Set(float64(len(r.byIMEI)))
	return s, true
}

// Range calls fn for every session until it returns false. fn runs on a
// snapshot and may call back into the registry.
func (r *Registry) Range(fn func(*session.Session) bool) {
	r.mu.RLock()
	all := make([]*session.Session, 0, len(r.byIMEI))
	for _, s := range r.byIMEI {
		all = append(all, s)
	}
	r.mu.RUnlock()
	for _, s := range all {
		if !fn(s) {
			return
		}
	}
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIMEI)
}
