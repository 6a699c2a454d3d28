// Package hub routes device frames to per-device sessions and answers the
// viewer channel.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/trackhub/internal/db"
	"github.com/ukydev/trackhub/internal/metrics"
	"github.com/ukydev/trackhub/internal/protocol"
	"github.com/ukydev/trackhub/internal/session"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const writeTimeout = 10 * time.Second

// ErrInvalidPairingID is returned for pairing ids that are not hex object ids.
var ErrInvalidPairingID = errors.New("invalid pairing id")

// Config configures a Hub.
type Config struct {
	// Session is the template every session is created from. Its Codec is
	// used for sessions created before their device sent a frame.
	Session session.Config
	Codecs  *protocol.Registry
	// Pending is swept every SweepInterval.
	Pending       *protocol.Pending
	SweepInterval time.Duration
}

// Hub owns the session registry.
type Hub struct {
	cfg      Config
	repos    *db.Repositories
	registry *Registry
}

// New creates a hub.
func New(cfg Config) *Hub {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	return &Hub{
		cfg:      cfg,
		repos:    cfg.Session.Repos,
		registry: NewRegistry(),
	}
}

// Registry exposes the live sessions.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	return h.registry.Len()
}

func (h *Hub) session(imei string, codec protocol.Codec) (*session.Session, bool) {
	return h.registry.GetOrCreate(imei, func() *session.Session {
		cfg := h.cfg.Session
		if codec != nil {
			cfg.Codec = codec
		}
		cfg.OnPairing = func(s *session.Session, old, new primitive.ObjectID) {
			h.registry.Reindex(s, old, new)
		}
		return session.New(imei, cfg)
	})
}

// Conn is a device connection. A session writes its commands to it.
type Conn struct {
	w       io.Writer
	session *session.Session
}

// NewConn wraps a device connection.
func NewConn(w io.Writer) *Conn {
	return &Conn{w: w}
}

func (c *Conn) Write(p []byte) (int, error) {
	if nc, ok := c.w.(net.Conn); ok {
		nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	return c.w.Write(p)
}

// Session returns the session the connection is bound to.
func (c *Conn) Session() *session.Session {
	return c.session
}

func (c *Conn) bind(s *session.Session) {
	if c.session == s {
		return
	}
	if c.session != nil {
		c.session.DetachConn(c)
	}
	c.session = s
	s.AttachConn(c)
}

// Release detaches the connection from its session.
func (c *Conn) Release() {
	if c.session != nil {
		c.session.DetachConn(c)
		c.session = nil
	}
}

// HandleFrame decodes one raw frame and posts it to the device's session.
// It never blocks on the session.
func (h *Hub) HandleFrame(conn *Conn, raw []byte) error {
	codec, err := h.cfg.Codecs.Lookup(raw)
	if err != nil {
		return h.drop("malformed", raw, err)
	}
	frame, err := codec.Decode(raw)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrChecksumMismatch) {
			reason = "checksum"
		}
		return h.drop(reason, raw, err)
	}
	msg, err := codec.CheckMessage(frame)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, protocol.ErrUnsolicitedResponse) {
			reason = "unsolicited"
		}
		return h.drop(reason, raw, err)
	}

	s, created := h.session(msg.IMEI, codec)
	if created {
		log.WithFields(log.Fields{"imei": msg.IMEI, "brand": codec.Brand()}).Info("session created")
	}
	conn.bind(s)

	var accepted bool
	if msg.Response != nil {
		metrics.FramesReceived.WithLabelValues("response").Inc()
		accepted = s.HandleResponse(msg.Response)
	} else {
		metrics.FramesReceived.WithLabelValues("telemetry").Inc()
		accepted = s.HandleTelemetry(msg.Event)
	}
	if !accepted {
		metrics.FramesDropped.WithLabelValues("mailbox_full").Inc()
		log.WithField("imei", msg.IMEI).Warn("session mailbox full, frame dropped")
	}
	return nil
}

func (h *Hub) drop(reason string, raw []byte, err error) error {
	metrics.FramesReceived.WithLabelValues("invalid").Inc()
	metrics.FramesDropped.WithLabelValues(reason).Inc()
	log.WithError(err).WithFields(log.Fields{
		"reason": reason,
		"bytes":  len(raw),
	}).Warn("frame dropped")
	return err
}

// Bootstrap creates a session for every pairing that already has history,
// so viewers see ghost trackers before their devices reconnect.
func (h *Hub) Bootstrap(ctx context.Context) (int, error) {
	pairings, err := h.repos.Pairings.FindPairingsWithEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pairings: %w", err)
	}
	n := 0
	for _, p := range pairings {
		tracker, err := h.repos.Trackers.FindTrackerByID(ctx, p.TrackerID)
		if err != nil {
			log.WithError(err).WithField("pairing_id", p.ID.Hex()).Warn("pairing without tracker, skipped")
			continue
		}
		s, created := h.session(tracker.IMEI, nil)
		if created {
			s.Register(tracker.ID)
			n++
		}
	}
	log.WithField("sessions", n).Info("sessions bootstrapped")
	return n, nil
}

// Run sweeps expired command correlations until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	if h.cfg.Pending == nil {
		<-ctx.Done()
		return
	}
	h.cfg.Pending.Run(ctx, h.cfg.SweepInterval, func(n int) {
		metrics.CommandTimeouts.Add(float64(n))
		log.WithField("expired", n).Debug("command correlations expired")
	})
}

// Close stops every session.
func (h *Hub) Close() {
	h.registry.Range(func(s *session.Session) bool {
		h.registry.Remove(s.IMEI())
		s.Close()
		return true
	})
}

// sessionByPairingHex resolves a session from a hex pairing id.
func (h *Hub) sessionByPairingHex(id string) (*session.Session, primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, primitive.NilObjectID, fmt.Errorf("%w %q: %v", ErrInvalidPairingID, id, err)
	}
	s, ok := h.registry.ByPairing(oid)
	if !ok {
		return nil, oid, fmt.Errorf("pairing %s: %w", id, db.ErrNotFound)
	}
	return s, oid, nil
}

// TrackerRemoved closes the session of a deleted tracker.
func (h *Hub) TrackerRemoved(trackerID primitive.ObjectID) bool {
	var found *session.Session
	h.registry.Range(func(s *session.Session) bool {
		if s.TrackerID() == trackerID {
			found = s
			return false
		}
		return true
	})
	if found == nil {
		return false
	}
	h.registry.Remove(found.IMEI())
	found.Close()
	log.WithFields(log.Fields{"imei": found.IMEI(), "tracker_id": trackerID.Hex()}).Info("session closed, tracker removed")
	return true
}

// RefreshPairing reloads the session serving a pairing. The pairing may be
// new, so the session is looked up through its tracker.
func (h *Hub) RefreshPairing(ctx context.Context, pairingID primitive.ObjectID) error {
	if s, ok := h.registry.ByPairing(pairingID); ok {
		s.Refresh()
	}
	pairing, err := h.repos.Pairings.FindPairingByID(ctx, pairingID)
	if err != nil {
		return fmt.Errorf("find pairing: %w", err)
	}
	tracker, err := h.repos.Trackers.FindTrackerByID(ctx, pairing.TrackerID)
	if err != nil {
		return fmt.Errorf("find tracker: %w", err)
	}
	s, created := h.session(tracker.IMEI, nil)
	if created || s.Registering() {
		s.Register(tracker.ID)
		return nil
	}
	if cur := s.PairingID(); cur != pairingID {
		s.Refresh()
	}
	return nil
}

// RegisterTracker binds a registering device to its new tracker record.
func (h *Hub) RegisterTracker(imei string, trackerID primitive.ObjectID) bool {
	s, ok := h.registry.Get(imei)
	if !ok {
		return false
	}
	s.Register(trackerID)
	return true
}

// SetRelay sends a relay command to the device of a pairing and logs the
// outcome once the device answers.
func (h *Hub) SetRelay(ctx context.Context, pairingID string, on bool) error {
	s, _, err := h.sessionByPairingHex(pairingID)
	if err != nil {
		return err
	}
	call, err := s.SetRelay(ctx, on)
	if err != nil {
		return err
	}
	go func() {
		resp, err := call.Wait(context.Background())
		entry := log.WithFields(log.Fields{"imei": s.IMEI(), "relay": on})
		if err != nil {
			entry.WithError(err).Warn("relay command unanswered")
			return
		}
		entry.WithField("ok", resp.OK).Info("relay command answered")
	}()
	return nil
}

// AckAlerts acknowledges every alert of a pairing.
func (h *Hub) AckAlerts(pairingID string) error {
	s, _, err := h.sessionByPairingHex(pairingID)
	if err != nil {
		return err
	}
	s.AckAlerts()
	return nil
}
