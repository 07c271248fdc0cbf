package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/log"
	"github.com/d2d-protocol/d2d-go/pkg/pairing"
	"github.com/d2d-protocol/d2d-go/pkg/pushinstall"
	"github.com/d2d-protocol/d2d-go/pkg/transport"
)

// Defaults.
const (
	// DefaultConnectTimeout applies when Bind is given no timeout.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultMinAttemptTimeout is the floor of each endpoint's share. It never
	// takes more than half of what is left while other endpoints wait.
	DefaultMinAttemptTimeout = 2 * time.Second

	// DefaultExecuteTimeout is the initial execute timeout of new sessions.
	DefaultExecuteTimeout = 30 * time.Second
)

// Config configures a Manager.
type Config struct {
	// Store holds the device records. Required.
	Store *device.Store

	// Pairing applies the pairing policy. Required.
	Pairing *pairing.Controller

	// Openers maps each transport to the opener for its URIs.
	Openers map[device.Transport]transport.Opener

	// ConfirmBonding is asked when the policy proposes or forces bonding.
	// Nil declines proposals and accepts forced bonding.
	ConfirmBonding func(rec device.Record, forced bool) bool

	// Software is the artifact sessions need on the peer. Nil skips the check.
	Software *pushinstall.Artifact

	// Installer pushes Software to peers lacking it. Nil refuses the install.
	Installer *pushinstall.Coordinator

	// InstallFlags tune push-install attempts.
	InstallFlags pushinstall.Flags

	MinAttemptTimeout     time.Duration
	DefaultExecuteTimeout time.Duration

	Logger      *slog.Logger
	EventLogger log.Logger
	Now         func() time.Time
}

// Manager binds devices into sessions. Sessions are independent of each
// other and of discovery.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	events log.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

// NewManager creates a connection manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Pairing == nil {
		return nil, errors.New("connection manager requires a store and a pairing controller")
	}
	if cfg.MinAttemptTimeout <= 0 {
		cfg.MinAttemptTimeout = DefaultMinAttemptTimeout
	}
	if cfg.DefaultExecuteTimeout <= 0 {
		cfg.DefaultExecuteTimeout = DefaultExecuteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		events:   log.OrNoop(cfg.EventLogger),
		now:      cfg.Now,
		sessions: make(map[*Session]struct{}),
	}, nil
}

// bindState carries one Bind call through its phases.
type bindState struct {
	target  Target
	flags   device.Flags
	rec     *device.Record
	verdict pairing.Verdict
	bond    bool
}

// Bind resolves target into an open session.
func (m *Manager) Bind(ctx context.Context, target Target, flags device.Flags, connectTimeout time.Duration) (*Session, error) {
	if err := flags.Validate(); err != nil {
		return nil, err
	}
	if err := target.validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	b := &bindState{target: target, flags: flags}
	var endpoints []device.Endpoint
	if target.record != nil {
		rec := *target.record
		if cur, ok := m.cfg.Store.Get(rec.UUID()); ok {
			rec = cur
		}
		b.rec = &rec
		if err := m.applyPolicy(b); err != nil {
			return nil, err
		}
		endpoints = b.rec.Endpoints
	} else {
		t, _ := device.TransportFromURI(target.uri)
		endpoints = []device.Endpoint{{URI: target.uri, Transport: t}}
	}

	ch, ep, err := m.open(ctx, b, endpoints, connectTimeout)
	if err != nil {
		return nil, err
	}

	s, err := m.establish(ctx, b, ch, ep)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return s, nil
}

// applyPolicy evaluates the pairing flags against b.rec.
func (m *Manager) applyPolicy(b *bindState) error {
	v, err := m.cfg.Pairing.Evaluate(*b.rec, b.flags)
	if err != nil {
		return err
	}
	b.verdict = v
	b.rec = &v.Record
	m.logDecision(b.rec, v)

	switch v.Decision {
	case pairing.Reject:
		return fmt.Errorf("%w: %s is not bonded", ErrConnectionRefused, b.rec.Identity)
	case pairing.ForceBonding:
		if m.cfg.ConfirmBonding != nil && !m.cfg.ConfirmBonding(b.rec.Clone(), true) {
			return fmt.Errorf("%w: bonding with %s declined", ErrConnectionRefused, b.rec.Identity)
		}
		b.bond = true
	case pairing.ProposeBonding:
		b.bond = m.cfg.ConfirmBonding != nil && m.cfg.ConfirmBonding(b.rec.Clone(), false)
	}
	return nil
}

// open tries endpoints best-first until one handshake succeeds.
func (m *Manager) open(ctx context.Context, b *bindState, endpoints []device.Endpoint, total time.Duration) (transport.Channel, device.Endpoint, error) {
	unreachable := &UnreachableError{Device: b.target.DeviceID()}

	usable := make([]device.Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if !b.flags.AllowsTransport(ep.Transport) || m.cfg.Openers[ep.Transport] == nil {
			continue
		}
		usable = append(usable, ep)
	}
	if len(usable) == 0 {
		return nil, device.Endpoint{}, unreachable
	}

	ctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()
	deadline, _ := ctx.Deadline()

	var pin []byte
	if b.rec != nil {
		pin = b.rec.Identity.PublicKey
	}

	for i, ep := range usable {
		if ctx.Err() != nil {
			unreachable.add(EndpointFailure{URI: ep.URI, Transport: ep.Transport, Err: ctx.Err()})
			continue
		}
		share := attemptTimeout(time.Until(deadline), len(usable)-i, m.cfg.MinAttemptTimeout)
		actx, acancel := context.WithTimeout(ctx, share)
		start := m.now()
		ch, err := m.cfg.Openers[ep.Transport].Open(actx, ep.URI, pin)
		acancel()

		if err == nil && b.rec != nil {
			if got := ch.Peer().Identity.UUID; got != b.rec.UUID() {
				_ = ch.Close()
				ch, err = nil, fmt.Errorf("%w: endpoint now serves %s", transport.ErrEndpointInvalid, got)
			}
		}
		if err == nil {
			m.logger.Debug("endpoint opened", "uri", ep.URI, "transport", ep.Transport, "elapsed", m.now().Sub(start))
			return ch, ep, nil
		}

		if errors.Is(err, transport.ErrRejected) {
			return nil, ep, fmt.Errorf("%w: %w", ErrConnectionRefused, err)
		}
		failure := EndpointFailure{URI: ep.URI, Transport: ep.Transport, Err: err}
		if b.rec != nil && errors.Is(err, transport.ErrEndpointInvalid) {
			if _, rerr := m.cfg.Store.RemoveEndpoint(b.rec.UUID(), ep.URI); rerr == nil {
				failure.Removed = true
			}
		}
		m.logger.Info("endpoint failed", "device_id", b.target.DeviceID(), "uri", ep.URI,
			"transport", ep.Transport, "removed", failure.Removed, "error", err)
		m.logError(b.target, ep, err)
		unreachable.add(failure)
	}
	return nil, device.Endpoint{}, unreachable
}

// attemptTimeout splits the remaining budget between the endpoints not yet
// tried. The floor lifts short shares up to half of the remaining budget.
func attemptTimeout(remaining time.Duration, left int, floor time.Duration) time.Duration {
	if left <= 1 {
		return remaining
	}
	return max(remaining/time.Duration(left), min(floor, remaining/2))
}

// establish runs the post-handshake steps (policy for URI targets, then
// push-install and bonding) and wraps the channel in a session.
func (m *Manager) establish(ctx context.Context, b *bindState, ch transport.Channel, ep device.Endpoint) (*Session, error) {
	peer := ch.Peer()

	// A URI target is only known after the handshake. A refused peer is not
	// recorded.
	if b.rec == nil {
		known, ok := m.cfg.Store.Get(peer.Identity.UUID)
		switch {
		case !ok:
			known = device.Record{Identity: peer.Identity, Name: peer.Name, Trust: device.TrustDiscovered}
		case !known.Identity.SameKey(peer.Identity):
			return nil, fmt.Errorf("%w: %s", device.ErrIdentitySpoofed, peer.Identity.UUID)
		}
		b.rec = &known
		if err := m.applyPolicy(b); err != nil {
			return nil, err
		}
	}

	// A completed handshake is a sighting of the endpoint.
	sg := peer.Sighting(ep.Transport)
	sg.URI = ep.URI
	rec, _, err := m.cfg.Store.MergeSighting(sg)
	if err != nil {
		return nil, err
	}
	b.rec = &rec

	if sw := m.cfg.Software; sw != nil && (!peer.HasSoftware || peer.SoftwareVersion < sw.Version) {
		if m.cfg.Installer == nil {
			return nil, fmt.Errorf("%w: %s lacks %s and push-install is disabled", ErrInstallRefused, b.rec.Identity, sw.Name)
		}
		m.logger.Info("peer lacks software, pushing", "device_id", b.rec.UUID(), "artifact", sw.Name,
			"installed", peer.HasSoftware, "version", peer.SoftwareVersion)
		if _, err := m.cfg.Installer.Push(ctx, b.rec.Clone(), ch.Installer(), *sw, m.cfg.InstallFlags); err != nil {
			return nil, err
		}
	}

	if b.bond {
		rec, err := m.cfg.Pairing.Bond(b.rec.UUID())
		if err != nil {
			return nil, fmt.Errorf("bond %s: %w", b.rec.Identity, err)
		}
		b.rec = &rec
	}

	s := &Session{
		id:          uuid.NewString(),
		ch:          ch,
		info:        b.rec.Clone(),
		uri:         ep.URI,
		transport:   ep.Transport,
		mgr:         m,
		execTimeout: m.cfg.DefaultExecuteTimeout,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.sessions[s] = struct{}{}
	m.mu.Unlock()

	m.logger.Info("session open", "session_id", s.id, "device_id", s.info.UUID(), "uri", ep.URI, "transport", ep.Transport)
	m.events.Log(log.Event{
		Timestamp: m.now(),
		SessionID: s.id,
		Layer:     log.LayerSession,
		Category:  log.CategoryState,
		RemoteURI: ep.URI,
		DeviceID:  s.info.UUID().String(),
		Transport: ep.Transport.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			NewState: StateOpen.String(),
		},
	})
	return s, nil
}

// SessionCount returns the number of open sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close closes every open session and refuses further binds.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var err error
	for _, s := range sessions {
		err = multierr.Append(err, s.Close())
	}
	return err
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s)
	m.mu.Unlock()
}

func (m *Manager) logDecision(rec *device.Record, v pairing.Verdict) {
	m.events.Log(log.Event{
		Timestamp: m.now(),
		Layer:     log.LayerPairing,
		Category:  log.CategoryDecision,
		DeviceID:  rec.UUID().String(),
		Pairing: &log.PairingEvent{
			Decision: v.Decision.String(),
			Trust:    rec.Trust.String(),
			Unbonded: v.Unbonded,
		},
	})
}

func (m *Manager) logError(t Target, ep device.Endpoint, err error) {
	m.events.Log(log.Event{
		Timestamp: m.now(),
		Layer:     log.LayerSession,
		Category:  log.CategoryError,
		RemoteURI: ep.URI,
		DeviceID:  t.DeviceID().String(),
		Transport: ep.Transport.String(),
		Error: &log.ErrorEventData{
			Layer:   log.LayerSession,
			Message: err.Error(),
			Context: "open endpoint",
		},
	})
}
