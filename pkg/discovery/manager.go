package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/log"
)

// Round states as they appear in the event log.
const (
	roundRunning = "RUNNING"
	roundStopped = "STOPPED"
)

// Config configures a Manager.
type Config struct {
	// Store receives every sighting. Required.
	Store *device.Store

	// Workers are the transport workers. Each round starts the ones whose
	// transport is allowed and which report themselves available.
	Workers []Worker

	// Listener is subscribed for the life of the manager. Optional.
	Listener Listener

	// BestEffort bounds BestEffort rounds. Default: 10s.
	BestEffort time.Duration

	// GracePeriod is how long a cancelled worker may take to stop. Default: 3s.
	GracePeriod time.Duration

	// Shards is the number of merge goroutines per round. Default: 8.
	Shards int

	// QueueSize is the notification queue length. Default: 64.
	QueueSize int

	Logger      *slog.Logger
	EventLogger log.Logger
	Now         func() time.Time
}

// Manager runs discovery rounds, at most one at a time.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	events log.Logger

	mu        sync.Mutex
	active    *Round
	closed    bool
	listeners []*subscription

	// dispatching is closed when the last round's dispatcher has delivered
	// its final notification. The next round's callbacks wait for it.
	dispatching chan struct{}
}

type subscription struct {
	l Listener
}

// Round is the handle of one discovery round.
type Round struct {
	id       string
	flags    device.Flags
	duration Duration
	started  time.Time

	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}

	mu      sync.Mutex
	sighted map[uuid.UUID]struct{}
}

// ID identifies the round in logs.
func (r *Round) ID() string { return r.id }

// Flags returns the flags the round was started with.
func (r *Round) Flags() device.Flags { return r.flags }

// Duration returns the requested duration.
func (r *Round) Duration() Duration { return r.duration }

// Started returns when the round started.
func (r *Round) Started() time.Time { return r.started }

// Done is closed after OnDiscoverStop has been delivered.
func (r *Round) Done() <-chan struct{} { return r.done }

// Sighted returns the devices sighted so far.
func (r *Round) Sighted() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(r.sighted))
	for id := range r.sighted {
		ids = append(ids, id)
	}
	return ids
}

func (r *Round) markSighted(id uuid.UUID) {
	r.mu.Lock()
	r.sighted[id] = struct{}{}
	r.mu.Unlock()
}

func (r *Round) sightedSet() map[uuid.UUID]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[uuid.UUID]struct{}, len(r.sighted))
	for id := range r.sighted {
		set[id] = struct{}{}
	}
	return set
}

type notifyKind uint8

const (
	notifyStart notifyKind = iota
	notifyDiscover
	notifyStop
)

type notification struct {
	kind     notifyKind
	rec      device.Record
	isUpdate bool
}

// NewManager creates a discovery manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("discovery manager requires a store")
	}
	if cfg.BestEffort <= 0 {
		cfg.BestEffort = DefaultBestEffort
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{
		cfg:    cfg,
		logger: cfg.Logger,
		events: log.OrNoop(cfg.EventLogger),
	}
	if cfg.Listener != nil {
		m.listeners = append(m.listeners, &subscription{l: cfg.Listener})
	}
	return m, nil
}

// Subscribe adds a listener. It receives the notifications dispatched after
// the call, including those of a running round.
func (m *Manager) Subscribe(l Listener) (unsubscribe func()) {
	sub := &subscription{l: l}
	m.mu.Lock()
	m.listeners = append(m.listeners, sub)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.listeners {
				if s == sub {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *Manager) snapshotListeners() []Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls := make([]Listener, len(m.listeners))
	for i, s := range m.listeners {
		ls[i] = s.l
	}
	return ls
}

// IsDiscovering reports whether a round is running.
func (m *Manager) IsDiscovering() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// StartDiscovery starts a round. The round ends when d elapses, when it is
// cancelled or when ctx ends. Workers that finish early do not end it, so an
// Infinite round runs until cancelled.
func (m *Manager) StartDiscovery(ctx context.Context, flags device.Flags, d Duration) (*Round, error) {
	if err := flags.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if m.active != nil {
		return nil, fmt.Errorf("%w: round %s", ErrAlreadyDiscovering, m.active.id)
	}

	r := &Round{
		id:       uuid.NewString(),
		flags:    flags,
		duration: d,
		started:  m.cfg.Now(),
		done:     make(chan struct{}),
		sighted:  make(map[uuid.UUID]struct{}),
	}

	q := Query{RoundID: r.id, Flags: flags}
	if !flags.AcceptAnonymous {
		q.Bonded = make(map[uuid.UUID]struct{})
		for _, rec := range m.cfg.Store.Bonded() {
			q.Bonded[rec.UUID()] = struct{}{}
		}
	}

	var workers []Worker
	for _, w := range m.cfg.Workers {
		switch {
		case !flags.AllowsTransport(w.Transport()):
			m.logger.Debug("transport excluded", "round_id", r.id, "transport", w.Transport())
		case !w.Available():
			m.logger.Info("transport unavailable", "round_id", r.id, "transport", w.Transport())
		default:
			workers = append(workers, w)
		}
	}

	var rctx context.Context
	if timeout, ok := d.timeout(m.cfg.BestEffort); ok {
		rctx, r.cancel = context.WithTimeout(ctx, timeout)
	} else {
		rctx, r.cancel = context.WithCancel(ctx)
	}

	prev := m.dispatching
	dispatched := make(chan struct{})
	m.dispatching = dispatched

	m.active = r
	m.logger.Info("discovery started", "round_id", r.id, "duration", d, "workers", len(workers),
		"accept_anonymous", flags.AcceptAnonymous)
	go m.run(rctx, r, workers, q, prev, dispatched)
	return r, nil
}

// CancelDiscovery cancels a round, or the running one when r is nil. It waits
// for the workers up to the grace period; an overrun is logged, not returned.
// Cancelling a finished round is a no-op.
func (m *Manager) CancelDiscovery(r *Round) error {
	if r == nil {
		m.mu.Lock()
		r = m.active
		m.mu.Unlock()
		if r == nil {
			return ErrNotDiscovering
		}
	}

	if r.cancelled.CompareAndSwap(false, true) {
		m.logger.Info("discovery cancelled", "round_id", r.id)
	}
	r.cancel()

	timer := time.NewTimer(m.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-r.done:
	case <-timer.C:
		m.logger.Warn("discovery round still stopping after grace period",
			"round_id", r.id, "grace_period", m.cfg.GracePeriod)
	}
	return nil
}

// Close cancels the running round and refuses new ones.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	r := m.active
	m.mu.Unlock()

	if r != nil {
		return m.CancelDiscovery(r)
	}
	return nil
}

// run drives one round: workers feed sightings into per-identity shards, the
// shards merge into the store and queue notifications, and a single
// dispatcher delivers them.
func (m *Manager) run(ctx context.Context, r *Round, workers []Worker, q Query, prev <-chan struct{}, dispatched chan struct{}) {
	defer r.cancel()

	notify := make(chan notification, m.cfg.QueueSize)
	go m.dispatch(r, notify, prev, dispatched)

	notify <- notification{kind: notifyStart}
	m.logRound(r, "", roundRunning, "")

	shards := make([]chan device.Sighting, m.cfg.Shards)
	var mergers sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan device.Sighting, m.cfg.QueueSize)
		mergers.Add(1)
		go func(in <-chan device.Sighting) {
			defer mergers.Done()
			for sg := range in {
				m.merge(r, sg, notify)
			}
		}(shards[i])
	}

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			return m.pump(ctx, r, w, q, shards)
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Warn("discovery worker failed", "round_id", r.id, "error", err)
	}

	for _, ch := range shards {
		close(ch)
	}
	mergers.Wait()

	// The round lasts its full duration even when no worker is left.
	<-ctx.Done()

	removable := m.cfg.Store.EndRound(r.sightedSet())
	for _, rec := range removable {
		m.logger.Debug("device not sighted", "round_id", r.id, "device_id", rec.UUID())
	}

	reason := "context done"
	switch {
	case r.cancelled.Load():
		reason = "cancelled"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		reason = "duration elapsed"
	}

	// A listener may start the next round from OnDiscoverStop.
	m.mu.Lock()
	if m.active == r {
		m.active = nil
	}
	m.mu.Unlock()

	notify <- notification{kind: notifyStop}
	close(notify)
	<-dispatched

	m.logger.Info("discovery stopped", "round_id", r.id, "reason", reason,
		"sighted", len(r.Sighted()), "removable", len(removable))
	m.logRound(r, roundRunning, roundStopped, reason)
	close(r.done)
}

// pump forwards one worker's sightings to the shards until the worker closes
// its channel or the round ends.
func (m *Manager) pump(ctx context.Context, r *Round, w Worker, q Query, shards []chan device.Sighting) error {
	sightings, err := w.Start(ctx, q)
	if err != nil {
		m.logError(r, w.Transport(), err, "start worker")
		return fmt.Errorf("start %s worker: %w", w.Transport(), err)
	}
	defer w.Stop()

	for {
		select {
		case sg, ok := <-sightings:
			if !ok {
				return nil
			}
			if ctx.Err() != nil {
				return m.drain(r, w, sightings)
			}
			if sg.Transport == device.TransportUnknown {
				sg.Transport = w.Transport()
			}
			select {
			case shards[shardOf(sg.Identity.UUID, len(shards))] <- sg:
			case <-ctx.Done():
				return m.drain(r, w, sightings)
			}
		case <-ctx.Done():
			return m.drain(r, w, sightings)
		}
	}
}

// drain stops w and discards its sightings until it closes the channel or the
// grace period runs out.
func (m *Manager) drain(r *Round, w Worker, sightings <-chan device.Sighting) error {
	w.Stop()
	grace := time.NewTimer(m.cfg.GracePeriod)
	defer grace.Stop()
	for {
		select {
		case _, ok := <-sightings:
			if !ok {
				return nil
			}
		case <-grace.C:
			m.logger.Warn("discovery worker overran grace period",
				"round_id", r.id, "transport", w.Transport(), "grace_period", m.cfg.GracePeriod)
			return nil
		}
	}
}

func shardOf(id uuid.UUID, n int) int {
	return int(id[len(id)-1]) % n
}

// merge folds one sighting into the store and queues its notification.
func (m *Manager) merge(r *Round, sg device.Sighting, notify chan<- notification) {
	rec, isUpdate, err := m.cfg.Store.MergeSighting(sg)
	if err != nil {
		m.logger.Warn("sighting rejected", "round_id", r.id, "device_id", sg.Identity.UUID,
			"uri", sg.URI, "transport", sg.Transport, "error", err)
		m.logError(r, sg.Transport, err, "merge sighting "+sg.URI)
		return
	}
	r.markSighted(rec.UUID())

	m.events.Log(log.Event{
		Timestamp: m.cfg.Now(),
		SessionID: r.id,
		Layer:     log.LayerDiscovery,
		Category:  log.CategoryDiscovery,
		RemoteURI: sg.URI,
		DeviceID:  rec.UUID().String(),
		Transport: sg.Transport.String(),
		Sighting: &log.SightingEvent{
			Name:      rec.Name,
			Features:  uint64(rec.Features),
			IsUpdate:  isUpdate,
			Endpoints: len(rec.Endpoints),
		},
	})

	if !r.flags.AcceptAnonymous && !rec.IsBonded() {
		m.logger.Debug("anonymous device ignored", "round_id", r.id, "device_id", rec.UUID())
		return
	}
	notify <- notification{kind: notifyDiscover, rec: rec, isUpdate: isUpdate}
}

// dispatch is the round's single callback goroutine. It starts delivering
// once the previous round's dispatcher is done.
func (m *Manager) dispatch(r *Round, notify <-chan notification, prev <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if prev != nil {
		<-prev
	}
	for n := range notify {
		switch n.kind {
		case notifyStart:
			for _, l := range m.snapshotListeners() {
				l.OnDiscoverStart()
			}
		case notifyDiscover:
			if r.cancelled.Load() {
				continue
			}
			for _, l := range m.snapshotListeners() {
				l.OnDiscover(n.rec.Clone(), n.isUpdate)
			}
		case notifyStop:
			for _, l := range m.snapshotListeners() {
				l.OnDiscoverStop()
			}
		}
	}
}

func (m *Manager) logRound(r *Round, oldState, newState, reason string) {
	m.events.Log(log.Event{
		Timestamp: m.cfg.Now(),
		SessionID: r.id,
		Layer:     log.LayerDiscovery,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityDiscovery,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

func (m *Manager) logError(r *Round, t device.Transport, err error, op string) {
	m.events.Log(log.Event{
		Timestamp: m.cfg.Now(),
		SessionID: r.id,
		Layer:     log.LayerDiscovery,
		Category:  log.CategoryError,
		Transport: t.String(),
		Error: &log.ErrorEventData{
			Layer:   log.LayerDiscovery,
			Message: err.Error(),
			Context: op,
		},
	})
}
