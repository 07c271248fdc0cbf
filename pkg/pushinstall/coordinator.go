package pushinstall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/log"
)

// DefaultAnswerTimeout is how long the peer user has to answer an offer.
const DefaultAnswerTimeout = 60 * time.Second

// Config configures a Coordinator.
type Config struct {
	// Listener asks for consent and receives progress. Nil refuses every push.
	Listener Listener

	// Metered reports whether the current link is metered. Nil means never.
	Metered func() bool

	// AnswerTimeout bounds the peer user's answer. Zero uses DefaultAnswerTimeout.
	AnswerTimeout time.Duration

	// Logger is the operational logger. Nil discards.
	Logger *slog.Logger

	// EventLogger captures install events. Nil discards.
	EventLogger log.Logger

	// Now is the clock. Nil uses time.Now.
	Now func() time.Time
}

// DefaultConfig returns a configuration with default timeouts.
func DefaultConfig() Config {
	return Config{AnswerTimeout: DefaultAnswerTimeout}
}

// Coordinator runs push-install attempts. It is safe for concurrent use; each
// attempt is independent.
type Coordinator struct {
	listener      Listener
	metered       func() bool
	answerTimeout time.Duration
	logger        *slog.Logger
	events        log.Logger
	now           func() time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = DefaultAnswerTimeout
	}
	if cfg.Metered == nil {
		cfg.Metered = func() bool { return false }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		listener:      cfg.Listener,
		metered:       cfg.Metered,
		answerTimeout: cfg.AnswerTimeout,
		logger:        cfg.Logger,
		events:        log.OrNoop(cfg.EventLogger),
		now:           cfg.Now,
	}
}

// Attempt is one push-install run against a single peer.
type Attempt struct {
	Peer     device.Record
	Artifact Artifact
	Flags    Flags

	mu       sync.Mutex
	state    State
	progress int
	reported bool
	result   *Result
}

// State returns the current state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Progress returns the last reported percentage.
func (a *Attempt) Progress() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.progress
}

// Result returns the terminal result, or false while the attempt is running.
func (a *Attempt) Result() (Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.result == nil {
		return Result{}, false
	}
	return *a.result, true
}

// Push runs a complete attempt and returns it in the Finished state. The
// returned error is a *FinishedError unless the peer ended up with the software.
func (c *Coordinator) Push(ctx context.Context, peer device.Record, inst Installer, artifact Artifact, flags Flags) (*Attempt, error) {
	a := &Attempt{Peer: peer, Artifact: artifact, Flags: flags}
	res := c.run(ctx, a, inst)
	c.finish(a, res)
	if res.Status.Success() {
		return a, nil
	}
	return a, &FinishedError{Status: res.Status, Err: res.Err}
}

func (c *Coordinator) run(ctx context.Context, a *Attempt, inst Installer) Result {
	if err := a.Artifact.Validate(); err != nil {
		return Result{Status: StatusFailed, Err: err}
	}

	if !a.Flags.ReplaceExisting {
		version, installed, err := inst.InstalledVersion(ctx, a.Artifact.Name)
		if err != nil {
			return Result{Status: StatusFailed, Err: fmt.Errorf("query installed version: %w", err)}
		}
		if installed && version >= a.Artifact.Version {
			return Result{Status: StatusUpToDate}
		}
	}

	c.transition(a, StateAwaitingConsent)
	if c.metered() && !a.Flags.Force {
		c.logger.Info("push-install auto-refused on metered link",
			"device_id", a.Peer.UUID(), "artifact", a.Artifact.Name)
		return Result{Status: StatusRefused, Err: ErrInstallRefused}
	}
	if c.listener == nil || !c.listener.AskIsPushApk(a.Peer.Clone(), a.Artifact) {
		return Result{Status: StatusRefused, Err: ErrInstallRefused}
	}

	rc, err := a.Artifact.Open()
	if err != nil {
		return Result{Status: StatusFailed, Err: fmt.Errorf("open artifact: %w", err)}
	}
	defer rc.Close()

	offer := Offer{
		Name:            a.Artifact.Name,
		Version:         a.Artifact.Version,
		Size:            a.Artifact.Size,
		ReplaceExisting: a.Flags.ReplaceExisting,
		AnswerTimeout:   c.answerTimeout,
	}

	started := false
	status, err := inst.Transfer(ctx, offer, rc, func(sent int64) {
		if !started {
			started = true
			c.transition(a, StateTransferring)
		}
		c.progress(a, percent(sent, a.Artifact.Size))
	})
	switch {
	case err != nil && errors.Is(err, ErrConsentTimeout):
		return Result{Status: StatusRefused, Err: err}
	case err != nil:
		return Result{Status: StatusFailed, Err: err}
	case status == StatusRefused || status == StatusRefusedUnknownSource:
		return Result{Status: status, Err: ErrInstallRefused}
	case status == StatusInstalled:
		c.progress(a, 100)
	}
	return Result{Status: status}
}

func (c *Coordinator) transition(a *Attempt, to State) {
	a.mu.Lock()
	from := a.state
	a.state = to
	a.mu.Unlock()

	c.logger.Debug("push-install state", "device_id", a.Peer.UUID(), "from", from, "to", to)
	c.events.Log(log.Event{
		Timestamp: c.now(),
		Layer:     log.LayerInstall,
		Category:  log.CategoryState,
		DeviceID:  a.Peer.UUID().String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityInstall,
			OldState: from.String(),
			NewState: to.String(),
		},
	})
}

// progress reports p only when it moves forward.
func (c *Coordinator) progress(a *Attempt, p int) {
	a.mu.Lock()
	if a.reported && p <= a.progress {
		a.mu.Unlock()
		return
	}
	a.reported = true
	a.progress = p
	a.mu.Unlock()

	if c.listener != nil {
		c.listener.OnProgress(a.Peer.Clone(), p)
	}
	c.events.Log(log.Event{
		Timestamp: c.now(),
		Layer:     log.LayerInstall,
		Category:  log.CategoryProgress,
		DeviceID:  a.Peer.UUID().String(),
		Install:   &log.InstallEvent{State: StateTransferring.String(), Progress: p},
	})
}

func (c *Coordinator) finish(a *Attempt, res Result) {
	a.mu.Lock()
	from := a.state
	a.state = StateFinished
	a.result = &res
	progress := a.progress
	a.mu.Unlock()

	status := int(res.Status)
	ev := log.Event{
		Timestamp: c.now(),
		Layer:     log.LayerInstall,
		Category:  log.CategoryState,
		DeviceID:  a.Peer.UUID().String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityInstall,
			OldState: from.String(),
			NewState: StateFinished.String(),
			Reason:   res.Status.String(),
		},
		Install: &log.InstallEvent{State: StateFinished.String(), Progress: progress, Status: &status},
	}
	if res.Err != nil && res.Status == StatusFailed {
		ev.Error = &log.ErrorEventData{Layer: log.LayerInstall, Message: res.Err.Error(), Code: &status}
		c.logger.Warn("push-install failed", "device_id", a.Peer.UUID(), "error", res.Err)
	} else {
		c.logger.Info("push-install finished", "device_id", a.Peer.UUID(), "status", res.Status)
	}
	c.events.Log(ev)

	if c.listener != nil {
		c.listener.OnFinish(a.Peer.Clone(), res)
	}
}

func percent(sent, total int64) int {
	if total <= 0 || sent >= total {
		return 100
	}
	if sent <= 0 {
		return 0
	}
	return int(sent * 100 / total)
}
