package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/log"
	"github.com/d2d-protocol/d2d-go/pkg/transport"
)

// State is the session state.
type State uint8

const (
	StateOpen State = iota
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session is a live channel to one bound device.
type Session struct {
	id        string
	ch        transport.Channel
	info      device.Record
	uri       string
	transport device.Transport
	mgr       *Manager

	mu          sync.Mutex
	state       State
	execTimeout time.Duration
}

// ID identifies the session in logs.
func (s *Session) ID() string {
	return s.id
}

// Info returns the bound device as known when the session opened.
func (s *Session) Info() device.Record {
	return s.info.Clone()
}

// URI returns the endpoint the session runs over.
func (s *Session) URI() string {
	return s.uri
}

// Transport returns the transport of the session's endpoint.
func (s *Session) Transport() device.Transport {
	return s.transport
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetExecuteTimeout sets the timeout applied by Invoke. Zero or negative
// disables it; the caller's context still applies.
func (s *Session) SetExecuteTimeout(d time.Duration) {
	s.mu.Lock()
	s.execTimeout = d
	s.mu.Unlock()
}

// ExecuteTimeout returns the timeout applied by Invoke.
func (s *Session) ExecuteTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execTimeout
}

// Invoke calls a remote service using the session's execute timeout.
func (s *Session) Invoke(ctx context.Context, service string, payload []byte) ([]byte, error) {
	return s.InvokeTimeout(ctx, service, payload, s.ExecuteTimeout())
}

// InvokeTimeout calls a remote service with an explicit timeout. Exceeding it
// returns ErrExecutionTimeout and leaves the session open.
func (s *Session) InvokeTimeout(ctx context.Context, service string, payload []byte, timeout time.Duration) ([]byte, error) {
	if s.State() == StateClosed {
		return nil, ErrSessionClosed
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := s.ch.Invoke(callCtx, service, payload)
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		s.mgr.logger.Debug("invoke timed out", "session_id", s.id, "service", service, "timeout", timeout)
		return nil, fmt.Errorf("%w: %s after %s", ErrExecutionTimeout, service, timeout)
	case errors.Is(err, transport.ErrChannelClosed):
		if s.markClosed("channel lost") {
			_ = s.ch.Close()
		}
		return nil, fmt.Errorf("%w: %w", ErrSessionClosed, err)
	default:
		return nil, err
	}
}

// Close closes the session. Calling it again is a no-op.
func (s *Session) Close() error {
	if !s.markClosed("closed by caller") {
		return nil
	}
	return s.ch.Close()
}

// markClosed moves the session to Closed and reports whether it was open.
func (s *Session) markClosed(reason string) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.mgr.forget(s)
	s.mgr.logger.Info("session closed", "session_id", s.id, "device_id", s.info.UUID(), "reason", reason)
	s.mgr.events.Log(log.Event{
		Timestamp: s.mgr.now(),
		SessionID: s.id,
		Layer:     log.LayerSession,
		Category:  log.CategoryState,
		RemoteURI: s.uri,
		DeviceID:  s.info.UUID().String(),
		Transport: s.transport.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			OldState: StateOpen.String(),
			NewState: StateClosed.String(),
			Reason:   reason,
		},
	})
	return true
}
