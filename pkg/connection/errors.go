package connection

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/pushinstall"
)

// Connection errors.
var (
	ErrConnectionRefused = errors.New("connection refused")
	ErrUnreachable       = errors.New("device unreachable")
	ErrNoEndpoint        = errors.New("no usable endpoint")
	ErrExecutionTimeout  = errors.New("execution timeout")
	ErrSessionClosed     = errors.New("session closed")
	ErrManagerClosed     = errors.New("connection manager closed")
	ErrInvalidTarget     = errors.New("invalid bind target")

	// ErrInstallRefused is the push-install refusal, re-exported for callers
	// that only import this package.
	ErrInstallRefused = pushinstall.ErrInstallRefused
)

// EndpointFailure is one failed endpoint attempt.
type EndpointFailure struct {
	URI       string
	Transport device.Transport
	Err       error

	// Removed is set when the endpoint was dropped from the record.
	Removed bool
}

// UnreachableError reports that no endpoint of a device could be opened.
// It matches ErrUnreachable, and ErrNoEndpoint when nothing was attempted.
type UnreachableError struct {
	Device   uuid.UUID
	Failures []EndpointFailure
	errs     error
}

func (e *UnreachableError) add(f EndpointFailure) {
	e.Failures = append(e.Failures, f)
	e.errs = multierr.Append(e.errs, fmt.Errorf("%s: %w", f.URI, f.Err))
}

func (e *UnreachableError) Error() string {
	var b strings.Builder
	b.WriteString(ErrUnreachable.Error())
	if e.Device != uuid.Nil {
		fmt.Fprintf(&b, " %s", e.Device)
	}
	if len(e.Failures) == 0 {
		b.WriteString(": ")
		b.WriteString(ErrNoEndpoint.Error())
		return b.String()
	}
	b.WriteString(": ")
	b.WriteString(e.errs.Error())
	return b.String()
}

// Is matches ErrUnreachable always and ErrNoEndpoint when nothing was tried.
func (e *UnreachableError) Is(target error) bool {
	return target == ErrUnreachable || (target == ErrNoEndpoint && len(e.Failures) == 0)
}

// Unwrap exposes the per-endpoint causes.
func (e *UnreachableError) Unwrap() []error {
	return multierr.Errors(e.errs)
}
