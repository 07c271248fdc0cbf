package pushinstall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/d2d-protocol/d2d-go/pkg/device"
)

// Install errors.
var (
	// ErrInstallRefused is matched by every refused attempt, local or remote.
	ErrInstallRefused = errors.New("install refused")

	// ErrConsentTimeout indicates the peer user did not answer in time.
	ErrConsentTimeout = errors.New("install consent timed out")

	// ErrInvalidArtifact indicates an unusable artifact description.
	ErrInvalidArtifact = errors.New("invalid artifact")

	// ErrInstallFailed indicates the transfer or the remote install failed.
	ErrInstallFailed = errors.New("install failed")
)

// State is the push-install state.
type State uint8

const (
	StateIdle State = iota
	StateAwaitingConsent
	StateTransferring
	StateFinished
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingConsent:
		return "AWAITING_CONSENT"
	case StateTransferring:
		return "TRANSFERRING"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Status is the terminal status of an attempt.
type Status int

const (
	StatusInstalled            Status = 1
	StatusUpToDate             Status = 0
	StatusRefused              Status = -1
	StatusRefusedUnknownSource Status = -2
	StatusFailed               Status = -3
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusInstalled:
		return "INSTALLED"
	case StatusUpToDate:
		return "UP_TO_DATE"
	case StatusRefused:
		return "REFUSED"
	case StatusRefusedUnknownSource:
		return "REFUSED_UNKNOWN_SOURCE"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// Success reports whether the peer ends up with the software.
func (s Status) Success() bool {
	return s == StatusInstalled || s == StatusUpToDate
}

// Answer is the peer's reply to an install offer.
type Answer uint8

const (
	AnswerAccept Answer = iota
	AnswerRefuse
	AnswerRefuseUnknownSource
	AnswerUpToDate
)

// String returns the answer name.
func (a Answer) String() string {
	switch a {
	case AnswerAccept:
		return "ACCEPT"
	case AnswerRefuse:
		return "REFUSE"
	case AnswerRefuseUnknownSource:
		return "REFUSE_UNKNOWN_SOURCE"
	case AnswerUpToDate:
		return "UP_TO_DATE"
	default:
		return "UNKNOWN"
	}
}

// Status maps a non-accepting answer to its terminal status.
func (a Answer) Status() Status {
	switch a {
	case AnswerUpToDate:
		return StatusUpToDate
	case AnswerRefuseUnknownSource:
		return StatusRefusedUnknownSource
	default:
		return StatusRefused
	}
}

// Flags tune one attempt.
type Flags struct {
	// Force skips the automatic refusal on metered links.
	Force bool

	// ReplaceExisting reinstalls even when the peer reports a current version.
	ReplaceExisting bool
}

// Artifact is the software pushed to the peer.
type Artifact struct {
	// Name identifies the package.
	Name string

	// Version is a monotonically increasing build number.
	Version int

	// Size is the payload length in bytes.
	Size int64

	// Open returns a fresh reader over the payload.
	Open func() (io.ReadCloser, error)
}

// Validate checks the artifact before an offer is made.
func (a Artifact) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidArtifact)
	}
	if a.Size <= 0 {
		return fmt.Errorf("%w: size %d", ErrInvalidArtifact, a.Size)
	}
	if a.Open == nil {
		return fmt.Errorf("%w: no payload", ErrInvalidArtifact)
	}
	return nil
}

// Offer is what the peer is asked to accept.
type Offer struct {
	Name            string
	Version         int
	Size            int64
	ReplaceExisting bool

	// AnswerTimeout bounds the wait for the peer user's answer.
	AnswerTimeout time.Duration
}

// Installer is the per-peer installer contract.
type Installer interface {
	// InstalledVersion returns the version of the named package on the peer.
	InstalledVersion(ctx context.Context, name string) (version int, installed bool, err error)

	// Transfer offers the package and, when accepted, streams r to the peer.
	// onProgress receives the cumulative number of bytes sent and is called on
	// the calling goroutine.
	Transfer(ctx context.Context, offer Offer, r io.Reader, onProgress func(sent int64)) (Status, error)
}

// Listener receives consent requests and progress for attempts.
type Listener interface {
	// AskIsPushApk asks the local user whether to push the artifact.
	AskIsPushApk(peer device.Record, artifact Artifact) bool

	// OnProgress reports the transfer percentage (0-100, non-decreasing).
	OnProgress(peer device.Record, percent int)

	// OnFinish reports the terminal result. Called exactly once per attempt.
	OnFinish(peer device.Record, result Result)
}

// Result is the terminal outcome of an attempt.
type Result struct {
	Status Status

	// Err is set for failures and carries the underlying cause.
	Err error
}

// FinishedError reports an attempt that did not leave the peer with the software.
type FinishedError struct {
	Status Status
	Err    error
}

func (e *FinishedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("push-install finished with %s: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("push-install finished with %s", e.Status)
}

// Unwrap returns the underlying cause.
func (e *FinishedError) Unwrap() error {
	return e.Err
}

// Is matches ErrInstallRefused for refused statuses and ErrInstallFailed for failures.
func (e *FinishedError) Is(target error) bool {
	switch target {
	case ErrInstallRefused:
		return e.Status == StatusRefused || e.Status == StatusRefusedUnknownSource
	case ErrInstallFailed:
		return e.Status == StatusFailed
	}
	return false
}
