package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/pushinstall"
)

// Channel errors.
var (
	// ErrEndpointInvalid marks failures after which the endpoint should be
	// dropped: malformed address, foreign identity, or a peer that does not
	// speak the protocol. Timeouts and refused connections are not permanent.
	ErrEndpointInvalid = errors.New("endpoint permanently invalid")

	// ErrRejected indicates the peer refused the session after the Hello.
	ErrRejected = errors.New("session rejected by peer")

	// ErrChannelClosed indicates use of a closed channel.
	ErrChannelClosed = errors.New("channel closed")

	// ErrUnknownService is returned by handlers for services they do not serve.
	ErrUnknownService = errors.New("unknown service")

	// ErrRemote is matched by every *RemoteError.
	ErrRemote = errors.New("remote error")
)

// PeerInfo describes the device at one end of a channel.
type PeerInfo struct {
	Identity        device.Identity
	Name            string
	ProtocolVersion int
	OS              string
	Features        device.FeatureMask

	// URI is the endpoint the channel was opened on (client side only).
	URI string

	// HasSoftware and SoftwareVersion describe the software the client asked
	// about in its Hello.
	HasSoftware     bool
	SoftwareVersion int
}

// Sighting converts the handshake information into a store sighting.
func (p PeerInfo) Sighting(t device.Transport) device.Sighting {
	return device.Sighting{
		Identity:        p.Identity,
		Transport:       t,
		URI:             p.URI,
		Name:            p.Name,
		ProtocolVersion: p.ProtocolVersion,
		OS:              p.OS,
		Features:        p.Features,
	}
}

// Channel is an open, authenticated, bidirectional connection to one peer.
type Channel interface {
	// Peer returns what the handshake learned about the peer.
	Peer() PeerInfo

	// Invoke calls a remote service. A context deadline returns
	// context.DeadlineExceeded and leaves the channel open.
	Invoke(ctx context.Context, service string, payload []byte) ([]byte, error)

	// Installer returns the push-install side of the channel.
	Installer() pushinstall.Installer

	// Close closes the channel. It is safe to call more than once.
	Close() error
}

// Opener opens channels for the URI scheme of one transport.
type Opener interface {
	// Open connects to uri. A non-nil peerKey pins the peer identity key.
	Open(ctx context.Context, uri string, peerKey []byte) (Channel, error)
}

// RemoteError is a failure reported by the peer's service handler.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Status, e.Message)
}

// Is matches ErrRemote, and ErrUnknownService for unknown-service statuses.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote || (target == ErrUnknownService && e.Status == StatusUnknownService)
}

// invalid wraps err so that errors.Is(err, ErrEndpointInvalid) holds.
func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrEndpointInvalid, err)
}

// isPermanent classifies handshake failures that no retry can fix.
func isPermanent(err error) bool {
	return errors.Is(err, ErrKeyMismatch) ||
		errors.Is(err, ErrUnsupportedKey) ||
		errors.Is(err, ErrNoPeerCertificate) ||
		errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, device.ErrInvalidIdentity)
}

// readUpTo fills buf from r, returning io.EOF only when nothing was read.
func readUpTo(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF {
		return n, nil
	}
	return n, err
}
