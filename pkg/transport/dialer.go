package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/log"
)

// DefaultHandshakeTimeout bounds TLS plus Hello when the caller sets no deadline.
const DefaultHandshakeTimeout = 10 * time.Second

// DialerConfig configures a Dialer.
type DialerConfig struct {
	// Credentials is the local TLS identity. Required.
	Credentials *Credentials

	// Local describes this device in the Hello.
	Local PeerInfo

	// Software names the package whose presence the peer reports back.
	Software string

	// KeepAlive enables liveness monitoring on dialed channels when non-nil.
	KeepAlive *KeepAliveConfig

	// MaxMessageSize limits frames. Zero uses DefaultMaxMessageSize.
	MaxMessageSize uint32

	// Logger is the operational logger. Nil discards.
	Logger *slog.Logger

	// EventLogger captures frames and messages. Nil discards.
	EventLogger log.Logger
}

// Dialer opens network channels. It implements Opener for "ip" URIs.
type Dialer struct {
	cfg    DialerConfig
	logger *slog.Logger
	events log.Logger
}

var _ Opener = (*Dialer)(nil)

// NewDialer creates a dialer.
func NewDialer(cfg DialerConfig) (*Dialer, error) {
	if cfg.Credentials == nil {
		return nil, errors.New("dialer requires credentials")
	}
	if err := cfg.Local.Identity.Validate(); err != nil {
		return nil, fmt.Errorf("dialer local identity: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dialer{cfg: cfg, logger: logger, events: log.OrNoop(cfg.EventLogger)}, nil
}

// Open parses a network endpoint URI and dials it.
func (d *Dialer) Open(ctx context.Context, uri string, peerKey []byte) (Channel, error) {
	addr, err := device.NetworkAddress(uri)
	if err != nil {
		return nil, invalid(err)
	}
	return d.dial(ctx, addr, uri, peerKey)
}

// Dial connects to addr, runs the TLS and Hello handshakes, and returns the
// open channel.
func (d *Dialer) Dial(ctx context.Context, addr string, peerKey []byte) (*Conn, error) {
	return d.dial(ctx, addr, device.NetworkURI(splitHost(addr)), peerKey)
}

func (d *Dialer) dial(ctx context.Context, addr, uri string, peerKey []byte) (*Conn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHandshakeTimeout)
		defer cancel()
	}

	var nd net.Dialer
	raw, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		var addrErr *net.AddrError
		if errors.As(err, &addrErr) {
			return nil, invalid(err)
		}
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	tc := tls.Client(raw, NewClientTLSConfig(d.cfg.Credentials, peerKey))
	c, err := d.handshake(ctx, tc, addr, uri)
	if err != nil {
		_ = tc.Close()
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		if isPermanent(err) {
			return nil, invalid(err)
		}
		return nil, err
	}

	go c.run()
	if d.cfg.KeepAlive != nil {
		c.startKeepAlive(*d.cfg.KeepAlive)
	}
	return c, nil
}

func (d *Dialer) handshake(ctx context.Context, tc *tls.Conn, addr, uri string) (*Conn, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = tc.SetDeadline(dl)
	}
	// Unblock the handshake reads if ctx is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() { _ = tc.SetDeadline(time.Unix(1, 0)) })
	peer, sessionID, framer, err := d.exchange(ctx, tc, uri)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}
	_ = tc.SetDeadline(time.Time{})

	c := newConn(tc, framer, peer, log.RoleController, sessionID, d.logger, d.events)
	d.logger.Debug("channel open", "addr", addr, "device_id", peer.Identity.UUID, "session_id", sessionID)
	d.events.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: sessionID,
		Layer:     log.LayerTransport,
		Category:  log.CategoryState,
		LocalRole: log.RoleController,
		RemoteURI: uri,
		DeviceID:  peer.Identity.UUID.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			OldState: "CONNECTING",
			NewState: "OPEN",
		},
	})
	return c, nil
}

// exchange runs TLS, sends the Hello and checks the HelloAck.
func (d *Dialer) exchange(ctx context.Context, tc *tls.Conn, uri string) (PeerInfo, string, *Framer, error) {
	if err := tc.HandshakeContext(ctx); err != nil {
		return PeerInfo{}, "", nil, fmt.Errorf("tls: %w", err)
	}
	state := tc.ConnectionState()
	if err := VerifyConnection(state); err != nil {
		return PeerInfo{}, "", nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	certKey, err := PeerPublicKey(state)
	if err != nil {
		return PeerInfo{}, "", nil, err
	}

	sessionID := uuid.NewString()
	framer := NewFramer(tc, d.cfg.MaxMessageSize)
	if d.cfg.EventLogger != nil {
		framer.SetLogger(d.cfg.EventLogger, sessionID, log.RoleController, uri)
	}

	hello := helloFrom(d.cfg.Local)
	hello.Software = d.cfg.Software
	data, err := EncodeMessage(&Message{Type: MsgHello, Hello: &hello})
	if err != nil {
		return PeerInfo{}, "", nil, err
	}
	if err := framer.WriteFrame(data); err != nil {
		return PeerInfo{}, "", nil, fmt.Errorf("send hello: %w", err)
	}

	data, err = framer.ReadFrame()
	if err != nil {
		return PeerInfo{}, "", nil, fmt.Errorf("read hello ack: %w", err)
	}
	m, err := DecodeMessage(data)
	if err != nil {
		return PeerInfo{}, "", nil, err
	}
	if m.Type != MsgHelloAck {
		return PeerInfo{}, "", nil, fmt.Errorf("%w: expected HELLO_ACK, got %s", ErrInvalidMessage, m.Type)
	}
	if !m.Ack.Accepted {
		return PeerInfo{}, "", nil, fmt.Errorf("%w: %s", ErrRejected, m.Ack.Reason)
	}
	if !bytes.Equal(m.Ack.Hello.PublicKey, certKey) {
		return PeerInfo{}, "", nil, ErrKeyMismatch
	}
	peer, err := m.Ack.Hello.peerInfo()
	if err != nil {
		return PeerInfo{}, "", nil, err
	}
	peer.URI = uri
	peer.HasSoftware = m.Ack.SoftwareInstalled
	peer.SoftwareVersion = m.Ack.SoftwareVersion
	return peer, sessionID, framer, nil
}

func splitHost(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
