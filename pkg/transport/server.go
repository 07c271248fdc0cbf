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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/log"
	"github.com/d2d-protocol/d2d-go/pkg/pushinstall"
)

// Server defaults.
const (
	DefaultMaxConnections  = 32
	DefaultMaxArtifactSize = 64 << 20
)

// Server errors.
var (
	ErrServerRunning    = errors.New("server already running")
	ErrServerNotRunning = errors.New("server not running")
)

// Handler serves remote invocations.
type Handler interface {
	// Invoke serves one request. Return ErrUnknownService for services the
	// handler does not provide.
	Invoke(ctx context.Context, peer PeerInfo, service string, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, peer PeerInfo, service string, payload []byte) ([]byte, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, peer PeerInfo, service string, payload []byte) ([]byte, error) {
	return f(ctx, peer, service, payload)
}

// InstallHandler is the serving side of push-install.
type InstallHandler interface {
	// InstalledVersion reports the installed version of a package.
	InstalledVersion(name string) (version int, installed bool)

	// AnswerOffer asks the local user and policy whether to accept an offer.
	AnswerOffer(ctx context.Context, peer PeerInfo, offer pushinstall.Offer) pushinstall.Answer

	// Install installs a fully received artifact.
	Install(ctx context.Context, peer PeerInfo, offer pushinstall.Offer, data []byte) (pushinstall.Status, error)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address to listen on. Empty means ":19876".
	Address string

	// Credentials is the local TLS identity. Required.
	Credentials *Credentials

	// Local describes this device in the HelloAck.
	Local PeerInfo

	// Handler serves invocations. Nil answers every request with unknown service.
	Handler Handler

	// Installer serves push-install. Nil reports nothing installed and refuses offers.
	Installer InstallHandler

	// Authorize decides whether a peer may open a session. Nil accepts all.
	Authorize func(peer PeerInfo) error

	HandshakeTimeout time.Duration
	MaxConnections   int
	MaxMessageSize   uint32
	MaxArtifactSize  int64

	// OnConnect and OnDisconnect observe session lifecycle.
	OnConnect    func(c *Conn)
	OnDisconnect func(c *Conn)

	Logger      *slog.Logger
	EventLogger log.Logger
}

// Server accepts channels and serves invocations and push-install on them.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
	events log.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Conn]struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  atomic.Bool
}

// NewServer creates a server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Credentials == nil {
		return nil, errors.New("server requires credentials")
	}
	if err := cfg.Local.Identity.Validate(); err != nil {
		return nil, fmt.Errorf("server local identity: %w", err)
	}
	if cfg.Address == "" {
		cfg.Address = fmt.Sprintf(":%d", device.DefaultPort)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.MaxArtifactSize <= 0 {
		cfg.MaxArtifactSize = DefaultMaxArtifactSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		events: log.OrNoop(cfg.EventLogger),
		conns:  make(map[*Conn]struct{}),
	}, nil
}

// Start begins listening. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Address)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("server listening", "addr", ln.Addr().String())
	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

// Stop closes the listener and every open channel, then waits for handlers.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrServerNotRunning
	}

	s.mu.Lock()
	s.cancel()
	ln := s.listener
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := ln.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	return err
}

// Addr returns the bound address, or nil when not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the bound TCP port, or 0 when not running.
func (s *Server) Port() int {
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// ConnectionCount returns the number of open channels.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		if s.ConnectionCount() >= s.cfg.MaxConnections {
			s.logger.Warn("connection limit reached", "remote", raw.RemoteAddr().String())
			_ = raw.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(ctx, raw)
		}()
	}
}

func (s *Server) serve(ctx context.Context, raw net.Conn) {
	tc := tls.Server(raw, NewServerTLSConfig(s.cfg.Credentials))
	c, err := s.handshake(ctx, tc)
	if err != nil {
		s.logger.Debug("handshake failed", "remote", raw.RemoteAddr().String(), "error", err)
		_ = tc.Close()
		return
	}

	sc := &serverConn{Conn: c, srv: s, ctx: ctx}
	c.inbound = sc.handle

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(c)
	}

	c.run()
	sc.wg.Wait()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	if s.cfg.OnDisconnect != nil {
		s.cfg.OnDisconnect(c)
	}
}

func (s *Server) handshake(ctx context.Context, tc *tls.Conn) (*Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	dl, _ := hctx.Deadline()
	_ = tc.SetDeadline(dl)

	if err := tc.HandshakeContext(hctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	state := tc.ConnectionState()
	if err := VerifyConnection(state); err != nil {
		return nil, err
	}
	certKey, err := PeerPublicKey(state)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	remote := device.NetworkURI(splitHost(tc.RemoteAddr().String()))
	framer := NewFramer(tc, s.cfg.MaxMessageSize)
	if s.cfg.EventLogger != nil {
		framer.SetLogger(s.cfg.EventLogger, sessionID, log.RolePeer, remote)
	}

	data, err := framer.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	m, err := DecodeMessage(data)
	if err != nil {
		return nil, err
	}
	if m.Type != MsgHello {
		return nil, fmt.Errorf("%w: expected HELLO, got %s", ErrInvalidMessage, m.Type)
	}

	ack := HelloAck{Hello: helloFrom(s.cfg.Local), Accepted: true}
	peer, err := m.Hello.peerInfo()
	switch {
	case err != nil:
		ack.Accepted, ack.Reason = false, err.Error()
	case !bytes.Equal(peer.Identity.PublicKey, certKey):
		ack.Accepted, ack.Reason = false, ErrKeyMismatch.Error()
	case s.cfg.Authorize != nil:
		if aerr := s.cfg.Authorize(peer); aerr != nil {
			ack.Accepted, ack.Reason = false, aerr.Error()
		}
	}
	if ack.Accepted && m.Hello.Software != "" && s.cfg.Installer != nil {
		ack.SoftwareVersion, ack.SoftwareInstalled = s.cfg.Installer.InstalledVersion(m.Hello.Software)
	}

	data, err = EncodeMessage(&Message{Type: MsgHelloAck, Ack: &ack})
	if err != nil {
		return nil, err
	}
	if err := framer.WriteFrame(data); err != nil {
		return nil, fmt.Errorf("send hello ack: %w", err)
	}
	if !ack.Accepted {
		s.logger.Info("session rejected", "remote", remote, "reason", ack.Reason)
		return nil, fmt.Errorf("%w: %s", ErrRejected, ack.Reason)
	}
	_ = tc.SetDeadline(time.Time{})

	peer.URI = remote
	s.logger.Info("session accepted", "remote", remote, "device_id", peer.Identity.UUID, "session_id", sessionID)
	return newConn(tc, framer, peer, log.RolePeer, sessionID, s.logger, s.events), nil
}

// serverConn holds the per-channel serving state.
type serverConn struct {
	*Conn
	srv *Server
	ctx context.Context
	wg  sync.WaitGroup

	// install is touched only by the read loop goroutine.
	install *incomingInstall
}

type incomingInstall struct {
	id       uint32
	offer    pushinstall.Offer
	accepted atomic.Bool
	buf      bytes.Buffer
}

// handle runs on the read loop goroutine; slow work is moved off it.
func (sc *serverConn) handle(m *Message) {
	switch m.Type {
	case MsgRequest:
		sc.goServe(func() { sc.serveRequest(m) })
	case MsgInstallQuery:
		var version int
		var installed bool
		if sc.srv.cfg.Installer != nil {
			version, installed = sc.srv.cfg.Installer.InstalledVersion(m.Install.Name)
		}
		_ = sc.send(&Message{Type: MsgInstallQuery, ID: m.ID, Install: &InstallMsg{
			Name: m.Install.Name, Version: version, Installed: installed,
		}})
	case MsgInstallOffer:
		sc.handleOffer(m)
	case MsgInstallChunk:
		sc.handleChunk(m)
	}
}

func (sc *serverConn) goServe(fn func()) {
	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		fn()
	}()
}

func (sc *serverConn) serveRequest(m *Message) {
	resp := &Response{Status: StatusOK}
	if sc.srv.cfg.Handler == nil {
		resp.Status, resp.Error = StatusUnknownService, ErrUnknownService.Error()
	} else {
		ctx, cancel := context.WithCancel(sc.ctx)
		go func() {
			select {
			case <-sc.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
		payload, err := sc.srv.cfg.Handler.Invoke(ctx, sc.peer, m.Request.Service, m.Request.Payload)
		cancel()
		switch {
		case errors.Is(err, ErrUnknownService):
			resp.Status, resp.Error = StatusUnknownService, err.Error()
		case err != nil:
			resp.Status, resp.Error = StatusError, err.Error()
		default:
			resp.Payload = payload
		}
	}
	if err := sc.send(&Message{Type: MsgResponse, ID: m.ID, Response: resp}); err != nil {
		sc.logger.Debug("response not sent", "service", m.Request.Service, "error", err)
	}
}

func (sc *serverConn) handleOffer(m *Message) {
	offer := pushinstall.Offer{
		Name:            m.Install.Name,
		Version:         m.Install.Version,
		Size:            m.Install.Size,
		ReplaceExisting: m.Install.ReplaceExisting,
	}
	in := &incomingInstall{id: m.ID, offer: offer}
	sc.install = in

	if offer.Size <= 0 || offer.Size > sc.srv.cfg.MaxArtifactSize || sc.srv.cfg.Installer == nil {
		sc.answer(in, pushinstall.AnswerRefuse)
		return
	}
	sc.goServe(func() {
		sc.answer(in, sc.srv.cfg.Installer.AnswerOffer(sc.ctx, sc.peer, offer))
	})
}

func (sc *serverConn) answer(in *incomingInstall, a pushinstall.Answer) {
	in.accepted.Store(a == pushinstall.AnswerAccept)
	sc.logger.Info("install offer answered", "artifact", in.offer.Name, "answer", a)
	_ = sc.send(&Message{Type: MsgInstallAnswer, ID: in.id, Install: &InstallMsg{
		Name: in.offer.Name, Answer: uint8(a),
	}})
}

func (sc *serverConn) handleChunk(m *Message) {
	in := sc.install
	if in == nil || in.id != m.ID || !in.accepted.Load() {
		sc.logger.Warn("install chunk without accepted offer", "id", m.ID)
		return
	}
	fail := func(msg string) {
		sc.install = nil
		_ = sc.send(&Message{Type: MsgInstallResult, ID: in.id, Result: &InstallResult{
			Status: int(pushinstall.StatusFailed), Error: msg,
		}})
	}
	if m.Chunk.Offset != int64(in.buf.Len()) {
		fail(fmt.Sprintf("chunk offset %d, expected %d", m.Chunk.Offset, in.buf.Len()))
		return
	}
	if int64(in.buf.Len()+len(m.Chunk.Data)) > in.offer.Size {
		fail("artifact larger than offered")
		return
	}
	in.buf.Write(m.Chunk.Data)
	if !m.Chunk.Last {
		return
	}
	sc.install = nil
	if int64(in.buf.Len()) != in.offer.Size {
		fail(fmt.Sprintf("received %d of %d bytes", in.buf.Len(), in.offer.Size))
		return
	}
	sc.goServe(func() {
		res := &InstallResult{}
		status, err := sc.srv.cfg.Installer.Install(sc.ctx, sc.peer, in.offer, in.buf.Bytes())
		res.Status = int(status)
		if err != nil {
			res.Status, res.Error = int(pushinstall.StatusFailed), err.Error()
		}
		_ = sc.send(&Message{Type: MsgInstallResult, ID: in.id, Result: res})
	})
}
