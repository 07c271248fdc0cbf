package transport

import (
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

	"github.com/d2d-protocol/d2d-go/pkg/log"
	"github.com/d2d-protocol/d2d-go/pkg/pushinstall"
)

// ChunkSize is the artifact slice carried by one install chunk.
const ChunkSize = 32 * 1024

// Conn is an established channel. The dialing side uses it as a Channel; the
// serving side feeds inbound requests to its handlers.
type Conn struct {
	tc        *tls.Conn
	framer    *Framer
	peer      PeerInfo
	sessionID string
	role      log.Role

	logger *slog.Logger
	events log.Logger

	nextID  atomic.Uint32
	mu      sync.Mutex
	pending map[uint32]chan *Message
	err     error

	// inbound receives requests and install messages (serving side only).
	inbound   func(*Message)
	keepAlive *KeepAlive

	closeOnce sync.Once
	closeCh   chan struct{}
}

var (
	_ Channel               = (*Conn)(nil)
	_ pushinstall.Installer = (*Conn)(nil)
)

func newConn(tc *tls.Conn, framer *Framer, peer PeerInfo, role log.Role, sessionID string, logger *slog.Logger, events log.Logger) *Conn {
	return &Conn{
		tc:        tc,
		framer:    framer,
		peer:      peer,
		sessionID: sessionID,
		role:      role,
		logger:    logger.With("session_id", sessionID, "device_id", peer.Identity.UUID),
		events:    events,
		pending:   make(map[uint32]chan *Message),
		closeCh:   make(chan struct{}),
	}
}

// Peer returns the peer description learned during the handshake.
func (c *Conn) Peer() PeerInfo {
	return c.peer
}

// SessionID returns the channel's session identifier used in logs.
func (c *Conn) SessionID() string {
	return c.sessionID
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.tc.RemoteAddr()
}

// Done is closed once the channel is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.closeCh
}

// Err returns why the channel closed, or nil while open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Installer returns the channel itself.
func (c *Conn) Installer() pushinstall.Installer {
	return c
}

// Close sends a close notice and tears the channel down.
func (c *Conn) Close() error {
	select {
	case <-c.closeCh:
		return nil
	default:
	}
	_ = c.send(&Message{Type: MsgClose})
	c.shutdown(ErrChannelClosed)
	return nil
}

// Invoke calls service on the peer and waits for its response.
func (c *Conn) Invoke(ctx context.Context, service string, payload []byte) ([]byte, error) {
	id, ch := c.register()
	defer c.unregister(id)

	start := time.Now()
	req := &Message{Type: MsgRequest, ID: id, Request: &Request{Service: service, Payload: payload}}
	if err := c.send(req); err != nil {
		return nil, err
	}
	c.logMessage(log.DirectionOut, &log.MessageEvent{
		Type: log.MessageTypeRequest, MessageID: id, Method: service, PayloadSize: len(payload),
	})

	resp, err := c.await(ctx, ch)
	if err != nil {
		return nil, err
	}
	if resp.Type != MsgResponse {
		return nil, fmt.Errorf("%w: %s in reply to request", ErrInvalidMessage, resp.Type)
	}

	elapsed := time.Since(start)
	status := resp.Response.Status
	c.logMessage(log.DirectionIn, &log.MessageEvent{
		Type: log.MessageTypeResponse, MessageID: id, Status: &status,
		PayloadSize: len(resp.Response.Payload), Elapsed: &elapsed,
	})
	if status != StatusOK {
		return nil, &RemoteError{Status: status, Message: resp.Response.Error}
	}
	return resp.Response.Payload, nil
}

// InstalledVersion asks the peer for the installed version of a package.
func (c *Conn) InstalledVersion(ctx context.Context, name string) (int, bool, error) {
	id, ch := c.register()
	defer c.unregister(id)

	if err := c.send(&Message{Type: MsgInstallQuery, ID: id, Install: &InstallMsg{Name: name}}); err != nil {
		return 0, false, err
	}
	reply, err := c.await(ctx, ch)
	if err != nil {
		return 0, false, err
	}
	if reply.Type != MsgInstallQuery {
		return 0, false, fmt.Errorf("%w: %s in reply to install query", ErrInvalidMessage, reply.Type)
	}
	return reply.Install.Version, reply.Install.Installed, nil
}

// Transfer offers an artifact and streams it once the peer accepts.
func (c *Conn) Transfer(ctx context.Context, offer pushinstall.Offer, r io.Reader, onProgress func(int64)) (pushinstall.Status, error) {
	id, ch := c.register()
	defer c.unregister(id)

	err := c.send(&Message{Type: MsgInstallOffer, ID: id, Install: &InstallMsg{
		Name:            offer.Name,
		Version:         offer.Version,
		Size:            offer.Size,
		ReplaceExisting: offer.ReplaceExisting,
	}})
	if err != nil {
		return pushinstall.StatusFailed, err
	}

	answerCtx := ctx
	if offer.AnswerTimeout > 0 {
		var cancel context.CancelFunc
		answerCtx, cancel = context.WithTimeout(ctx, offer.AnswerTimeout)
		defer cancel()
	}
	reply, err := c.await(answerCtx, ch)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return pushinstall.StatusRefused, pushinstall.ErrConsentTimeout
		}
		return pushinstall.StatusFailed, err
	}
	if reply.Type != MsgInstallAnswer {
		return pushinstall.StatusFailed, fmt.Errorf("%w: %s in reply to offer", ErrInvalidMessage, reply.Type)
	}
	if answer := pushinstall.Answer(reply.Install.Answer); answer != pushinstall.AnswerAccept {
		return answer.Status(), nil
	}

	if onProgress != nil {
		onProgress(0)
	}
	buf := make([]byte, ChunkSize)
	var sent int64
	for {
		if err := ctx.Err(); err != nil {
			return pushinstall.StatusFailed, err
		}
		n, rerr := readUpTo(r, buf)
		if rerr != nil && rerr != io.EOF {
			return pushinstall.StatusFailed, fmt.Errorf("read artifact: %w", rerr)
		}
		last := rerr == io.EOF
		chunk := &InstallChunk{Offset: sent, Data: buf[:n], Last: last}
		if err := c.send(&Message{Type: MsgInstallChunk, ID: id, Chunk: chunk}); err != nil {
			return pushinstall.StatusFailed, err
		}
		if last {
			break
		}
		sent += int64(n)
		if onProgress != nil {
			onProgress(sent)
		}
	}

	reply, err = c.await(ctx, ch)
	if err != nil {
		return pushinstall.StatusFailed, err
	}
	if reply.Type != MsgInstallResult {
		return pushinstall.StatusFailed, fmt.Errorf("%w: %s in reply to transfer", ErrInvalidMessage, reply.Type)
	}
	status := pushinstall.Status(reply.Result.Status)
	if reply.Result.Error != "" {
		return pushinstall.StatusFailed, fmt.Errorf("%w: %s", pushinstall.ErrInstallFailed, reply.Result.Error)
	}
	return status, nil
}

// startKeepAlive begins liveness monitoring; a dead peer closes the channel.
func (c *Conn) startKeepAlive(cfg KeepAliveConfig) {
	c.keepAlive = NewKeepAlive(cfg, func(seq uint32) error {
		return c.send(&Message{Type: MsgPing, Seq: seq})
	}, func() {
		c.logger.Warn("keep-alive timeout")
		c.shutdown(fmt.Errorf("%w: keep-alive timeout", ErrChannelClosed))
	})
	c.keepAlive.Start(context.Background())
}

func (c *Conn) send(m *Message) error {
	select {
	case <-c.closeCh:
		return ErrChannelClosed
	default:
	}
	data, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	if err := c.framer.WriteFrame(data); err != nil {
		c.shutdown(err)
		return fmt.Errorf("%w: %w", ErrChannelClosed, err)
	}
	return nil
}

func (c *Conn) register() (uint32, chan *Message) {
	id := c.nextID.Add(1)
	ch := make(chan *Message, 2)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return id, ch
}

func (c *Conn) unregister(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) await(ctx context.Context, ch <-chan *Message) (*Message, error) {
	select {
	case m := <-ch:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeCh:
		if err := c.Err(); err != nil && !errors.Is(err, ErrChannelClosed) {
			return nil, fmt.Errorf("%w: %w", ErrChannelClosed, err)
		}
		return nil, ErrChannelClosed
	}
}

func (c *Conn) deliver(m *Message) {
	c.mu.Lock()
	ch, ok := c.pending[m.ID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("dropping uncorrelated message", "type", m.Type, "id", m.ID)
		return
	}
	select {
	case ch <- m:
	default:
		c.logger.Warn("dropping message for busy exchange", "type", m.Type, "id", m.ID)
	}
}

// run reads frames until the channel fails or is closed.
func (c *Conn) run() {
	for {
		data, err := c.framer.ReadFrame()
		if err != nil {
			c.shutdown(err)
			return
		}
		m, err := DecodeMessage(data)
		if err != nil {
			c.logger.Warn("discarding invalid frame", "error", err)
			continue
		}

		switch m.Type {
		case MsgResponse, MsgInstallAnswer, MsgInstallResult:
			c.deliver(m)
		case MsgInstallQuery:
			if c.inbound != nil {
				c.inbound(m)
			} else {
				c.deliver(m)
			}
		case MsgRequest, MsgInstallOffer, MsgInstallChunk:
			if c.inbound == nil {
				c.logger.Warn("unexpected inbound message", "type", m.Type)
				continue
			}
			c.inbound(m)
		case MsgPing:
			_ = c.send(&Message{Type: MsgPong, Seq: m.Seq})
		case MsgPong:
			if c.keepAlive != nil {
				c.keepAlive.PongReceived(m.Seq)
			}
		case MsgClose:
			c.shutdown(ErrChannelClosed)
			return
		default:
			c.logger.Warn("unexpected message", "type", m.Type)
		}
	}
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		close(c.closeCh)
		if c.keepAlive != nil {
			c.keepAlive.Stop()
		}
		_ = c.tc.Close()

		if cause != nil && !errors.Is(cause, ErrChannelClosed) && cause != io.EOF {
			c.logger.Debug("channel closed", "cause", cause)
		}
		c.events.Log(log.Event{
			Timestamp: time.Now(),
			SessionID: c.sessionID,
			Layer:     log.LayerTransport,
			Category:  log.CategoryState,
			LocalRole: c.role,
			RemoteURI: c.peer.URI,
			DeviceID:  c.peer.Identity.UUID.String(),
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntitySession,
				OldState: "OPEN",
				NewState: "CLOSED",
				Reason:   fmt.Sprint(cause),
			},
		})
	})
}

func (c *Conn) logMessage(dir log.Direction, m *log.MessageEvent) {
	c.events.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: c.sessionID,
		Direction: dir,
		Layer:     log.LayerSession,
		Category:  log.CategoryMessage,
		LocalRole: c.role,
		RemoteURI: c.peer.URI,
		DeviceID:  c.peer.Identity.UUID.String(),
		Message:   m,
	})
}
