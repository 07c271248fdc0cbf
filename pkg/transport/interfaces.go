package transport

import (
	"context"
	"net"
)

// SessionServer is the lifecycle of a listening transport.
// Implemented by Server.
type SessionServer interface {
	Start(ctx context.Context) error
	Stop() error
	Addr() net.Addr
	ConnectionCount() int
}

// FrameReadWriter provides length-prefixed frame I/O.
// Implemented by Framer.
type FrameReadWriter interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
}

var (
	_ SessionServer   = (*Server)(nil)
	_ FrameReadWriter = (*Framer)(nil)
)
