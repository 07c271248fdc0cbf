package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/d2d-protocol/d2d-go/pkg/log"
)

// Framing constants.
const (
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4

	// DefaultMaxMessageSize is the default maximum message size (64 KB).
	DefaultMaxMessageSize = 65536

	// MaxLogFrameDataSize caps the frame bytes copied into log events (4 KB).
	MaxLogFrameDataSize = 4096
)

// Framing errors.
var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrMessageEmpty    = errors.New("message is empty")
	ErrFrameTruncated  = errors.New("frame truncated")
)

// frameLog is the optional event capture shared by reader and writer.
type frameLog struct {
	logger    log.Logger
	sessionID string
	role      log.Role
	remote    string
}

func (fl *frameLog) emit(data []byte, dir log.Direction) {
	if fl.logger == nil {
		return
	}
	frame := &log.FrameEvent{Size: LengthPrefixSize + len(data), Data: data}
	if len(data) > MaxLogFrameDataSize {
		frame.Data = data[:MaxLogFrameDataSize]
		frame.Truncated = true
	}
	fl.logger.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: fl.sessionID,
		Direction: dir,
		Layer:     log.LayerTransport,
		Category:  log.CategoryMessage,
		LocalRole: fl.role,
		RemoteURI: fl.remote,
		Frame:     frame,
	})
}

// FrameWriter writes length-prefixed frames. WriteFrame is safe for
// concurrent use.
type FrameWriter struct {
	w       io.Writer
	maxSize uint32
	mu      sync.Mutex
	frameLog
}

// NewFrameWriter creates a frame writer. A zero maxSize uses DefaultMaxMessageSize.
func NewFrameWriter(w io.Writer, maxSize uint32) *FrameWriter {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &FrameWriter{w: w, maxSize: maxSize}
}

// WriteFrame writes one frame: a 4-byte big-endian length, then data.
func (fw *FrameWriter) WriteFrame(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if uint64(len(data)) > uint64(fw.maxSize) {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), fw.maxSize)
	}

	buf := make([]byte, LengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[LengthPrefixSize:], data)

	fw.mu.Lock()
	_, err := fw.w.Write(buf)
	fw.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	fw.emit(data, log.DirectionOut)
	return nil
}

// FrameReader reads length-prefixed frames. It is not safe for concurrent use.
type FrameReader struct {
	r       io.Reader
	maxSize uint32
	prefix  [LengthPrefixSize]byte
	frameLog
}

// NewFrameReader creates a frame reader. A zero maxSize uses DefaultMaxMessageSize.
func NewFrameReader(r io.Reader, maxSize uint32) *FrameReader {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &FrameReader{r: r, maxSize: maxSize}
}

// ReadFrame reads one frame and returns its payload. A clean end of stream
// before the prefix returns io.EOF.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.prefix[:]); err != nil {
		switch {
		case err == io.EOF:
			return nil, err
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, ErrFrameTruncated
		default:
			return nil, fmt.Errorf("read length prefix: %w", err)
		}
	}

	length := binary.BigEndian.Uint32(fr.prefix[:])
	if length == 0 {
		return nil, ErrMessageEmpty
	}
	if length > fr.maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, fr.maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("read payload: %w", err)
	}

	fr.emit(payload, log.DirectionIn)
	return payload, nil
}

// Framer combines frame reading and writing on one stream.
type Framer struct {
	*FrameReader
	*FrameWriter
}

// NewFramer creates a framer. A zero maxSize uses DefaultMaxMessageSize.
func NewFramer(rw io.ReadWriter, maxSize uint32) *Framer {
	return &Framer{
		FrameReader: NewFrameReader(rw, maxSize),
		FrameWriter: NewFrameWriter(rw, maxSize),
	}
}

// SetLogger enables frame capture for both directions. Pass nil to disable.
func (f *Framer) SetLogger(logger log.Logger, sessionID string, role log.Role, remote string) {
	fl := frameLog{logger: logger, sessionID: sessionID, role: role, remote: remote}
	f.FrameReader.frameLog = fl
	f.FrameWriter.frameLog = fl
}
