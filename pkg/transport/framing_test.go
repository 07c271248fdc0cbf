package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/d2d-protocol/d2d-go/pkg/log"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"single byte", []byte{0x42}},
		{"small message", []byte("hello")},
		{"binary data", []byte{0x00, 0xFF, 0x7F, 0x80}},
		{"max size message", bytes.Repeat([]byte("y"), DefaultMaxMessageSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			if err := NewFrameWriter(buf, 0).WriteFrame(tt.payload); err != nil {
				t.Fatalf("WriteFrame failed: %v", err)
			}
			if buf.Len() != LengthPrefixSize+len(tt.payload) {
				t.Errorf("frame size = %d, want %d", buf.Len(), LengthPrefixSize+len(tt.payload))
			}

			got, err := NewFrameReader(buf, 0).ReadFrame()
			if err != nil {
				t.Fatalf("ReadFrame failed: %v", err)
			}
			if !bytes.Equal(got, tt.payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d bytes", len(got), len(tt.payload))
			}
		})
	}
}

func TestFrameErrors(t *testing.T) {
	t.Run("write empty", func(t *testing.T) {
		err := NewFrameWriter(new(bytes.Buffer), 0).WriteFrame(nil)
		if !errors.Is(err, ErrMessageEmpty) {
			t.Errorf("expected ErrMessageEmpty, got %v", err)
		}
	})

	t.Run("write too large", func(t *testing.T) {
		err := NewFrameWriter(new(bytes.Buffer), 8).WriteFrame(make([]byte, 9))
		if !errors.Is(err, ErrMessageTooLarge) {
			t.Errorf("expected ErrMessageTooLarge, got %v", err)
		}
	})

	t.Run("read zero length", func(t *testing.T) {
		_, err := NewFrameReader(bytes.NewReader([]byte{0, 0, 0, 0}), 0).ReadFrame()
		if !errors.Is(err, ErrMessageEmpty) {
			t.Errorf("expected ErrMessageEmpty, got %v", err)
		}
	})

	t.Run("read too large", func(t *testing.T) {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], 100)
		_, err := NewFrameReader(bytes.NewReader(prefix[:]), 50).ReadFrame()
		if !errors.Is(err, ErrMessageTooLarge) {
			t.Errorf("expected ErrMessageTooLarge, got %v", err)
		}
	})

	t.Run("truncated prefix", func(t *testing.T) {
		_, err := NewFrameReader(bytes.NewReader([]byte{0, 0}), 0).ReadFrame()
		if !errors.Is(err, ErrFrameTruncated) {
			t.Errorf("expected ErrFrameTruncated, got %v", err)
		}
	})

	t.Run("truncated payload", func(t *testing.T) {
		_, err := NewFrameReader(bytes.NewReader([]byte{0, 0, 0, 5, 'a', 'b'}), 0).ReadFrame()
		if !errors.Is(err, ErrFrameTruncated) {
			t.Errorf("expected ErrFrameTruncated, got %v", err)
		}
	})

	t.Run("clean eof", func(t *testing.T) {
		_, err := NewFrameReader(bytes.NewReader(nil), 0).ReadFrame()
		if err != io.EOF {
			t.Errorf("expected io.EOF, got %v", err)
		}
	})
}

func TestFrameWriterConcurrent(t *testing.T) {
	buf := new(bytes.Buffer)
	writer := NewFrameWriter(&lockedBuffer{buf: buf}, 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := writer.WriteFrame(bytes.Repeat([]byte{byte(i)}, 100)); err != nil {
				t.Errorf("WriteFrame: %v", err)
			}
		}(i)
	}
	wg.Wait()

	reader := NewFrameReader(buf, 0)
	for i := 0; i < 20; i++ {
		frame, err := reader.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(frame, bytes.Repeat(frame[:1], 100)) {
			t.Fatalf("frame %d interleaved", i)
		}
	}
}

func TestFramerLogging(t *testing.T) {
	logger := &captureLogger{}
	buf := new(bytes.Buffer)
	f := NewFramer(buf, 0)
	f.SetLogger(logger, "sess-1", log.RoleController, "ip://10.0.0.5:19876")

	large := bytes.Repeat([]byte("z"), MaxLogFrameDataSize+10)
	if err := f.WriteFrame(large); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ReadFrame(); err != nil {
		t.Fatal(err)
	}

	events := logger.all()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	out, in := events[0], events[1]
	if out.Direction != log.DirectionOut || in.Direction != log.DirectionIn {
		t.Errorf("directions = %v, %v", out.Direction, in.Direction)
	}
	if out.SessionID != "sess-1" || out.RemoteURI != "ip://10.0.0.5:19876" {
		t.Errorf("unexpected event context: %+v", out)
	}
	if !out.Frame.Truncated || len(out.Frame.Data) != MaxLogFrameDataSize {
		t.Errorf("frame not truncated: %d bytes", len(out.Frame.Data))
	}
	if out.Frame.Size != LengthPrefixSize+len(large) {
		t.Errorf("frame size = %d", out.Frame.Size)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

type captureLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (c *captureLogger) Log(e log.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureLogger) all() []log.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]log.Event(nil), c.events...)
}
