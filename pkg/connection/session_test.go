package connection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/transport"
)

func openSession(t *testing.T, ch *fakeChannel) (*Manager, *Session) {
	t.Helper()
	f := newFixture(t)
	rec := f.sight(t, wifiURI)
	f.wifi.set(wifiURI, openResult{ch: ch})
	m := f.manager(t)
	s, err := m.Bind(context.Background(), DeviceTarget(rec), device.AnonymousFlags(), time.Second)
	require.NoError(t, err)
	return m, s
}

func TestSessionInvoke(t *testing.T) {
	t.Run("Echo", func(t *testing.T) {
		_, s := openSession(t, peerChannel())
		out, err := s.Invoke(context.Background(), "echo", []byte("hi"))
		require.NoError(t, err)
		assert.Equal(t, []byte("hi"), out)
	})

	t.Run("ExecutionTimeoutKeepsSessionOpen", func(t *testing.T) {
		ch := peerChannel()
		ch.invoke = func(ctx context.Context, _ string, p []byte) ([]byte, error) {
			if string(p) == "slow" {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return p, nil
		}
		_, s := openSession(t, ch)
		s.SetExecuteTimeout(20 * time.Millisecond)
		assert.Equal(t, 20*time.Millisecond, s.ExecuteTimeout())

		_, err := s.Invoke(context.Background(), "svc", []byte("slow"))
		assert.ErrorIs(t, err, ErrExecutionTimeout)
		assert.Equal(t, StateOpen, s.State())

		out, err := s.Invoke(context.Background(), "svc", []byte("fast"))
		require.NoError(t, err)
		assert.Equal(t, []byte("fast"), out)
	})

	t.Run("CallerCancellationIsNotATimeout", func(t *testing.T) {
		ch := peerChannel()
		ch.invoke = func(ctx context.Context, _ string, _ []byte) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		_, s := openSession(t, ch)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := s.InvokeTimeout(ctx, "svc", nil, time.Hour)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NotErrorIs(t, err, ErrExecutionTimeout)
	})

	t.Run("RemoteErrorPassesThrough", func(t *testing.T) {
		ch := peerChannel()
		ch.invoke = func(context.Context, string, []byte) ([]byte, error) {
			return nil, &transport.RemoteError{Status: 2, Message: "nope"}
		}
		_, s := openSession(t, ch)
		_, err := s.Invoke(context.Background(), "missing", nil)
		assert.ErrorIs(t, err, transport.ErrUnknownService)
		assert.Equal(t, StateOpen, s.State())
	})

	t.Run("LostChannelClosesSession", func(t *testing.T) {
		ch := peerChannel()
		ch.invoke = func(context.Context, string, []byte) ([]byte, error) {
			return nil, transport.ErrChannelClosed
		}
		m, s := openSession(t, ch)

		_, err := s.Invoke(context.Background(), "svc", nil)
		assert.ErrorIs(t, err, ErrSessionClosed)
		assert.Equal(t, StateClosed, s.State())
		assert.Equal(t, int32(1), ch.closes.Load())
		assert.Zero(t, m.SessionCount())
	})
}

func TestSessionClose(t *testing.T) {
	ch := peerChannel()
	m, s := openSession(t, ch)
	assert.Equal(t, 1, m.SessionCount())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, int32(1), ch.closes.Load())
	assert.Equal(t, StateClosed, s.State())
	assert.Zero(t, m.SessionCount())

	_, err := s.Invoke(context.Background(), "svc", nil)
	assert.True(t, errors.Is(err, ErrSessionClosed))
}

func TestSessionInfo(t *testing.T) {
	_, s := openSession(t, peerChannel())
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, peerID, s.Info().UUID())
	assert.Equal(t, wifiURI, s.URI())
	assert.Equal(t, DefaultExecuteTimeout, s.ExecuteTimeout())
	assert.Equal(t, "OPEN", StateOpen.String())
}
