package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeepAliveConfig(t *testing.T) {
	cfg := DefaultKeepAliveConfig()
	if got, want := cfg.DetectionDelay(), 95*time.Second; got != want {
		t.Errorf("DetectionDelay = %v, want %v", got, want)
	}

	filled := KeepAliveConfig{PingInterval: time.Second}.withDefaults()
	if filled.PingInterval != time.Second || filled.PongTimeout != DefaultPongTimeout || filled.MaxMissedPongs != DefaultMaxMissedPongs {
		t.Errorf("withDefaults = %+v", filled)
	}
}

func TestKeepAliveAnswered(t *testing.T) {
	var ka *KeepAlive
	var timedOut atomic.Bool
	ka = NewKeepAlive(KeepAliveConfig{
		PingInterval:   20 * time.Millisecond,
		PongTimeout:    10 * time.Millisecond,
		MaxMissedPongs: 2,
	}, func(seq uint32) error {
		go ka.PongReceived(seq)
		return nil
	}, func() { timedOut.Store(true) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ka.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	ka.Stop()

	if timedOut.Load() {
		t.Error("answered pings must not time out")
	}
	stats := ka.Stats()
	if stats.Seq < 3 {
		t.Errorf("Seq = %d, want at least 3 pings", stats.Seq)
	}
	if stats.MissedPongs != 0 {
		t.Errorf("MissedPongs = %d", stats.MissedPongs)
	}
	if ka.IsRunning() {
		t.Error("still running after Stop")
	}
}

func TestKeepAliveTimeout(t *testing.T) {
	done := make(chan struct{})
	ka := NewKeepAlive(KeepAliveConfig{
		PingInterval:   10 * time.Millisecond,
		PongTimeout:    5 * time.Millisecond,
		MaxMissedPongs: 3,
	}, func(uint32) error { return nil }, func() { close(done) })

	ka.Start(context.Background())
	defer ka.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout callback not called")
	}
	if got := ka.Stats().MissedPongs; got != 3 {
		t.Errorf("MissedPongs = %d, want 3", got)
	}
}

func TestKeepAliveStaleSequenceIgnored(t *testing.T) {
	ka := NewKeepAlive(KeepAliveConfig{}, func(uint32) error { return nil }, nil)
	ka.ping()
	ka.ping()
	ka.pong(1)
	if !ka.pending {
		t.Error("pong for an older ping must not clear the pending ping")
	}
	ka.pong(2)
	if ka.pending {
		t.Error("matching pong should clear the pending ping")
	}
}
