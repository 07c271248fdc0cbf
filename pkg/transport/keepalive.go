package transport

import (
	"context"
	"sync"
	"time"
)

// Keep-alive defaults. Loss is detected after at most
// PingInterval*MaxMissedPongs + PongTimeout.
const (
	DefaultPingInterval   = 30 * time.Second
	DefaultPongTimeout    = 5 * time.Second
	DefaultMaxMissedPongs = 3
)

// KeepAliveConfig configures channel liveness monitoring.
type KeepAliveConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMissedPongs int
}

// DefaultKeepAliveConfig returns the default keep-alive configuration.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		PingInterval:   DefaultPingInterval,
		PongTimeout:    DefaultPongTimeout,
		MaxMissedPongs: DefaultMaxMissedPongs,
	}
}

// DetectionDelay is the longest time a dead channel goes unnoticed.
func (c KeepAliveConfig) DetectionDelay() time.Duration {
	return c.PingInterval*time.Duration(c.MaxMissedPongs) + c.PongTimeout
}

func (c KeepAliveConfig) withDefaults() KeepAliveConfig {
	d := DefaultKeepAliveConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = d.MaxMissedPongs
	}
	return c
}

// KeepAliveStats is a snapshot of the monitor.
type KeepAliveStats struct {
	LastPing    time.Time
	LastPong    time.Time
	MissedPongs int
	Seq         uint32
	Latency     time.Duration
}

// KeepAlive pings periodically and calls onTimeout once MaxMissedPongs
// consecutive pings went unanswered.
type KeepAlive struct {
	cfg       KeepAliveConfig
	sendPing  func(seq uint32) error
	onTimeout func()

	mu      sync.Mutex
	stats   KeepAliveStats
	pending bool
	running bool
	stopCh  chan struct{}
	pongCh  chan uint32
}

// NewKeepAlive creates a monitor. Zero config fields take defaults.
func NewKeepAlive(cfg KeepAliveConfig, sendPing func(seq uint32) error, onTimeout func()) *KeepAlive {
	return &KeepAlive{
		cfg:       cfg.withDefaults(),
		sendPing:  sendPing,
		onTimeout: onTimeout,
		pongCh:    make(chan uint32, 1),
	}
}

// Start begins monitoring until ctx is done or Stop is called.
func (ka *KeepAlive) Start(ctx context.Context) {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if ka.running {
		return
	}
	ka.running = true
	ka.stopCh = make(chan struct{})
	go ka.loop(ctx, ka.stopCh)
}

// Stop ends monitoring. It is safe to call more than once.
func (ka *KeepAlive) Stop() {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if !ka.running {
		return
	}
	ka.running = false
	close(ka.stopCh)
}

// IsRunning reports whether the monitor is active.
func (ka *KeepAlive) IsRunning() bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.running
}

// PongReceived feeds a pong into the monitor.
func (ka *KeepAlive) PongReceived(seq uint32) {
	select {
	case ka.pongCh <- seq:
	default:
	}
}

// Stats returns the current statistics.
func (ka *KeepAlive) Stats() KeepAliveStats {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.stats
}

func (ka *KeepAlive) loop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(ka.cfg.PingInterval)
	defer ticker.Stop()

	ka.ping()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case seq := <-ka.pongCh:
			ka.pong(seq)
		case <-ticker.C:
			if ka.tick() {
				if ka.onTimeout != nil {
					ka.onTimeout()
				}
				return
			}
			ka.ping()
		}
	}
}

func (ka *KeepAlive) ping() {
	ka.mu.Lock()
	ka.stats.Seq++
	seq := ka.stats.Seq
	ka.stats.LastPing = time.Now()
	ka.pending = true
	ka.mu.Unlock()

	// A failed send is counted as a missed pong on the next tick.
	_ = ka.sendPing(seq)
}

// tick accounts for an unanswered ping and reports whether the channel is dead.
func (ka *KeepAlive) tick() bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if ka.pending && time.Since(ka.stats.LastPing) >= ka.cfg.PongTimeout {
		ka.pending = false
		ka.stats.MissedPongs++
	}
	return ka.stats.MissedPongs >= ka.cfg.MaxMissedPongs
}

func (ka *KeepAlive) pong(seq uint32) {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	now := time.Now()
	ka.stats.LastPong = now
	// Late pongs for an older ping are ignored.
	if ka.pending && seq == ka.stats.Seq {
		ka.pending = false
		ka.stats.MissedPongs = 0
		ka.stats.Latency = now.Sub(ka.stats.LastPing)
	}
}
