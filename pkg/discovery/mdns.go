package discovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/d2d-protocol/d2d-go/pkg/device"
)

// stableBrowse is how long a browse must run before the restart backoff resets.
const stableBrowse = 30 * time.Second

// browseFunc runs one mDNS browse until ctx ends or it fails.
type browseFunc func(ctx context.Context, entries, removed chan *zeroconf.ServiceEntry, opts ...zeroconf.ClientOption) error

func zeroconfBrowse(ctx context.Context, entries, removed chan *zeroconf.ServiceEntry, opts ...zeroconf.ClientOption) error {
	return zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, opts...)
}

// BrowserConfig configures the mDNS worker.
type BrowserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// Self is skipped when it shows up in browse results.
	Self device.Identity

	// Backoff tunes browse restarts.
	Backoff BackoffConfig

	// CacheSize bounds the de-duplication cache. Default: 256.
	CacheSize int

	Logger *slog.Logger

	browse browseFunc
}

// DefaultBrowserConfig returns the default browser configuration.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{CacheSize: DefaultCacheSize}
}

// MDNSWorker is the network discovery worker. It browses for ServiceType
// and turns every resolved instance into a sighting.
type MDNSWorker struct {
	config BrowserConfig
	logger *slog.Logger

	// seen maps instance name to the last reported endpoint and TXT.
	seen *lru.Cache[string, string]

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewMDNSWorker creates an mDNS worker.
func NewMDNSWorker(config BrowserConfig) (*MDNSWorker, error) {
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultCacheSize
	}
	if config.browse == nil {
		config.browse = zeroconfBrowse
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	seen, err := lru.New[string, string](config.CacheSize)
	if err != nil {
		return nil, err
	}
	return &MDNSWorker{config: config, logger: logger, seen: seen}, nil
}

// Transport returns device.TransportNetwork.
func (w *MDNSWorker) Transport() device.Transport {
	return device.TransportNetwork
}

// Available reports whether a multicast-capable interface is up.
func (w *MDNSWorker) Available() bool {
	if ifaces := w.interfaces(); ifaces != nil {
		return len(ifaces) > 0
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagMulticast != 0 {
			return true
		}
	}
	return false
}

// Start begins browsing. Sightings are de-duplicated for the life of the
// round; the cache is cleared on every Start.
func (w *MDNSWorker) Start(ctx context.Context, q Query) (<-chan device.Sighting, error) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.cancel = cancel
	w.mu.Unlock()

	w.seen.Purge()
	out := make(chan device.Sighting)
	go w.run(ctx, q, out)
	return out, nil
}

// Stop ends the current browse.
func (w *MDNSWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

// run browses until ctx ends, restarting failed browses with backoff.
func (w *MDNSWorker) run(ctx context.Context, q Query, out chan<- device.Sighting) {
	defer close(out)
	bo := NewBackoff(w.config.Backoff)
	for {
		started := time.Now()
		err := w.browseOnce(ctx, q, out)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) >= stableBrowse {
			bo.Reset()
		}
		delay := bo.Next()
		w.logger.Warn("mdns browse ended, restarting", "round_id", q.RoundID, "error", err,
			"delay", delay, "attempt", bo.Attempts())

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// browseOnce runs a single browse. It returns when ctx ends or the browse
// fails.
func (w *MDNSWorker) browseOnce(ctx context.Context, q Query, out chan<- device.Sighting) error {
	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	errc := make(chan error, 1)
	go func() {
		errc <- w.config.browse(bctx, entries, removed, w.clientOptions()...)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return errBrowseClosed
			}
			sg, ok := w.sighting(entry, q)
			if !ok {
				continue
			}
			select {
			case out <- sg:
			case <-ctx.Done():
				return ctx.Err()
			}

		case entry, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			w.seen.Remove(entry.Instance)

		case err := <-errc:
			if err != nil {
				return err
			}
			// Browse returned without error; keep reading until ctx ends.
			errc = nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var errBrowseClosed = errors.New("mdns browse closed its results")

// sighting converts an entry, applying the query filter and the de-duplication
// cache.
func (w *MDNSWorker) sighting(entry *zeroconf.ServiceEntry, q Query) (device.Sighting, bool) {
	a, err := DecodeTXT(StringsToTXTRecords(entry.Text))
	if err != nil {
		w.logger.Debug("ignoring mdns entry", "instance", entry.Instance, "error", err)
		return device.Sighting{}, false
	}
	if a.Identity.UUID == w.config.Self.UUID {
		return device.Sighting{}, false
	}
	if !q.Wants(a.Identity.UUID) {
		return device.Sighting{}, false
	}

	host := preferredAddress(entry)
	if host == "" {
		return device.Sighting{}, false
	}
	uri := device.NetworkURI(host, entry.Port)

	key := uri + "|" + strings.Join(TXTRecordsToStrings(StringsToTXTRecords(entry.Text)), "\x00")
	if prev, ok := w.seen.Get(entry.Instance); ok && prev == key {
		return device.Sighting{}, false
	}
	w.seen.Add(entry.Instance, key)

	return a.Sighting(uri), true
}

// preferredAddress returns the first IPv4 address, else the first IPv6 one.
func preferredAddress(entry *zeroconf.ServiceEntry) string {
	switch {
	case len(entry.AddrIPv4) > 0:
		return entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		return entry.AddrIPv6[0].String()
	default:
		return ""
	}
}

// clientOptions returns zeroconf client options based on config.
func (w *MDNSWorker) clientOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if ifaces := w.interfaces(); len(ifaces) > 0 {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}
	return opts
}

// interfaces returns the configured interface, or nil for all.
func (w *MDNSWorker) interfaces() []net.Interface {
	if w.config.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(w.config.Interface)
	if err != nil {
		return []net.Interface{}
	}
	return []net.Interface{*iface}
}

var _ Worker = (*MDNSWorker)(nil)
