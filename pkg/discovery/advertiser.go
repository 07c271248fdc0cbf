package discovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/d2d-protocol/d2d-go/pkg/device"
)

// Advertiser publishes this device so peers can discover it.
type Advertiser interface {
	// Advertise starts advertising a, replacing any current advertisement.
	Advertise(ctx context.Context, a *Announcement) error

	// Update replaces the TXT records of the current advertisement.
	Update(a *Announcement) error

	// Stop withdraws the advertisement.
	Stop() error
}

// AdvertiserConfig configures advertiser behavior.
type AdvertiserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// TTL is the DNS record TTL.
	// Default: 120 seconds.
	TTL time.Duration

	Logger *slog.Logger
}

// DefaultAdvertiserConfig returns the default advertiser configuration.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{TTL: DefaultTTL}
}

// MDNSAdvertiser implements Advertiser using zeroconf.
type MDNSAdvertiser struct {
	config AdvertiserConfig
	logger *slog.Logger

	mu       sync.Mutex
	server   *zeroconf.Server
	instance string
}

// NewMDNSAdvertiser creates a new mDNS advertiser.
func NewMDNSAdvertiser(config AdvertiserConfig) (*MDNSAdvertiser, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MDNSAdvertiser{config: config, logger: logger}, nil
}

// getInterfaces returns the network interfaces to use for advertising.
// Returns nil to use all interfaces.
func (a *MDNSAdvertiser) getInterfaces() []net.Interface {
	if a.config.Interface == "" {
		return nil
	}

	iface, err := net.InterfaceByName(a.config.Interface)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// Advertise starts advertising the announcement.
func (a *MDNSAdvertiser) Advertise(ctx context.Context, ann *Announcement) error {
	txt, err := announcementText(ann)
	if err != nil {
		return err
	}
	instance := ann.InstanceName()
	if err := ValidateInstanceName(instance); err != nil {
		return err
	}

	port := ann.Port
	if port == 0 {
		port = device.DefaultPort
	}

	var opts []zeroconf.ServerOption
	if a.config.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.config.TTL.Seconds())))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Stop existing if any
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	server, err := zeroconf.Register(
		instance,
		ServiceType,
		Domain,
		port,
		txt,
		a.getInterfaces(),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceType, err)
	}

	a.server = server
	a.instance = instance
	a.logger.Info("advertising", "instance", instance, "port", port, "name", ann.Name)
	return nil
}

// Update replaces the TXT records of the current advertisement.
func (a *MDNSAdvertiser) Update(ann *Announcement) error {
	txt, err := announcementText(ann)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server == nil {
		return ErrNotAdvertising
	}
	if ann.InstanceName() != a.instance {
		return fmt.Errorf("%w: instance %s is not advertised", ErrNotAdvertising, ann.InstanceName())
	}
	a.server.SetText(txt)
	return nil
}

// Stop withdraws the advertisement. Stopping twice is a no-op.
func (a *MDNSAdvertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.logger.Info("advertising stopped", "instance", a.instance)
	}
	return nil
}

// announcementText builds and size-checks the TXT strings.
func announcementText(ann *Announcement) ([]string, error) {
	if err := ann.Identity.Validate(); err != nil {
		return nil, err
	}
	txt := TXTRecordsToStrings(EncodeTXT(ann))
	if TXTRecordSize(txt) > MaxTXTRecordSize {
		return nil, ErrTXTRecordTooLarge
	}
	return txt, nil
}

// Ensure MDNSAdvertiser implements Advertiser interface.
var _ Advertiser = (*MDNSAdvertiser)(nil)
