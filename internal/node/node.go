// Package node assembles the components every d2d command needs: the local
// identity, the device store with its pairing controller and bond
// persistence, and the two logging layers.
package node

import (
	"fmt"
	"io"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/d2d-protocol/d2d-go/pkg/config"
	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/discovery"
	"github.com/d2d-protocol/d2d-go/pkg/identity"
	"github.com/d2d-protocol/d2d-go/pkg/log"
	"github.com/d2d-protocol/d2d-go/pkg/pairing"
	"github.com/d2d-protocol/d2d-go/pkg/persistence"
	"github.com/d2d-protocol/d2d-go/pkg/transport"
)

// ProtocolVersion is the framework version announced by this build.
const ProtocolVersion = 1

// Node holds the shared components of one running device.
type Node struct {
	Config      *config.Config
	Local       *identity.Local
	Credentials *transport.Credentials
	Features    device.FeatureMask

	Store   *device.Store
	Pairing *pairing.Controller

	Logger *slog.Logger
	Events log.Logger

	closers []io.Closer
}

// New builds a node from cfg. Operational logs go to out. Persisted bonds are
// restored into the store before New returns.
func New(cfg *config.Config, src identity.Source, out io.Writer) (_ *Node, err error) {
	n := &Node{Config: cfg}
	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()

	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	n.Logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))

	if n.Events, err = n.openEventLog(level); err != nil {
		return nil, err
	}

	if n.Local, err = src.Load(); err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if n.Credentials, err = n.Local.Credentials(); err != nil {
		return nil, fmt.Errorf("issue credentials: %w", err)
	}
	if n.Features, err = cfg.FeatureMask(); err != nil {
		return nil, err
	}

	n.Store, err = device.NewStore(device.StoreConfig{
		PrunePolicy: cfg.PrunePolicy(),
		Logger:      n.Logger.With("component", "store"),
	})
	if err != nil {
		return nil, err
	}

	bonds, err := n.openBondStore()
	if err != nil {
		return nil, err
	}
	n.Pairing = pairing.NewController(n.Store, pairing.Config{
		Bonds:  bonds,
		Logger: n.Logger.With("component", "pairing"),
	})
	restored, err := n.Pairing.Restore()
	if err != nil {
		return nil, err
	}
	n.Logger.Info("node ready",
		"device_id", n.Local.ID,
		"fingerprint", n.Local.Identity().Fingerprint(),
		"bonds_restored", restored)
	return n, nil
}

// openEventLog opens the CBOR event file when configured. At debug level the
// events are mirrored to the operational log.
func (n *Node) openEventLog(level slog.Level) (log.Logger, error) {
	var sinks []log.Logger
	if path := n.Config.Log.EventLog; path != "" {
		fl, err := log.NewFileLogger(path)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		n.closers = append(n.closers, fl)
		sinks = append(sinks, fl)
	}
	if level <= slog.LevelDebug {
		sinks = append(sinks, log.NewSlogAdapter(n.Logger.With("component", "events")))
	}
	switch len(sinks) {
	case 0:
		return log.NoopLogger{}, nil
	case 1:
		return sinks[0], nil
	default:
		return log.NewMultiLogger(sinks...), nil
	}
}

func (n *Node) openBondStore() (pairing.BondStore, error) {
	switch n.Config.Pairing.BondStore {
	case config.BondStoreSQLite:
		s, err := persistence.OpenSQLiteBondStore(n.Config.Pairing.BondPath)
		if err != nil {
			return nil, fmt.Errorf("open bond database: %w", err)
		}
		n.closers = append(n.closers, s)
		return s, nil
	default:
		return persistence.NewBondFileStore(n.Config.Pairing.BondPath), nil
	}
}

// PeerInfo describes this device in handshakes.
func (n *Node) PeerInfo() transport.PeerInfo {
	return transport.PeerInfo{
		Identity:        n.Local.Identity(),
		Name:            n.Config.Device.Name,
		ProtocolVersion: ProtocolVersion,
		OS:              n.Config.Device.OS,
		Features:        n.Features,
	}
}

// Announcement describes this device for mDNS.
func (n *Node) Announcement(port int) *discovery.Announcement {
	return &discovery.Announcement{
		Identity:        n.Local.Identity(),
		Name:            n.Config.Device.Name,
		ProtocolVersion: ProtocolVersion,
		OS:              n.Config.Device.OS,
		Features:        n.Features,
		Port:            port,
	}
}

// VerificationCode returns the code both users compare before bonding with
// the peer holding remoteKey.
func (n *Node) VerificationCode(remoteKey []byte) (string, error) {
	return pairing.VerificationCode(n.Local.PublicKey(), remoteKey, nil)
}

// Close releases the event log and bond database.
func (n *Node) Close() error {
	if n == nil {
		return nil
	}
	var err error
	for i := len(n.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, n.closers[i].Close())
	}
	n.closers = nil
	return err
}
