// Command d2d-peer is a d2d device that controllers discover and bind to.
//
// It advertises itself over mDNS, serves sessions on the session port and
// answers push-install offers by storing the artifacts it accepts.
//
// Usage:
//
//	d2d-peer [flags]
//
// Flags:
//
//	-config string          Configuration file path (YAML)
//	-policy string          Who may open sessions: anonymous or bonded (default "anonymous")
//	-bond string            Bond with the controller in this summary text (repeatable)
//	-accept-installs        Accept push-install offers
//	-accept-unknown         Accept installs from controllers that are not bonded
//	-host string            Address put in the printed summary text
//	-event-log string       Write lifecycle events to this .dlog file
//
// Sending SIGHUP re-reads the configuration file and updates the
// advertised name and features.
//
// Examples:
//
//	# Open to everyone, print the summary text for out-of-band exchange
//	d2d-peer -name "Living Room TV" -features screen,speaker
//
//	# Only bonded controllers, accept software pushes from them
//	d2d-peer -policy bonded -bond D2D:1:... -accept-installs
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/d2d-protocol/d2d-go/internal/node"
	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/discovery"
	"github.com/d2d-protocol/d2d-go/pkg/identity"
	"github.com/d2d-protocol/d2d-go/pkg/oob"
	"github.com/d2d-protocol/d2d-go/pkg/transport"
)

var (
	overrides     = node.RegisterFlags(flag.CommandLine)
	policy        = flag.String("policy", PolicyAnonymous, "Who may open sessions: anonymous or bonded")
	acceptInstall = flag.Bool("accept-installs", false, "Accept push-install offers")
	acceptUnknown = flag.Bool("accept-unknown", false, "Accept installs from controllers that are not bonded")
	host          = flag.String("host", "", "Address put in the printed summary text (default: first non-loopback IPv4)")
	bondTexts     []string
)

func init() {
	flag.Func("bond", "Bond with the controller in this summary text (repeatable)", func(s string) error {
		bondTexts = append(bondTexts, s)
		return nil
	})
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if *policy != PolicyAnonymous && *policy != PolicyBonded {
		return fmt.Errorf("unknown policy %q", *policy)
	}
	cfg, err := overrides.Load()
	if err != nil {
		return err
	}

	nd, err := node.New(cfg, identity.NewFileSource(cfg.Device.IdentityDir), os.Stdout)
	if err != nil {
		return err
	}
	defer nd.Close()
	logger := nd.Logger

	for _, text := range bondTexts {
		if err := importBond(nd, text); err != nil {
			return err
		}
	}

	store, err := openArtifactStore(cfg.Install.ArtifactDir)
	if err != nil {
		return err
	}
	store.accept = *acceptInstall
	store.acceptUnknown = *acceptUnknown
	store.bonded = func(p transport.PeerInfo) bool { return nd.Store.IsBonded(p.Identity.UUID) }
	store.logger = logger.With("component", "installer")

	srv, err := transport.NewServer(transport.ServerConfig{
		Address:     net.JoinHostPort("", strconv.Itoa(cfg.Network.Port)),
		Credentials: nd.Credentials,
		Local:       nd.PeerInfo(),
		Handler: &services{
			nd:      nd,
			store:   store,
			started: time.Now(),
			now:     time.Now,
		},
		Installer:       store,
		Authorize:       authorizer(*policy, nd.Store),
		MaxArtifactSize: cfg.Install.MaxArtifactBytes,
		OnConnect:       func(c *transport.Conn) { logConnect(nd, c) },
		OnDisconnect: func(c *transport.Conn) {
			logger.Info("session closed", "session_id", c.SessionID(), "device_id", c.Peer().Identity.UUID, "error", c.Err())
		},
		Logger:      logger.With("component", "server"),
		EventLogger: nd.Events,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer srv.Stop()
	logger.Info("serving", "addr", srv.Addr(), "policy", *policy, "device_id", nd.Local.ID)

	if text, err := summaryText(nd, srv.Port()); err == nil {
		fmt.Printf("Summary: %s\n", text)
	} else {
		logger.Warn("no summary text", "error", err)
	}

	var adv *discovery.MDNSAdvertiser
	if cfg.Network.Advertise {
		acfg := discovery.DefaultAdvertiserConfig()
		acfg.Interface = cfg.Network.Interface
		acfg.Logger = logger.With("component", "mdns")
		if adv, err = discovery.NewMDNSAdvertiser(acfg); err != nil {
			return err
		}
		if err := adv.Advertise(ctx, nd.Announcement(srv.Port())); err != nil {
			return err
		}
		defer adv.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			logger.Info("received signal", "signal", sig)
			break
		}
		if err := reload(nd, adv, srv.Port()); err != nil {
			logger.Warn("reload failed", "error", err)
		}
	}

	logger.Info("shutting down")
	return nil
}

// importBond adds the controller described by text to the store and bonds it.
func importBond(nd *node.Node, text string) error {
	rec, err := oob.ParseText(text)
	if err != nil {
		return fmt.Errorf("bond: %w", err)
	}
	if len(rec.Endpoints) == 0 {
		// Controllers do not listen, so their summary carries no endpoint.
		if err := nd.Store.Restore(rec); err != nil {
			return fmt.Errorf("bond: %w", err)
		}
	} else {
		for _, sg := range oob.Sightings(rec) {
			if _, _, err := nd.Store.MergeSighting(sg); err != nil {
				return fmt.Errorf("bond: %w", err)
			}
		}
	}
	if _, err := nd.Pairing.Bond(rec.UUID()); err != nil {
		return fmt.Errorf("bond: %w", err)
	}
	nd.Logger.Info("bonded from summary", "device_id", rec.UUID(), "name", rec.Name)
	return nil
}

// logConnect reports a new session with the code the user compares against
// the controller's screen when bonding.
func logConnect(nd *node.Node, c *transport.Conn) {
	peer := c.Peer()
	attrs := []any{
		"session_id", c.SessionID(),
		"device_id", peer.Identity.UUID,
		"name", peer.Name,
		"bonded", nd.Store.IsBonded(peer.Identity.UUID),
	}
	if code, err := nd.VerificationCode(peer.Identity.PublicKey); err == nil {
		attrs = append(attrs, "verification_code", code)
	}
	nd.Logger.Info("session opened", attrs...)
}

// summaryText is this device's out-of-band summary.
func summaryText(nd *node.Node, port int) (string, error) {
	addr := *host
	if addr == "" {
		var err error
		if addr, err = firstIPv4(); err != nil {
			return "", err
		}
	}
	info := nd.PeerInfo()
	rec := device.Record{
		Identity:        info.Identity,
		Name:            info.Name,
		ProtocolVersion: info.ProtocolVersion,
		OS:              info.OS,
		Features:        info.Features,
		Endpoints: []device.Endpoint{{
			URI:       device.NetworkURI(addr, port),
			Transport: device.TransportNetwork,
		}},
	}
	return oob.FormatText(rec)
}

func firstIPv4() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
			return ipn.IP.String(), nil
		}
	}
	return "", errors.New("no non-loopback IPv4 address")
}

// reload re-reads the configuration and re-announces the new name and
// features. Sessions keep the description they were opened with.
func reload(nd *node.Node, adv *discovery.MDNSAdvertiser, port int) error {
	cfg, err := overrides.Load()
	if err != nil {
		return err
	}
	features, err := cfg.FeatureMask()
	if err != nil {
		return err
	}
	nd.Logger.Info("configuration reloaded", "name", cfg.Device.Name, "features", features)
	if adv == nil {
		return nil
	}
	ann := nd.Announcement(port)
	ann.Name = cfg.Device.Name
	ann.Features = features
	return adv.Update(ann)
}
