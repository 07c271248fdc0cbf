// Command d2d-controller discovers d2d devices, bonds with them and opens
// sessions to them.
//
// Usage:
//
//	d2d-controller [flags]
//
// Flags:
//
//	-config string            Configuration file path (YAML)
//	-interactive              Enable interactive command mode
//	-duration string          Round length when not interactive (default "inf")
//	-anonymous                Accept devices that are not bonded
//	-software string          Artifact file sessions require on the peer
//	-software-name string     Package name of the artifact
//	-software-version int     Build number of the artifact
//	-auto-push                Push the artifact without asking
//	-metered                  Treat the current link as metered
//	-event-log string         Write lifecycle events to this .dlog file
//
// Examples:
//
//	# Interactive discovery and binding
//	d2d-controller -interactive
//
//	# Log every device on the network until interrupted
//	d2d-controller -anonymous -log-level debug
//
//	# Require sessions to run the demo app, pushing it when missing
//	d2d-controller -interactive -software demo.bin -software-name demo -software-version 3
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/d2d-protocol/d2d-go/cmd/d2d-controller/interactive"
	"github.com/d2d-protocol/d2d-go/internal/node"
	"github.com/d2d-protocol/d2d-go/pkg/connection"
	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/discovery"
	"github.com/d2d-protocol/d2d-go/pkg/identity"
	"github.com/d2d-protocol/d2d-go/pkg/pushinstall"
	"github.com/d2d-protocol/d2d-go/pkg/transport"
)

var (
	overrides   = node.RegisterFlags(flag.CommandLine)
	interact    = flag.Bool("interactive", false, "Enable interactive command mode")
	durationArg = flag.String("duration", "inf", "Round length when not interactive: seconds, inf or best")
	anonymous   = flag.Bool("anonymous", false, "Accept devices that are not bonded")
	software    = flag.String("software", "", "Artifact file sessions require on the peer")
	swName      = flag.String("software-name", "", "Package name of the artifact (default: file name)")
	swVersion   = flag.Int("software-version", 1, "Build number of the artifact")
	autoPush    = flag.Bool("auto-push", false, "Push the artifact without asking")
	metered     = flag.Bool("metered", false, "Treat the current link as metered")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := overrides.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ic *interactive.Controller
	var out io.Writer = os.Stdout
	if *interact {
		ic, err = interactive.New(interactive.Config{
			ConnectTimeout: cfg.Connection.ConnectTimeout,
			AutoPush:       *autoPush,
		})
		if err != nil {
			return err
		}
		// Log output goes through readline so it does not clobber the prompt.
		out = ic.Stdout()
	}

	nd, err := node.New(cfg, identity.NewFileSource(cfg.Device.IdentityDir), out)
	if err != nil {
		return err
	}
	defer nd.Close()
	logger := nd.Logger

	artifact, err := loadArtifact(*software, *swName, *swVersion)
	if err != nil {
		return err
	}

	worker, err := discovery.NewMDNSWorker(discovery.BrowserConfig{
		Interface: cfg.Network.Interface,
		Self:      nd.Local.Identity(),
		CacheSize: cfg.Discovery.CacheSize,
		Logger:    logger.With("component", "mdns"),
	})
	if err != nil {
		return fmt.Errorf("create mdns worker: %w", err)
	}

	disc, err := discovery.NewManager(discovery.Config{
		Store:       nd.Store,
		Workers:     []discovery.Worker{worker},
		BestEffort:  cfg.Discovery.BestEffort,
		GracePeriod: cfg.Discovery.GracePeriod,
		Shards:      cfg.Discovery.Shards,
		QueueSize:   cfg.Discovery.QueueSize,
		Logger:      logger.With("component", "discovery"),
		EventLogger: nd.Events,
	})
	if err != nil {
		return err
	}
	defer disc.Close()

	dialer, err := transport.NewDialer(transport.DialerConfig{
		Credentials: nd.Credentials,
		Local:       nd.PeerInfo(),
		Software:    softwareName(artifact),
		KeepAlive:   cfg.KeepAliveConfig(),
		Logger:      logger.With("component", "dialer"),
		EventLogger: nd.Events,
	})
	if err != nil {
		return err
	}

	var pushListener pushinstall.Listener = consoleListener{logger: logger, accept: *autoPush}
	var confirm func(device.Record, bool) bool
	if ic != nil {
		pushListener = ic
		ic.SetNode(nd)
		confirm = ic.ConfirmBonding
	}
	installer := pushinstall.NewCoordinator(pushinstall.Config{
		Listener:      pushListener,
		Metered:       func() bool { return *metered },
		AnswerTimeout: cfg.Install.AnswerTimeout,
		Logger:        logger.With("component", "pushinstall"),
		EventLogger:   nd.Events,
	})

	conns, err := connection.NewManager(connection.Config{
		Store:                 nd.Store,
		Pairing:               nd.Pairing,
		Openers:               map[device.Transport]transport.Opener{device.TransportNetwork: dialer},
		ConfirmBonding:        confirm,
		Software:              artifact,
		Installer:             installer,
		InstallFlags:          pushinstall.Flags{Force: cfg.Install.AllowMetered, ReplaceExisting: cfg.Install.ReplaceExisting},
		MinAttemptTimeout:     cfg.Connection.MinAttemptTimeout,
		DefaultExecuteTimeout: cfg.Connection.ExecuteTimeout,
		Logger:                logger.With("component", "connection"),
		EventLogger:           nd.Events,
	})
	if err != nil {
		return err
	}
	defer conns.Close()

	if ic != nil {
		ic.Attach(disc, conns)
		go ic.Run(ctx, cancel)
	} else if err := startRound(ctx, disc, logger); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	return nil
}

// startRound runs the single round of non-interactive mode and logs what it
// finds.
func startRound(ctx context.Context, disc *discovery.Manager, logger *slog.Logger) error {
	d, err := interactive.ParseDuration(*durationArg)
	if err != nil {
		return err
	}
	flags := device.Flags{AcceptAnonymous: *anonymous}

	disc.Subscribe(discovery.ListenerFuncs{
		Discover: func(rec device.Record, isUpdate bool) {
			logger.Info("device sighted",
				"device_id", rec.UUID(),
				"name", rec.Name,
				"trust", rec.Trust,
				"endpoints", rec.URIs(),
				"update", isUpdate)
		},
	})
	r, err := disc.StartDiscovery(ctx, flags, d)
	if err != nil {
		return err
	}
	logger.Info("discovery started", "duration", r.Duration(), "anonymous", *anonymous)
	return nil
}

func loadArtifact(path, name string, version int) (*pushinstall.Artifact, error) {
	if path == "" {
		return nil, nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("software artifact: %w", err)
	}
	if fi.IsDir() {
		return nil, errors.New("software artifact is a directory")
	}
	if name == "" {
		name = fi.Name()
	}
	a := &pushinstall.Artifact{
		Name:    name,
		Version: version,
		Size:    fi.Size(),
		Open:    func() (io.ReadCloser, error) { return os.Open(path) },
	}
	return a, a.Validate()
}

func softwareName(a *pushinstall.Artifact) string {
	if a == nil {
		return ""
	}
	return a.Name
}

// consoleListener answers push-install consent without a terminal.
type consoleListener struct {
	logger *slog.Logger
	accept bool
}

func (l consoleListener) AskIsPushApk(peer device.Record, a pushinstall.Artifact) bool {
	l.logger.Info("push-install requested", "device_id", peer.UUID(), "artifact", a.Name, "accepted", l.accept)
	return l.accept
}

func (l consoleListener) OnProgress(peer device.Record, percent int) {
	l.logger.Debug("push-install progress", "device_id", peer.UUID(), "percent", percent)
}

func (l consoleListener) OnFinish(peer device.Record, res pushinstall.Result) {
	l.logger.Info("push-install finished", "device_id", peer.UUID(), "status", res.Status, "error", res.Err)
}
