package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/d2d-protocol/d2d-go/pkg/connection"
	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/discovery"
	"github.com/d2d-protocol/d2d-go/pkg/pushinstall"
	"github.com/d2d-protocol/d2d-go/pkg/transport"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Bond store backends.
const (
	BondStoreJSON   = "json"
	BondStoreSQLite = "sqlite"
)

// Config is the on-disk configuration shared by the commands.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Network    NetworkConfig    `yaml:"network"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Connection ConnectionConfig `yaml:"connection"`
	Pairing    PairingConfig    `yaml:"pairing"`
	Install    InstallConfig    `yaml:"install"`
	Log        LogConfig        `yaml:"log"`
}

// DeviceConfig describes this device.
type DeviceConfig struct {
	Name     string   `yaml:"name"`
	OS       string   `yaml:"os"`
	Features []string `yaml:"features"`

	// IdentityDir holds the identity key and UUID.
	IdentityDir string `yaml:"identity_dir"`
}

// NetworkConfig selects the interface and port.
type NetworkConfig struct {
	Interface string `yaml:"interface"`
	Port      int    `yaml:"port"`
	Advertise bool   `yaml:"advertise"`
}

// DiscoveryConfig tunes discovery rounds.
type DiscoveryConfig struct {
	BestEffort  time.Duration `yaml:"best_effort"`
	GracePeriod time.Duration `yaml:"grace_period"`
	Shards      int           `yaml:"shards"`
	QueueSize   int           `yaml:"queue_size"`
	CacheSize   int           `yaml:"cache_size"`
}

// ConnectionConfig tunes Bind and sessions.
type ConnectionConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	MinAttemptTimeout time.Duration `yaml:"min_attempt_timeout"`
	ExecuteTimeout    time.Duration `yaml:"execute_timeout"`

	// KeepAlive is the ping interval on dialed channels. Zero disables it.
	KeepAlive time.Duration `yaml:"keep_alive"`
}

// PairingConfig selects bond persistence and pruning.
type PairingConfig struct {
	BondStore   string `yaml:"bond_store"`
	BondPath    string `yaml:"bond_path"`
	PrunePolicy string `yaml:"prune_policy"`
}

// InstallConfig tunes push-install.
type InstallConfig struct {
	AnswerTimeout    time.Duration `yaml:"answer_timeout"`
	AllowMetered     bool          `yaml:"allow_metered"`
	ReplaceExisting  bool          `yaml:"replace_existing"`
	ArtifactDir      string        `yaml:"artifact_dir"`
	MaxArtifactBytes int64         `yaml:"max_artifact_bytes"`
}

// LogConfig controls operational and event logging.
type LogConfig struct {
	Level    string `yaml:"level"`
	EventLog string `yaml:"event_log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dir := defaultDataDir()
	host, _ := os.Hostname()
	if host == "" {
		host = "d2d-device"
	}
	return &Config{
		Device: DeviceConfig{
			Name:        host,
			OS:          "linux",
			IdentityDir: filepath.Join(dir, "identity"),
		},
		Network: NetworkConfig{
			Port:      device.DefaultPort,
			Advertise: true,
		},
		Discovery: DiscoveryConfig{
			BestEffort:  discovery.DefaultBestEffort,
			GracePeriod: discovery.DefaultGracePeriod,
			Shards:      discovery.DefaultShards,
			QueueSize:   discovery.DefaultQueueSize,
			CacheSize:   discovery.DefaultCacheSize,
		},
		Connection: ConnectionConfig{
			ConnectTimeout:    connection.DefaultConnectTimeout,
			MinAttemptTimeout: connection.DefaultMinAttemptTimeout,
			ExecuteTimeout:    connection.DefaultExecuteTimeout,
			KeepAlive:         transport.DefaultPingInterval,
		},
		Pairing: PairingConfig{
			BondStore:   BondStoreJSON,
			BondPath:    filepath.Join(dir, "bonds.json"),
			PrunePolicy: strings.ToLower(device.PruneAutomatic.String()),
		},
		Install: InstallConfig{
			AnswerTimeout:    pushinstall.DefaultAnswerTimeout,
			ArtifactDir:      filepath.Join(dir, "artifacts"),
			MaxArtifactBytes: 256 << 20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".d2d"
	}
	return filepath.Join(home, ".d2d")
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Device.Name != "", "device.name is empty")
	check(c.Device.IdentityDir != "", "device.identity_dir is empty")
	if _, err := c.FeatureMask(); err != nil {
		errs = append(errs, err)
	}
	check(c.Network.Port > 0 && c.Network.Port <= 65535, "network.port %d out of range", c.Network.Port)
	check(c.Discovery.BestEffort > 0, "discovery.best_effort must be positive")
	check(c.Discovery.GracePeriod >= 0, "discovery.grace_period is negative")
	check(c.Discovery.Shards > 0, "discovery.shards must be positive")
	check(c.Discovery.QueueSize >= 0, "discovery.queue_size is negative")
	check(c.Discovery.CacheSize > 0, "discovery.cache_size must be positive")
	check(c.Connection.ConnectTimeout > 0, "connection.connect_timeout must be positive")
	check(c.Connection.MinAttemptTimeout > 0, "connection.min_attempt_timeout must be positive")
	check(c.Connection.ExecuteTimeout > 0, "connection.execute_timeout must be positive")
	check(c.Connection.KeepAlive >= 0, "connection.keep_alive is negative")
	check(c.Pairing.BondStore == BondStoreJSON || c.Pairing.BondStore == BondStoreSQLite,
		"pairing.bond_store %q is not %s or %s", c.Pairing.BondStore, BondStoreJSON, BondStoreSQLite)
	check(c.Pairing.BondPath != "", "pairing.bond_path is empty")
	if _, err := device.ParsePrunePolicy(c.Pairing.PrunePolicy); err != nil {
		errs = append(errs, fmt.Errorf("%w: pairing.prune_policy: %v", ErrInvalid, err))
	}
	check(c.Install.AnswerTimeout > 0, "install.answer_timeout must be positive")
	check(c.Install.MaxArtifactBytes > 0, "install.max_artifact_bytes must be positive")
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	return multierr.Combine(errs...)
}

// FeatureMask converts the named features.
func (c *Config) FeatureMask() (device.FeatureMask, error) {
	var m device.FeatureMask
	for _, name := range c.Device.Features {
		f, ok := device.FeatureByName(name)
		if !ok {
			return 0, fmt.Errorf("%w: unknown feature %q", ErrInvalid, name)
		}
		m = m.With(f)
	}
	return m, nil
}

// KeepAliveConfig returns the liveness settings for dialed channels, or nil
// when keep-alive is disabled.
func (c *Config) KeepAliveConfig() *transport.KeepAliveConfig {
	if c.Connection.KeepAlive <= 0 {
		return nil
	}
	ka := transport.DefaultKeepAliveConfig()
	ka.PingInterval = c.Connection.KeepAlive
	return &ka
}

// PrunePolicy returns the parsed prune policy.
func (c *Config) PrunePolicy() device.PrunePolicy {
	p, err := device.ParsePrunePolicy(c.Pairing.PrunePolicy)
	if err != nil {
		return device.PruneAutomatic
	}
	return p
}

// SlogLevel parses log.level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}
	return l, nil
}
