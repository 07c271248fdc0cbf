package node

import (
	"flag"
	"strings"

	"github.com/d2d-protocol/d2d-go/pkg/config"
)

// Overrides are the command-line flags that replace configuration file values.
// Empty strings and zero ports leave the file value in place.
type Overrides struct {
	ConfigFile  string
	Name        string
	Interface   string
	Port        int
	LogLevel    string
	EventLog    string
	IdentityDir string
	BondStore   string
	BondPath    string
	PrunePolicy string
	Features    string
}

// RegisterFlags registers the shared flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Overrides {
	o := &Overrides{}
	fs.StringVar(&o.ConfigFile, "config", "", "Configuration file path (YAML)")
	fs.StringVar(&o.Name, "name", "", "Display name of this device")
	fs.StringVar(&o.Interface, "interface", "", "Network interface for mDNS (default: all)")
	fs.IntVar(&o.Port, "port", 0, "Session service port")
	fs.StringVar(&o.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&o.EventLog, "event-log", "", "Write lifecycle events to this .dlog file")
	fs.StringVar(&o.IdentityDir, "identity-dir", "", "Directory holding the device identity")
	fs.StringVar(&o.BondStore, "bond-store", "", "Bond persistence: json or sqlite")
	fs.StringVar(&o.BondPath, "bond-path", "", "Bond file or database path")
	fs.StringVar(&o.PrunePolicy, "prune", "", "Prune policy: manual or automatic")
	fs.StringVar(&o.Features, "features", "", "Comma-separated feature names")
	return o
}

// Load reads the configuration file (or the defaults), applies the overrides
// and validates the result.
func (o *Overrides) Load() (*config.Config, error) {
	cfg := config.Default()
	if o.ConfigFile != "" {
		var err error
		if cfg, err = config.Load(o.ConfigFile); err != nil {
			return nil, err
		}
	}
	o.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Apply copies the set overrides into cfg.
func (o *Overrides) Apply(cfg *config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Device.Name, o.Name)
	set(&cfg.Network.Interface, o.Interface)
	set(&cfg.Log.Level, o.LogLevel)
	set(&cfg.Log.EventLog, o.EventLog)
	set(&cfg.Device.IdentityDir, o.IdentityDir)
	set(&cfg.Pairing.BondStore, o.BondStore)
	set(&cfg.Pairing.BondPath, o.BondPath)
	set(&cfg.Pairing.PrunePolicy, o.PrunePolicy)
	if o.Port != 0 {
		cfg.Network.Port = o.Port
	}
	if o.Features != "" {
		cfg.Device.Features = strings.Split(o.Features, ",")
	}
}
