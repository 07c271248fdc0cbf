package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d2d-protocol/d2d-go/pkg/device"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, device.DefaultPort, cfg.Network.Port)
	assert.Equal(t, device.PruneAutomatic, cfg.PrunePolicy())
	assert.Equal(t, BondStoreJSON, cfg.Pairing.BondStore)
}

func TestParse(t *testing.T) {
	t.Run("OverridesDefaults", func(t *testing.T) {
		cfg, err := Parse([]byte(`
device:
  name: kitchen
  features: [screen, speaker]
network:
  port: 4000
discovery:
  best_effort: 2s
pairing:
  bond_store: sqlite
  bond_path: /tmp/bonds.db
  prune_policy: manual
log:
  level: debug
`))
		require.NoError(t, err)
		assert.Equal(t, "kitchen", cfg.Device.Name)
		assert.Equal(t, 4000, cfg.Network.Port)
		assert.Equal(t, 2*time.Second, cfg.Discovery.BestEffort)
		assert.Equal(t, Default().Discovery.GracePeriod, cfg.Discovery.GracePeriod)
		assert.Equal(t, device.PruneManual, cfg.PrunePolicy())

		mask, err := cfg.FeatureMask()
		require.NoError(t, err)
		assert.Equal(t, device.FeatureScreen|device.FeatureSpeaker, mask)

		level, err := cfg.SlogLevel()
		require.NoError(t, err)
		assert.Equal(t, slog.LevelDebug, level)
	})

	t.Run("Invalid", func(t *testing.T) {
		tests := []struct {
			name string
			yaml string
		}{
			{"Syntax", "device: [unclosed"},
			{"Port", "network: {port: 70000}"},
			{"Feature", "device: {features: [teleport]}"},
			{"BondStore", "pairing: {bond_store: redis}"},
			{"Prune", "pairing: {prune_policy: sometimes}"},
			{"Level", "log: {level: loud}"},
			{"BestEffort", "discovery: {best_effort: 0s}"},
			{"Duration", "connection: {connect_timeout: soon}"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := Parse([]byte(tt.yaml))
				assert.ErrorIs(t, err, ErrInvalid)
			})
		}
	})

	t.Run("CollectsAllProblems", func(t *testing.T) {
		cfg := Default()
		cfg.Network.Port = 0
		cfg.Device.Name = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "network.port")
		assert.Contains(t, err.Error(), "device.name")
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "d2d.yaml")

	orig := Default()
	orig.Device.Name = "roundtrip"
	orig.Device.Features = []string{"screen", "wifi"}
	orig.Install.AllowMetered = true
	data, err := orig.Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, orig, got)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestKeepAliveConfig(t *testing.T) {
	cfg := Default()
	ka := cfg.KeepAliveConfig()
	require.NotNil(t, ka)
	assert.Equal(t, 30*time.Second, ka.PingInterval)
	assert.Positive(t, ka.MaxMissedPongs)

	cfg.Connection.KeepAlive = 0
	assert.Nil(t, cfg.KeepAliveConfig())

	cfg.Connection.KeepAlive = -time.Second
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
}
