package wallet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.Validate())
	cfg.DataDir = t.TempDir()
	require.NoError(t, cfg.Validate())

	for name, mutate := range map[string]func(*Config){
		"levels":     func(c *Config) { c.TreeLevels = 1 },
		"max inputs": func(c *Config) { c.MaxInputs = 4 },
		"no inputs":  func(c *Config) { c.MaxInputs = 0 },
		"poll":       func(c *Config) { c.PollInterval = 0 },
		"timeout":    func(c *Config) { c.ConfirmTimeout = -time.Second },
		"page":       func(c *Config) { c.SyncPageSize = 0 },
	} {
		c := cfg
		mutate(&c)
		require.Error(t, c.Validate(), name)
	}
}

func TestConfigClock(t *testing.T) {
	cfg := DefaultConfig()
	require.WithinDuration(t, time.Now(), cfg.now(), time.Minute)

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	cfg.Now = func() time.Time { return fixed }
	require.Equal(t, fixed.UTC(), cfg.now())
}
