package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "mainnet", cfg.Network)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 3, cfg.MaxViolations)
	assert.Equal(t, 2*time.Minute, cfg.RecycleInterval)
	assert.Equal(t, 10*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.True(t, cfg.VerifyChecksum)
	assert.Empty(t, cfg.SeedNodes)
	assert.Equal(t, "127.0.0.1:9050", cfg.TorProxyAddr)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv(KeyNetwork, "testnet")
	t.Setenv(KeyReadTimeout, "250ms")
	t.Setenv(KeyWriteTimeout, "3s")
	t.Setenv(KeyWorkers, "3")
	t.Setenv(KeyVerifyChecksum, "false")
	t.Setenv(KeySeedNodes, "10.0.0.1:20333, 10.0.0.2 ,,")
	t.Setenv(KeyTorEnabled, "true")

	cfg := Load()

	assert.Equal(t, "testnet", cfg.Network)
	assert.Equal(t, 250*time.Millisecond, cfg.ReadTimeout)
	assert.Equal(t, 3*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 3, cfg.Workers)
	assert.False(t, cfg.VerifyChecksum)
	assert.Equal(t, []string{"10.0.0.1:20333", "10.0.0.2"}, cfg.SeedNodes)
	assert.True(t, cfg.TorEnabled)
}
