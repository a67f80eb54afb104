package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the sync node.
type Config struct {
	// Network
	Network string

	// Logging
	LogLevel string
	LogFile  string

	// P2P
	P2PAddr          string
	MaxPeers         int
	MinPeers         int
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	RecycleInterval  time.Duration
	PollInterval     time.Duration
	MaxViolations    int
	VerifyChecksum   bool
	SeedNodes        []string

	// Workers
	Workers int

	// Database
	DataDir   string
	CacheSize int

	// Metrics
	MetricsAddr string

	// Tor
	TorEnabled   bool
	TorProxyAddr string
}

// Keys are the environment variable names, also used as viper keys.
const (
	KeyNetwork          = "NETWORK"
	KeyLogLevel         = "LOG_LEVEL"
	KeyLogFile          = "LOG_FILE"
	KeyP2PAddr          = "P2P_ADDR"
	KeyMaxPeers         = "MAX_PEERS"
	KeyMinPeers         = "MIN_PEERS"
	KeyConnectTimeout   = "CONNECT_TIMEOUT"
	KeyReadTimeout      = "READ_TIMEOUT"
	KeyWriteTimeout     = "WRITE_TIMEOUT"
	KeyIdleTimeout      = "IDLE_TIMEOUT"
	KeyHandshakeTimeout = "HANDSHAKE_TIMEOUT"
	KeyRecycleInterval  = "RECYCLE_INTERVAL"
	KeyPollInterval     = "POLL_INTERVAL"
	KeyWorkers          = "WORKERS"
	KeyMaxViolations    = "MAX_VIOLATIONS"
	KeyVerifyChecksum   = "VERIFY_CHECKSUM"
	KeySeedNodes        = "SEED_NODES"
	KeyDataDir          = "DATA_DIR"
	KeyCacheSize        = "CACHE_SIZE"
	KeyMetricsAddr      = "METRICS_ADDR"
	KeyTorEnabled       = "TOR_ENABLED"
	KeyTorProxyAddr     = "TOR_PROXY_ADDR"
)

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyNetwork, "mainnet")

	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFile, "")

	v.SetDefault(KeyP2PAddr, "0.0.0.0:10333")
	v.SetDefault(KeyMaxPeers, 125)
	v.SetDefault(KeyMinPeers, 8)
	v.SetDefault(KeyConnectTimeout, 30*time.Second)
	v.SetDefault(KeyReadTimeout, 10*time.Second)
	v.SetDefault(KeyWriteTimeout, 10*time.Second)
	v.SetDefault(KeyIdleTimeout, 5*time.Minute)
	v.SetDefault(KeyHandshakeTimeout, 15*time.Second)
	v.SetDefault(KeyRecycleInterval, 2*time.Minute)
	v.SetDefault(KeyPollInterval, time.Second)
	v.SetDefault(KeyWorkers, 8)
	v.SetDefault(KeyMaxViolations, 3)
	v.SetDefault(KeyVerifyChecksum, true)
	v.SetDefault(KeySeedNodes, "")

	v.SetDefault(KeyDataDir, ".")
	v.SetDefault(KeyCacheSize, 1024)

	v.SetDefault(KeyMetricsAddr, "")

	v.SetDefault(KeyTorEnabled, false)
	v.SetDefault(KeyTorProxyAddr, "127.0.0.1:9050")
}

// New returns a viper instance reading the environment with defaults set.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.AutomaticEnv()
	return v
}

// Load loads configuration from environment variables.
func Load() *Config {
	return FromViper(New())
}

// FromViper builds a Config from v, which may also carry bound flags.
func FromViper(v *viper.Viper) *Config {
	return &Config{
		Network: v.GetString(KeyNetwork),

		LogLevel: v.GetString(KeyLogLevel),
		LogFile:  v.GetString(KeyLogFile),

		P2PAddr:          v.GetString(KeyP2PAddr),
		MaxPeers:         v.GetInt(KeyMaxPeers),
		MinPeers:         v.GetInt(KeyMinPeers),
		ConnectTimeout:   v.GetDuration(KeyConnectTimeout),
		ReadTimeout:      v.GetDuration(KeyReadTimeout),
		WriteTimeout:     v.GetDuration(KeyWriteTimeout),
		IdleTimeout:      v.GetDuration(KeyIdleTimeout),
		HandshakeTimeout: v.GetDuration(KeyHandshakeTimeout),
		RecycleInterval:  v.GetDuration(KeyRecycleInterval),
		PollInterval:     v.GetDuration(KeyPollInterval),
		MaxViolations:    v.GetInt(KeyMaxViolations),
		VerifyChecksum:   v.GetBool(KeyVerifyChecksum),
		SeedNodes:        splitList(v.GetString(KeySeedNodes)),

		Workers: v.GetInt(KeyWorkers),

		DataDir:   v.GetString(KeyDataDir),
		CacheSize: v.GetInt(KeyCacheSize),

		MetricsAddr: v.GetString(KeyMetricsAddr),

		TorEnabled:   v.GetBool(KeyTorEnabled),
		TorProxyAddr: v.GetString(KeyTorProxyAddr),
	}
}

// splitList splits a comma separated list, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
