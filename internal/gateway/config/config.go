// Package config holds the gateway's runtime configuration, loaded from
// defaults, an optional YAML file, and AGENTMUX_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/agentmux/agentmux/internal/gateway/id"
)

// Config holds the gateway's runtime configuration.
type Config struct {
	GatewayID string `koanf:"gateway_id"` // Unique per process; generated and persisted when empty.
	Addr      string `koanf:"addr"`       // Listen address (e.g. ":4580")
	DataDir   string `koanf:"data_dir"`   // Data directory for the DB and gateway identity.
	LogLevel  string `koanf:"log_level"`

	LeaseTimeout      time.Duration `koanf:"lease_timeout"`
	CleanupInterval   time.Duration `koanf:"cleanup_interval"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	MaxSessionAge     time.Duration `koanf:"max_session_age"`
	StaleLeaseTimeout time.Duration `koanf:"stale_lease_timeout"`

	PersistBatchSize     int           `koanf:"persist_batch_size"`
	PersistFlushInterval time.Duration `koanf:"persist_flush_interval"`

	HeartbeatInterval    time.Duration `koanf:"heartbeat_interval"`
	RingMaxEvents        int           `koanf:"ring_max_events"`
	RingMaxBytes         int           `koanf:"ring_max_bytes"`
	SubscriberQueueDepth int           `koanf:"subscriber_queue_depth"`

	AwaitingInputTimeout time.Duration `koanf:"awaiting_input_timeout"`
	InputDedupWindow     time.Duration `koanf:"input_dedup_window"`
}

func defaults() map[string]any {
	return map[string]any{
		"addr":                   ":4580",
		"data_dir":               defaultDataDir(),
		"log_level":              "info",
		"lease_timeout":          "30s",
		"cleanup_interval":       "1m",
		"idle_timeout":           "30m",
		"max_session_age":        "168h", // 7 days
		"stale_lease_timeout":    "5m",
		"persist_batch_size":     64,
		"persist_flush_interval": "250ms",
		"heartbeat_interval":     "15s",
		"ring_max_events":        1024,
		"ring_max_bytes":         4 << 20,
		"subscriber_queue_depth": 256,
		"awaiting_input_timeout": "30m",
		"input_dedup_window":     "5m",
	}
}

// Load builds a Config from defaults, the optional YAML file at path,
// and AGENTMUX_* environment variables (highest precedence).
// AGENTMUX_LEASE_TIMEOUT=45s maps to lease_timeout.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("AGENTMUX_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "AGENTMUX_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			WeaklyTypedInput: true,
			Result:           &c,
		},
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &c, nil
}

// Validate checks the configuration values, ensures the data directory
// exists, and resolves the gateway identity.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.LeaseTimeout <= 0 {
		return fmt.Errorf("lease_timeout must be positive")
	}
	if c.PersistBatchSize <= 0 {
		return fmt.Errorf("persist_batch_size must be positive")
	}
	if c.RingMaxEvents <= 0 || c.RingMaxBytes <= 0 {
		return fmt.Errorf("ring buffer limits must be positive")
	}
	if c.SubscriberQueueDepth <= 0 {
		return fmt.Errorf("subscriber_queue_depth must be positive")
	}

	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if c.GatewayID == "" {
		gid, err := loadOrCreateGatewayID(c.DataDir)
		if err != nil {
			return fmt.Errorf("resolve gateway id: %w", err)
		}
		c.GatewayID = gid
	}

	return nil
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "gateway.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "agentmux", "gateway")
	}
	return filepath.Join(home, ".config", "agentmux", "gateway")
}

// loadOrCreateGatewayID reads the persisted gateway identity, creating
// one on first run so the id stays stable across restarts.
func loadOrCreateGatewayID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "gateway-id")
	data, err := os.ReadFile(path)
	if err == nil {
		gid := strings.TrimSpace(string(data))
		if gid != "" {
			return gid, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	gid := "gw-" + id.Generate()
	if err := os.WriteFile(path, []byte(gid+"\n"), 0o600); err != nil {
		return "", err
	}
	return gid, nil
}
