// Package config loads relay and agent settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete configuration shared by both binaries.
type Config struct {
	Relay         RelayConfig         `mapstructure:"relay"`
	Agent         AgentConfig         `mapstructure:"agent"`
	Collaboration CollaborationConfig `mapstructure:"collaboration"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// RelayConfig configures the fan-out server.
type RelayConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	RedisAddr   string `mapstructure:"redis_addr"`
	DatabaseURL string `mapstructure:"database_url"`
	Advertise   bool   `mapstructure:"advertise"`
}

// AgentConfig configures the local collaboration agent.
type AgentConfig struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	RelayURL         string        `mapstructure:"relay_url"`
	WorkspaceID      string        `mapstructure:"workspace_id"`
	UserID           string        `mapstructure:"user_id"`
	Email            string        `mapstructure:"email"`
	DBPath           string        `mapstructure:"db_path"`
	UIDir            string        `mapstructure:"ui_dir"`
	Discover         bool          `mapstructure:"discover"`
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
}

// CollaborationConfig holds the protocol timings and buffer sizes.
type CollaborationConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	CursorDebounce    time.Duration `mapstructure:"cursor_debounce"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	ActiveWindow      time.Duration `mapstructure:"active_window"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	OutboxSize        int           `mapstructure:"outbox_size"`
	HistorySize       int           `mapstructure:"history_size"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// ServiceName is the mDNS service type the relay advertises.
const ServiceName = "_collabtext._tcp"

// Load reads collabtext.yaml from the usual places (a missing file is fine)
// and applies COLLAB_* environment overrides.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("collabtext")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/collabtext")

	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Names used by earlier deployments of the relay.
	_ = v.BindEnv("relay.redis_addr", "COLLAB_RELAY_REDIS_ADDR", "REDIS_ADDR")
	_ = v.BindEnv("relay.database_url", "COLLAB_RELAY_DATABASE_URL", "DATABASE_URL")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	col := c.Collaboration
	if col.HeartbeatInterval <= 0 || col.ReconnectDelay <= 0 || col.CursorDebounce <= 0 || col.SweepInterval <= 0 {
		return errors.New("collaboration intervals must be positive")
	}
	if col.ActiveWindow > col.StaleAfter {
		return fmt.Errorf("active_window %s exceeds stale_after %s", col.ActiveWindow, col.StaleAfter)
	}
	if col.OutboxSize <= 0 || col.HistorySize <= 0 {
		return errors.New("outbox_size and history_size must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("relay.listen_addr", ":8081")
	v.SetDefault("relay.redis_addr", "localhost:6379")
	v.SetDefault("relay.database_url", "")
	v.SetDefault("relay.advertise", false)

	v.SetDefault("agent.listen_addr", ":8080")
	v.SetDefault("agent.relay_url", "")
	v.SetDefault("agent.workspace_id", "default")
	v.SetDefault("agent.user_id", "")
	v.SetDefault("agent.email", "")
	v.SetDefault("agent.db_path", "collabtext.db")
	v.SetDefault("agent.ui_dir", "../ui")
	v.SetDefault("agent.discover", true)
	v.SetDefault("agent.discovery_timeout", "15s")

	v.SetDefault("collaboration.heartbeat_interval", "30s")
	v.SetDefault("collaboration.reconnect_delay", "3s")
	v.SetDefault("collaboration.cursor_debounce", "100ms")
	v.SetDefault("collaboration.sweep_interval", "60s")
	v.SetDefault("collaboration.active_window", "5m")
	v.SetDefault("collaboration.stale_after", "10m")
	v.SetDefault("collaboration.outbox_size", 256)
	v.SetDefault("collaboration.history_size", 512)
	v.SetDefault("collaboration.write_timeout", "10s")
	v.SetDefault("collaboration.dial_timeout", "10s")

	v.SetDefault("logging.level", "info")
}
