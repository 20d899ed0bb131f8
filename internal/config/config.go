package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/orbitthread/dmsync/internal/backend/memory"
)

// Backend kinds.
const (
	BackendSupabase = "supabase"
	BackendMemory   = "memory"
)

// Config aggregates every setting of the service.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Compose  ComposeConfig  `mapstructure:"compose"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// BreakerConfig tunes the circuit breaker around REST calls.
type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// BackendConfig selects and configures the data backend.
type BackendConfig struct {
	Kind        string        `mapstructure:"kind"`
	URL         string        `mapstructure:"url"`
	AnonKey     string        `mapstructure:"anon_key"`
	AccessToken string        `mapstructure:"access_token"`
	JWTSecret   string        `mapstructure:"jwt_secret"`
	Actor       string        `mapstructure:"actor"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	Breaker     BreakerConfig `mapstructure:"breaker"`
}

// RealtimeConfig tunes the change feed connection.
type RealtimeConfig struct {
	Heartbeat    time.Duration `mapstructure:"heartbeat"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
}

// SyncConfig tunes the message and conversation lists.
type SyncConfig struct {
	PageSize    int  `mapstructure:"page_size"`
	DropDeleted bool `mapstructure:"drop_deleted"`
}

// ComposeConfig tunes sending.
type ComposeConfig struct {
	ErrorTTL      time.Duration `mapstructure:"error_ttl"`
	RatePerMinute float64       `mapstructure:"rate_per_minute"`
	Burst         int           `mapstructure:"burst"`
	Rollback      bool          `mapstructure:"rollback"`
}

// LogConfig selects the logger flavour.
type LogConfig struct {
	Env   string `mapstructure:"env"`
	Level string `mapstructure:"level"`
}

// Load reads defaults, then the YAML file named by DM_CONFIG_FILE when set, then
// DM_* environment variables (DM_BACKEND_ANON_KEY overrides backend.anon_key).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := strings.TrimSpace(os.Getenv("DM_CONFIG_FILE")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if strings.TrimSpace(os.Getenv("DM_SERVER_ADDR")) == "" {
		addr, err := addrFromPort(cfg.Server.Addr)
		if err != nil {
			return nil, err
		}
		cfg.Server.Addr = addr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")

	v.SetDefault("backend.kind", BackendMemory)
	v.SetDefault("backend.url", "")
	v.SetDefault("backend.anon_key", "")
	v.SetDefault("backend.access_token", "")
	v.SetDefault("backend.jwt_secret", "")
	v.SetDefault("backend.actor", memory.SeedProfiles()[0].ID)
	v.SetDefault("backend.http_timeout", 15*time.Second)
	v.SetDefault("backend.breaker.max_failures", 5)
	v.SetDefault("backend.breaker.interval", time.Minute)
	v.SetDefault("backend.breaker.timeout", 30*time.Second)

	v.SetDefault("realtime.heartbeat", 30*time.Second)
	v.SetDefault("realtime.dial_timeout", 10*time.Second)
	v.SetDefault("realtime.write_timeout", 10*time.Second)
	v.SetDefault("realtime.max_retries", 5)
	v.SetDefault("realtime.retry_delay", time.Second)

	v.SetDefault("sync.page_size", 50)
	v.SetDefault("sync.drop_deleted", false)

	v.SetDefault("compose.error_ttl", 3*time.Second)
	v.SetDefault("compose.rate_per_minute", 0)
	v.SetDefault("compose.burst", 5)
	v.SetDefault("compose.rollback", true)

	v.SetDefault("log.env", "development")
	v.SetDefault("log.level", "info")
}

// addrFromPort lets the conventional PORT variable pick the listen port when no
// explicit address is configured.
func addrFromPort(current string) (string, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		return current, nil
	}
	if strings.Contains(port, ":") {
		// allow ":8080" or "127.0.0.1:8080"
		return port, nil
	}
	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}
	return ":" + port, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case BackendSupabase:
		if c.Backend.URL == "" || c.Backend.AnonKey == "" {
			return errors.New("backend.url and backend.anon_key are required for the supabase backend")
		}
	case BackendMemory:
		if c.Backend.Actor == "" {
			return errors.New("backend.actor is required for the memory backend")
		}
	default:
		return fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive, got %d", c.Sync.PageSize)
	}
	if c.Compose.RatePerMinute < 0 {
		return fmt.Errorf("compose.rate_per_minute must not be negative")
	}
	return nil
}
