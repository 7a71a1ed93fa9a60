// Package config loads the daemon's environment-driven tunables, layered
// under the command-line flags parsed in cmd/v120irqd, in the same
// two-layer (flags override environment, environment overrides defaults)
// arrangement used throughout this codebase's configuration surface.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every environment-settable tunable. Flags that have no
// sensible environment-variable form (--help, --version, --foreground)
// live entirely in cmd/v120irqd.
type Config struct {
	// SocketName is the AF_UNIX SOCK_SEQPACKET listen address. A leading
	// '@' selects the Linux abstract namespace.
	SocketName string `env:"V120IRQD_SOCKET" envDefault:"@/v120/v120irqd"`

	// DeliveryTimeout bounds the SIGNAL -> ACK/NAK wait for one client.
	// Expiry is treated as an implicit NAK (see the dispatcher's
	// waitForResponse).
	DeliveryTimeout time.Duration `env:"V120IRQD_DELIVERY_TIMEOUT" envDefault:"2s"`

	// MetricsAddr is the listen address for the Prometheus exporter.
	MetricsAddr string `env:"V120IRQD_METRICS_ADDR" envDefault:"127.0.0.1:9120"`

	// ListenBacklog is the backlog argument to listen(2) on the client
	// socket; small, since admission is unrestricted but client count is
	// expected to stay modest.
	ListenBacklog int `env:"V120IRQD_LISTEN_BACKLOG" envDefault:"4"`

	LogLevel  string `env:"V120IRQD_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"V120IRQD_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and from the
// environment. Priority: environment variables > .env file > struct
// defaults. It is not an error for no .env file to be present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate checks field values the env tags alone can't express.
func (c *Config) Validate() error {
	if c.SocketName == "" {
		return fmt.Errorf("V120IRQD_SOCKET must not be empty")
	}
	if c.DeliveryTimeout <= 0 {
		return fmt.Errorf("V120IRQD_DELIVERY_TIMEOUT must be > 0, got %s", c.DeliveryTimeout)
	}
	if c.ListenBacklog < 0 {
		return fmt.Errorf("V120IRQD_LISTEN_BACKLOG must be >= 0, got %d", c.ListenBacklog)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("V120IRQD_LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("V120IRQD_LOG_FORMAT must be one of json, pretty (got %q)", c.LogFormat)
	}
	return nil
}

// Print writes a human-readable configuration summary to stdout, for
// startup logs before the structured logger is configured.
func (c *Config) Print() {
	fmt.Println("=== v120irqd configuration ===")
	fmt.Printf("Socket:           %s\n", c.SocketName)
	fmt.Printf("Delivery timeout: %s\n", c.DeliveryTimeout)
	fmt.Printf("Metrics address:  %s\n", c.MetricsAddr)
	fmt.Printf("Listen backlog:   %d\n", c.ListenBacklog)
	fmt.Printf("Log level:        %s\n", c.LogLevel)
	fmt.Printf("Log format:       %s\n", c.LogFormat)
	fmt.Println("===============================")
}

// LogConfig emits the same information as Print through structured
// logging, for use once the real logger is available.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("socket", c.SocketName).
		Dur("delivery_timeout", c.DeliveryTimeout).
		Str("metrics_addr", c.MetricsAddr).
		Int("listen_backlog", c.ListenBacklog).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
