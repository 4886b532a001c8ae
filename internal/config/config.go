package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config carries every tunable of the broker process. Values come from
// environment variables, optionally seeded from a .env file in the
// working directory. Defaults suit a single instance on a small box.
type Config struct {
	// ListenIP is the interface to bind, or "any" for all interfaces.
	ListenIP string `env:"KRAKEN_LISTEN_IP" envDefault:"any"`

	// TCPServerPort is the client-facing listener port. Port 0 asks the
	// kernel for an ephemeral port, which tests rely on.
	TCPServerPort int `env:"KRAKEN_TCP_SERVER_PORT" envDefault:"12355"`

	// MaxTCPClients caps concurrent client connections. Connections
	// beyond the cap are answered with SERVER_ERROR and closed.
	MaxTCPClients int `env:"KRAKEN_MAX_TCP_CLIENTS" envDefault:"1000"`

	// NumRouterShards is the number of topic-space partitions.
	NumRouterShards int `env:"KRAKEN_NUM_ROUTER_SHARDS" envDefault:"4"`

	// RouterMinFanoutToWarn flags publishes delivered to at least this
	// many queues.
	RouterMinFanoutToWarn int `env:"KRAKEN_ROUTER_MIN_FANOUT_TO_WARN" envDefault:"100"`

	// RouterMinPublishTopicsToWarn flags publishes naming at least this
	// many topics.
	RouterMinPublishTopicsToWarn int `env:"KRAKEN_ROUTER_MIN_PUBLISH_TOPICS_TO_WARN" envDefault:"10"`

	// ClientIdleTimeout closes connections that stay silent for this
	// long.
	ClientIdleTimeout time.Duration `env:"KRAKEN_CLIENT_IDLE_TIMEOUT" envDefault:"10m"`

	// PidFile, when set, gets the broker's pid written at startup and
	// removed at shutdown. Empty disables it.
	PidFile string `env:"KRAKEN_PID_FILE"`

	// MetricsAddr serves Prometheus metrics and the health endpoint.
	// Empty disables the listener.
	MetricsAddr string `env:"KRAKEN_METRICS_ADDR" envDefault:":12356"`

	// MetricsInterval is the system monitor's sampling period.
	MetricsInterval time.Duration `env:"KRAKEN_METRICS_INTERVAL" envDefault:"15s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment tags log output (development, staging, production).
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from the environment. A .env file is
// honored when present and silently skipped when not.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the broker cannot run with.
func (c *Config) Validate() error {
	if c.ListenIP != "any" && net.ParseIP(c.ListenIP) == nil {
		return fmt.Errorf("KRAKEN_LISTEN_IP %q is neither \"any\" nor an IP address", c.ListenIP)
	}
	if c.TCPServerPort < 0 || c.TCPServerPort > 65535 {
		return fmt.Errorf("KRAKEN_TCP_SERVER_PORT %d out of range", c.TCPServerPort)
	}
	if c.MaxTCPClients < 1 {
		return fmt.Errorf("KRAKEN_MAX_TCP_CLIENTS must be at least 1, got %d", c.MaxTCPClients)
	}
	if c.NumRouterShards < 1 {
		return fmt.Errorf("KRAKEN_NUM_ROUTER_SHARDS must be at least 1, got %d", c.NumRouterShards)
	}
	if c.RouterMinFanoutToWarn < 1 {
		return fmt.Errorf("KRAKEN_ROUTER_MIN_FANOUT_TO_WARN must be at least 1, got %d", c.RouterMinFanoutToWarn)
	}
	if c.RouterMinPublishTopicsToWarn < 1 {
		return fmt.Errorf("KRAKEN_ROUTER_MIN_PUBLISH_TOPICS_TO_WARN must be at least 1, got %d", c.RouterMinPublishTopicsToWarn)
	}
	if c.ClientIdleTimeout <= 0 {
		return fmt.Errorf("KRAKEN_CLIENT_IDLE_TIMEOUT must be positive, got %s", c.ClientIdleTimeout)
	}
	if c.MetricsInterval <= 0 {
		return fmt.Errorf("KRAKEN_METRICS_INTERVAL must be positive, got %s", c.MetricsInterval)
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("KRAKEN_METRICS_ADDR %q: %w", c.MetricsAddr, err)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error, fatal", c.LogLevel)
	}

	validLogFormats := map[string]bool{
		"json": true, "pretty": true,
	}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT %q is not one of json, pretty", c.LogFormat)
	}

	return nil
}

// ListenAddr renders the client listener's bind address. "any" binds
// every interface.
func (c *Config) ListenAddr() string {
	ip := c.ListenIP
	if ip == "any" {
		ip = ""
	}
	return net.JoinHostPort(ip, strconv.Itoa(c.TCPServerPort))
}

// LogConfig emits the effective configuration at startup so deployed
// settings can be read off the logs.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("listen_addr", c.ListenAddr()).
		Int("max_tcp_clients", c.MaxTCPClients).
		Int("router_shards", c.NumRouterShards).
		Int("min_fanout_to_warn", c.RouterMinFanoutToWarn).
		Int("min_publish_topics_to_warn", c.RouterMinPublishTopicsToWarn).
		Dur("client_idle_timeout", c.ClientIdleTimeout).
		Str("pid_file", c.PidFile).
		Str("metrics_addr", c.MetricsAddr).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Str("environment", c.Environment).
		Msg("Configuration loaded")
}
