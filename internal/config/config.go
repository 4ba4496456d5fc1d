package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DevLink3Host        string        `env:"DEVLINK3_HOST"`
	DevLink3Port        int           `env:"DEVLINK3_PORT" envDefault:"50797"`
	DevLink3Username    string        `env:"DEVLINK3_USERNAME"`
	DevLink3Password    string        `env:"DEVLINK3_PASSWORD"`
	DevLink3UseTLS      bool          `env:"DEVLINK3_USE_TLS" envDefault:"false"`
	DevLink3TLSVerify   bool          `env:"DEVLINK3_TLS_VERIFY" envDefault:"true"`
	DevLink3EventFlags  string        `env:"DEVLINK3_EVENT_FLAGS" envDefault:"-CallDelta3 -CMExtn"`
	HandshakeTimeout    time.Duration `env:"DEVLINK3_HANDSHAKE_TIMEOUT" envDefault:"15s"`
	EventRegTimeout     time.Duration `env:"DEVLINK3_EVENTREG_TIMEOUT" envDefault:"10s"`
	KeepaliveInterval   time.Duration `env:"DEVLINK3_KEEPALIVE_INTERVAL" envDefault:"30s"`

	SMDRPort    int    `env:"SMDR_PORT" envDefault:"1150"`
	SMDRHost    string `env:"SMDR_HOST" envDefault:"0.0.0.0"`
	SMDREnabled bool   `env:"SMDR_ENABLED" envDefault:"true"`

	DatabaseURL     string        `env:"DATABASE_URL,required"`
	DBPoolMax       int32         `env:"DB_POOL_MAX" envDefault:"20"`
	DBIdleTimeoutMS time.Duration `env:"DB_IDLE_TIMEOUT_MS" envDefault:"30000ms"`
	DBMaxLifetime   time.Duration `env:"DB_MAX_LIFETIME" envDefault:"30m"`

	BrokerURL string `env:"BROKER_URL"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	PendingMatchTTL    time.Duration `env:"PENDING_MATCH_TTL" envDefault:"10m"`
	TerminalCallGrace  time.Duration `env:"TERMINAL_CALL_GRACE" envDefault:"5s"`
	CorrelationWindow  time.Duration `env:"CORRELATION_WINDOW" envDefault:"5s"`
	StatsLogInterval   time.Duration `env:"STATS_LOG_INTERVAL" envDefault:"60s"`

	EventRetention    time.Duration `env:"EVENT_RETENTION" envDefault:"2160h"`
	SMDRRetention     time.Duration `env:"SMDR_RETENTION" envDefault:"4320h"`
	AgentStateRetention time.Duration `env:"AGENT_STATE_RETENTION" envDefault:"2160h"`
	RetentionInterval time.Duration `env:"RETENTION_INTERVAL" envDefault:"1h"`
}

// Validate checks that the minimal set of connection details needed to
// reach the PBX is present, returning an error that names the first
// missing key. It behaves the same in every environment: there is no
// development mode that warns and substitutes defaults.
func (c *Config) Validate() error {
	if c.DevLink3Host == "" {
		return fmt.Errorf("DEVLINK3_HOST must be set")
	}
	if c.DevLink3Username == "" {
		return fmt.Errorf("DEVLINK3_USERNAME must be set")
	}
	return nil
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
}

// Load reads configuration from .env file, environment variables, and CLI
// overrides. Priority: CLI flags > environment variables > .env file >
// struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}

	if cfg.DevLink3UseTLS && cfg.DevLink3Port == 50797 {
		cfg.DevLink3Port = 50796
	}

	return cfg, nil
}
