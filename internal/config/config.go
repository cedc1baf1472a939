// Package config assembles the server configuration from an optional .env
// file, TACTICS_* environment variables and command-line flags, in that
// order of precedence (flags win).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/tactics-sync/combat-sync/internal/engine"
)

type Config struct {
	Env      string `env:"TACTICS_ENV" envDefault:"production"`
	Addr     string `env:"TACTICS_ADDR" envDefault:":8080"`
	LogLevel string `env:"TACTICS_LOG_LEVEL" envDefault:"info"`

	RulesFile              string        `env:"TACTICS_RULES_FILE"`
	AutoPassTimeout        time.Duration `env:"TACTICS_AUTO_PASS_TIMEOUT" envDefault:"30s"`
	IdleTimeout            time.Duration `env:"TACTICS_IDLE_TIMEOUT" envDefault:"5m"`
	MaxParticipants        int           `env:"TACTICS_MAX_PARTICIPANTS" envDefault:"8"`
	MaxUnitsPerParticipant int           `env:"TACTICS_MAX_UNITS" envDefault:"4"`
	AllowLateJoin          bool          `env:"TACTICS_ALLOW_LATE_JOIN"`

	OutboxSize         int `env:"TACTICS_OUTBOX_SIZE" envDefault:"64"`
	MaxConnsPerSession int `env:"TACTICS_MAX_CONNS_PER_SESSION" envDefault:"16"`

	JoinTokenSecret string        `env:"TACTICS_JOIN_TOKEN_SECRET"`
	JoinTokenTTL    time.Duration `env:"TACTICS_JOIN_TOKEN_TTL" envDefault:"1h"`

	IdentityIssuer    string `env:"TACTICS_IDENTITY_ISSUER"`
	IdentityAudience  string `env:"TACTICS_IDENTITY_AUDIENCE"`
	IdentityPublicKey string `env:"TACTICS_IDENTITY_PUBLIC_KEY"`
	IdentitySecret    string `env:"TACTICS_IDENTITY_SECRET"`

	MediaURL    string        `env:"TACTICS_MEDIA_URL"`
	MediaAPIKey string        `env:"TACTICS_MEDIA_API_KEY"`
	MediaSecret string        `env:"TACTICS_MEDIA_SECRET"`
	MediaTTL    time.Duration `env:"TACTICS_MEDIA_TTL" envDefault:"2h"`

	PostgresDSN string `env:"TACTICS_POSTGRES_DSN"`
	NATSURL     string `env:"TACTICS_NATS_URL"`
	NATSSubject string `env:"TACTICS_NATS_SUBJECT" envDefault:"tactics.sessions.ended"`
	RecordQueue int    `env:"TACTICS_RECORD_QUEUE" envDefault:"64"`

	OTelEnabled     bool   `env:"TACTICS_OTEL_ENABLED"`
	OTelServiceName string `env:"TACTICS_OTEL_SERVICE_NAME" envDefault:"combat-sync"`

	ShutdownTimeout time.Duration `env:"TACTICS_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// Rules is loaded from RulesFile, or the built-in rules when unset.
	Rules engine.Rules
}

func (c Config) Development() bool { return strings.EqualFold(c.Env, "development") }

// Load reads .env (if present), the environment and args.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	flags := pflag.NewFlagSet("combat-sync", pflag.ContinueOnError)
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	flags.StringVar(&cfg.RulesFile, "rules", cfg.RulesFile, "path to a YAML rules file")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flags.StringVar(&cfg.Env, "env", cfg.Env, "development or production")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.Rules = engine.DefaultRules()
	if cfg.RulesFile != "" {
		rules, err := LoadRules(cfg.RulesFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Rules = rules
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []string
	if len(c.JoinTokenSecret) < 16 {
		problems = append(problems, "TACTICS_JOIN_TOKEN_SECRET must be at least 16 bytes")
	}
	if c.IdentityIssuer == "" && !c.Development() {
		problems = append(problems, "TACTICS_IDENTITY_ISSUER is required outside development")
	}
	if c.IdentityIssuer != "" && c.IdentityPublicKey == "" && c.IdentitySecret == "" {
		problems = append(problems, "TACTICS_IDENTITY_ISSUER needs TACTICS_IDENTITY_PUBLIC_KEY or TACTICS_IDENTITY_SECRET")
	}
	if c.OutboxSize <= 0 {
		problems = append(problems, "TACTICS_OUTBOX_SIZE must be positive")
	}
	if c.AutoPassTimeout <= 0 || c.IdleTimeout <= 0 {
		problems = append(problems, "timeouts must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
