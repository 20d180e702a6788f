// Package config loads the daemon configuration from the environment and the
// pool bootstrap file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/R3E-Network/coinjoin/pkg/logger"
)

// Ledger backends.
const (
	LedgerProgram  = "program"
	LedgerContract = "contract"
)

// devSecret signs bearer tokens in dev mode when no secret is configured.
const devSecret = "coinjoin-dev-secret"

// Config holds the daemon settings.
type Config struct {
	HTTPAddr        string        `env:"COINJOIN_HTTP_ADDR,default=:8080"`
	ShutdownTimeout time.Duration `env:"COINJOIN_SHUTDOWN_TIMEOUT,default=15s"`

	Ledger       string `env:"COINJOIN_LEDGER,default=program"`
	ProgramSeed  string `env:"COINJOIN_PROGRAM_SEED"`
	ContractHash string `env:"COINJOIN_CONTRACT_HASH"`

	DatabaseDSN   string `env:"COINJOIN_DATABASE_DSN"`
	RedisAddr     string `env:"COINJOIN_REDIS_ADDR"`
	RedisPassword string `env:"COINJOIN_REDIS_PASSWORD"`
	RedisDB       int    `env:"COINJOIN_REDIS_DB,default=0"`
	RedisPrefix   string `env:"COINJOIN_REDIS_PREFIX,default=coinjoin:"`
	RedisChannel  string `env:"COINJOIN_REDIS_CHANNEL,default=coinjoin:events"`

	JWTSecret string `env:"COINJOIN_JWT_SECRET"`
	Owner     string `env:"COINJOIN_OWNER"`
	Factory   string `env:"COINJOIN_FACTORY"`
	Router    string `env:"COINJOIN_ROUTER"`

	KeeperSchedule string  `env:"COINJOIN_KEEPER_SCHEDULE,default=@every 30s"`
	RateLimit      float64 `env:"COINJOIN_RATE_LIMIT,default=20"`
	RateBurst      int     `env:"COINJOIN_RATE_BURST,default=40"`
	DevMode        bool    `env:"COINJOIN_DEV_MODE,default=false"`
	PoolsFile      string  `env:"COINJOIN_POOLS_FILE"`
	AuditFile      string  `env:"COINJOIN_AUDIT_FILE"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
	LogOutput string `env:"LOG_OUTPUT,default=stdout"`
}

// Load reads envFile when it exists, then decodes the environment. Variables
// already set in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	c.Ledger = strings.ToLower(strings.TrimSpace(c.Ledger))
	switch c.Ledger {
	case "":
		c.Ledger = LedgerProgram
	case LedgerProgram, LedgerContract:
	default:
		return fmt.Errorf("COINJOIN_LEDGER: unknown ledger %q", c.Ledger)
	}

	if c.JWTSecret == "" {
		if !c.DevMode {
			return errors.New("COINJOIN_JWT_SECRET is required outside dev mode")
		}
		c.JWTSecret = devSecret
	}
	if c.Ledger == LedgerProgram && c.ProgramSeed == "" {
		if !c.DevMode {
			return errors.New("COINJOIN_PROGRAM_SEED is required for the program ledger")
		}
		c.ProgramSeed = "coinjoin-dev-seed"
	}
	if c.Ledger == LedgerContract && c.ContractHash == "" {
		return errors.New("COINJOIN_CONTRACT_HASH is required for the contract ledger")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("COINJOIN_RATE_LIMIT must not be negative, got %v", c.RateLimit)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	return nil
}

// Logging returns the logger settings.
func (c Config) Logging() logger.LoggingConfig {
	return logger.LoggingConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		Output:     c.LogOutput,
		FilePrefix: "coinjoind",
	}
}
