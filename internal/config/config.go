// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

type Config struct {
	Port              int           `envconfig:"PORT" default:"3000"`
	AdminSecret       string        `envconfig:"ADMIN_SECRET" required:"true"`
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"10s"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	DefaultMaxAccounts int `envconfig:"DEFAULT_MAX_ACCOUNTS" default:"1"`
	DefaultLicenseDays int `envconfig:"DEFAULT_LICENSE_DAYS" default:"30"`

	StoreDriver           string `envconfig:"STORE_DRIVER" default:"bolt"`
	StoreURL              string `envconfig:"STORE_URL"`
	StoreCredential       string `envconfig:"STORE_CREDENTIAL"`
	BoltPath              string `envconfig:"BOLT_PATH" default:"./data/licenses.db"`
	MongoDatabase         string `envconfig:"MONGO_DATABASE" default:"licensing"`
	StoreMaxConns         int32  `envconfig:"STORE_MAX_CONNS" default:"10"`
	StrictActivationLimit bool   `envconfig:"STRICT_ACTIVATION_LIMIT" default:"true"`
	AutoMigrate           bool   `envconfig:"AUTO_MIGRATE" default:"true"`

	TelegramBotToken    string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramAdminChatID int64  `envconfig:"TELEGRAM_ADMIN_CHAT_ID"`

	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	Environment string `envconfig:"APP_ENV" default:"development"`
}

// Load applies envFile (if it exists) to the process environment and then
// reads Config from it. Variables already set win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.AdminSecret) == "" {
		return errors.New("ADMIN_SECRET must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.DefaultMaxAccounts < 1 {
		return fmt.Errorf("DEFAULT_MAX_ACCOUNTS must be positive, got %d", c.DefaultMaxAccounts)
	}
	if c.DefaultLicenseDays < 1 {
		return fmt.Errorf("DEFAULT_LICENSE_DAYS must be positive, got %d", c.DefaultLicenseDays)
	}
	switch c.StoreDriver {
	case DriverBolt:
		if c.BoltPath == "" {
			return errors.New("BOLT_PATH is required for the bolt driver")
		}
	case DriverPostgres, DriverMongo:
		if c.StoreURL == "" {
			return fmt.Errorf("STORE_URL is required for the %s driver", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.TelegramBotToken != "" && c.TelegramAdminChatID == 0 {
		return errors.New("TELEGRAM_ADMIN_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}
	return nil
}

// Addr is the listen address for Port.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) BotEnabled() bool {
	return c.TelegramBotToken != ""
}
