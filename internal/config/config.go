package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"

	"adega/backend/internal/syncer"
)

const envPrefix = "ADEGA"

const (
	StorageMemory = "memory"
	StorageRedis  = "redis"

	// RemoteLocal syncs against the envelope this instance hosts itself.
	RemoteLocal    = "local"
	RemotePostgres = "postgres"
	RemoteHTTP     = "http"
)

type Config struct {
	Port          string `default:"8080"`
	AllowedOrigin string `split_words:"true" default:"http://127.0.0.1:3000"`

	Storage       string `default:"memory"`
	RedisAddr     string `split_words:"true"`
	RedisPassword string `split_words:"true"`
	RedisDB       int    `split_words:"true"`
	KeyPrefix     string `split_words:"true" default:"adega_"`

	Remote              string `default:"local"`
	DatabaseURL         string `split_words:"true"`
	CloudURL            string `split_words:"true"`
	CloudToken          string `split_words:"true"`
	SyncIntervalSeconds int    `split_words:"true" default:"30"`
	Realtime            bool   `default:"true"`
	Seed                bool   `default:"true"`

	AuthSecret            string `split_words:"true"`
	AccessTokenTTLMinutes int    `split_words:"true" default:"480"`
	AdminPassword         string `split_words:"true"`
	StaffPassword         string `split_words:"true"`

	LogLevel  string `split_words:"true" default:"info"`
	LogFormat string `split_words:"true" default:"text"`
}

// Load reads an optional .env file and then the ADEGA_* environment.
// Variables already set in the environment win over the file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "read environment")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Storage = strings.ToLower(strings.TrimSpace(c.Storage))
	c.Remote = strings.ToLower(strings.TrimSpace(c.Remote))
	c.AuthSecret = strings.TrimSpace(c.AuthSecret)
	c.CloudToken = strings.TrimSpace(c.CloudToken)
	c.AdminPassword = strings.TrimSpace(c.AdminPassword)
	c.StaffPassword = strings.TrimSpace(c.StaffPassword)
	if c.AccessTokenTTLMinutes < 1 {
		c.AccessTokenTTLMinutes = 480
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "adega_"
	}
}

// Validate checks backend selections. Security settings are checked by the
// server at startup.
func (c Config) Validate() error {
	switch c.Storage {
	case StorageMemory:
	case StorageRedis:
		if c.RedisAddr == "" {
			return errors.New("ADEGA_REDIS_ADDR is required when ADEGA_STORAGE=redis")
		}
	default:
		return errors.Errorf("unknown storage backend %q", c.Storage)
	}

	switch c.Remote {
	case RemoteLocal:
	case RemotePostgres:
		if c.DatabaseURL == "" {
			return errors.New("ADEGA_DATABASE_URL is required when ADEGA_REMOTE=postgres")
		}
	case RemoteHTTP:
		if c.CloudURL == "" {
			return errors.New("ADEGA_CLOUD_URL is required when ADEGA_REMOTE=http")
		}
	default:
		return errors.Errorf("unknown remote backend %q", c.Remote)
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// SyncInterval is the timer period, clamped like the engine clamps it.
func (c Config) SyncInterval() time.Duration {
	return syncer.ClampInterval(time.Duration(c.SyncIntervalSeconds) * time.Second)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}
