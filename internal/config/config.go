// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Env         string `env:"ENV" envDefault:"dev"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	// OperatorTokens holds name:token pairs allowed to call the command API.
	OperatorTokens []string `env:"OPERATOR_TOKENS" envSeparator:","`

	Store   StoreConfig   `envPrefix:"STORE_"`
	Backend BackendConfig `envPrefix:"BACKEND_"`
	Rewards RewardsConfig `envPrefix:"REWARDS_"`
	Discord DiscordConfig `envPrefix:"DISCORD_"`
	Redis   RedisConfig   `envPrefix:"REDIS_"`
	Engine  EngineConfig  `envPrefix:"ENGINE_"`
	Webhook WebhookConfig `envPrefix:"REPORT_WEBHOOK_"`
	Worker  WorkerConfig  `envPrefix:"WORKER_"`
}

type StoreConfig struct {
	Driver     string `env:"DRIVER" envDefault:"sqlite"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"opdistributor.db"`
	MaxConns   int32  `env:"MAX_CONNS" envDefault:"5"`
}

type BackendConfig struct {
	URL     string        `env:"URL"`
	APIKey  string        `env:"API_KEY"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s"`
	Editor  string        `env:"EDITOR" envDefault:"Bot"`
}

type RewardsConfig struct {
	URL               string        `env:"URL"`
	APIKey            string        `env:"API_KEY"`
	Timeout           time.Duration `env:"TIMEOUT" envDefault:"30s"`
	MaxRequestsPerMin int           `env:"MAX_REQUESTS_PER_MIN" envDefault:"0"`
}

type DiscordConfig struct {
	BotToken string        `env:"BOT_TOKEN"`
	GuildID  string        `env:"GUILD_ID"`
	APIURL   string        `env:"API_URL" envDefault:"https://discord.com/api/v10"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"15s"`
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"10m"`
}

type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

type EngineConfig struct {
	GrantDelay    time.Duration `env:"GRANT_DELAY" envDefault:"500ms"`
	EventCooldown time.Duration `env:"EVENT_COOLDOWN" envDefault:"1s"`
}

type WebhookConfig struct {
	URL    string `env:"URL"`
	Secret string `env:"SECRET"`
}

type WorkerConfig struct {
	APIURL   string        `env:"API_URL" envDefault:"http://localhost:8080"`
	Token    string        `env:"TOKEN"`
	Interval time.Duration `env:"INTERVAL" envDefault:"15m"`
	Timeout  time.Duration `env:"RUN_TIMEOUT" envDefault:"2h"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// ValidateAPI checks the settings the API process cannot start without.
func (c Config) ValidateAPI() error {
	var errs []error
	if strings.TrimSpace(c.Backend.URL) == "" {
		errs = append(errs, errors.New("BACKEND_URL is required"))
	}
	if strings.TrimSpace(c.Rewards.URL) == "" {
		errs = append(errs, errors.New("REWARDS_URL is required"))
	}
	if strings.TrimSpace(c.Discord.BotToken) == "" {
		errs = append(errs, errors.New("DISCORD_BOT_TOKEN is required"))
	}
	if strings.TrimSpace(c.Discord.GuildID) == "" {
		errs = append(errs, errors.New("DISCORD_GUILD_ID is required"))
	}
	if strings.EqualFold(c.Store.Driver, "postgres") && strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
	}
	if _, err := c.Operators(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Operators maps each configured token to its operator name.
func (c Config) Operators() (map[string]string, error) {
	out := make(map[string]string, len(c.OperatorTokens))
	for _, pair := range c.OperatorTokens {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, token, ok := strings.Cut(pair, ":")
		name, token = strings.TrimSpace(name), strings.TrimSpace(token)
		if !ok || name == "" || token == "" {
			return nil, fmt.Errorf("OPERATOR_TOKENS entry %q must be name:token", pair)
		}
		if _, dup := out[token]; dup {
			return nil, fmt.Errorf("OPERATOR_TOKENS reuses a token for %q", name)
		}
		out[token] = name
	}
	if len(out) == 0 {
		return nil, errors.New("OPERATOR_TOKENS is required")
	}
	return out, nil
}
