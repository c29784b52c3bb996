package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Redis  RedisConfig
	Broker BrokerConfig
	Server ServerConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type BrokerConfig struct {
	AdminAddress        string `mapstructure:"admin_address"`
	LedgerAddress       string `mapstructure:"ledger_address"`
	EscrowAddress       string `mapstructure:"escrow_address"`
	ExpirationWindowSec int64  `mapstructure:"expiration_window_sec"`
	MedianTieBreak      string `mapstructure:"median_tie_break"` // "lower" | "mean"
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("broker.expiration_window_sec", 300)
	v.SetDefault("broker.median_tie_break", "lower")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":                   "REDIS_ADDR",
		"redis.password":               "REDIS_PASSWORD",
		"broker.admin_address":         "ADMIN_ADDRESS",
		"broker.ledger_address":        "LEDGER_ADDRESS",
		"broker.escrow_address":        "ESCROW_ADDRESS",
		"broker.expiration_window_sec": "EXPIRATION_WINDOW_SEC",
		"broker.median_tie_break":      "MEDIAN_TIE_BREAK",
		"server.port":                  "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Broker.AdminAddress, "ADMIN_ADDRESS"},
		{c.Broker.LedgerAddress, "LEDGER_ADDRESS"},
		{c.Broker.EscrowAddress, "ESCROW_ADDRESS"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	switch c.Broker.MedianTieBreak {
	case "lower", "mean":
	default:
		return fmt.Errorf("invalid MEDIAN_TIE_BREAK: %q", c.Broker.MedianTieBreak)
	}
	if c.Broker.ExpirationWindowSec <= 0 {
		return fmt.Errorf("EXPIRATION_WINDOW_SEC must be positive")
	}
	return nil
}
