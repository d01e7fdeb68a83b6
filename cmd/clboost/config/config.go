// Package config loads the clboost command configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// PoolConfig describes one pool. The price is only used when no snapshot
// of the pool exists.
type PoolConfig struct {
	ID          uint64 `mapstructure:"id"`
	TickSpacing int32  `mapstructure:"tick-spacing"`
	Fee         uint32 `mapstructure:"fee"`
	// InitialTick initializes a fresh pool at the price of this tick.
	InitialTick *int32 `mapstructure:"initial-tick"`
}

// VeToken is a voting-power token known to the static voting ledger.
type VeToken struct {
	ID    uint64 `mapstructure:"id"`
	Owner string `mapstructure:"owner"`
	Power string `mapstructure:"power"`
}

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	LogLevel string

	HTTPAddr       string
	StreamInterval time.Duration
	SaveInterval   time.Duration

	StoreDir   string
	RedisAddr  string
	PGDSN      string
	NATSURL    string
	NATSStream string

	Pools    []PoolConfig
	Managers []string
	VeTokens []VeToken
}

// Load merges config file, environment variables, and flags into Config.
// Environment variables use the CLBOOST_ prefix with dashes as underscores.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CLBOOST")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log-level", "info")
	v.SetDefault("http-addr", ":8080")
	v.SetDefault("stream-interval", 2*time.Second)
	v.SetDefault("save-interval", time.Minute)
	v.SetDefault("nats-stream", "CLBOOST")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("clboost")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		LogLevel:       v.GetString("log-level"),
		HTTPAddr:       v.GetString("http-addr"),
		StreamInterval: v.GetDuration("stream-interval"),
		SaveInterval:   v.GetDuration("save-interval"),
		StoreDir:       v.GetString("store-dir"),
		RedisAddr:      v.GetString("redis-addr"),
		PGDSN:          v.GetString("pg-dsn"),
		NATSURL:        v.GetString("nats-url"),
		NATSStream:     v.GetString("nats-stream"),
		Managers:       getStringSlice(v, "managers"),
	}
	if err := v.UnmarshalKey("pools", &cfg.Pools); err != nil {
		return Config{}, fmt.Errorf("decode pools: %w", err)
	}
	if err := v.UnmarshalKey("ve-tokens", &cfg.VeTokens); err != nil {
		return Config{}, fmt.Errorf("decode ve-tokens: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the pool list.
func (c Config) Validate() error {
	if len(c.Pools) == 0 {
		return errors.New("config: at least one pool is required")
	}
	seen := make(map[uint64]bool, len(c.Pools))
	for _, p := range c.Pools {
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate pool id %d", p.ID)
		}
		seen[p.ID] = true
		if p.TickSpacing <= 0 {
			return fmt.Errorf("config: pool %d: tick-spacing must be positive", p.ID)
		}
	}
	if c.StreamInterval <= 0 || c.SaveInterval <= 0 {
		return errors.New("config: intervals must be positive")
	}
	return nil
}

// Pool returns the configuration of pool id.
func (c Config) Pool(id uint64) (PoolConfig, bool) {
	for _, p := range c.Pools {
		if p.ID == id {
			return p, true
		}
	}
	return PoolConfig{}, false
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}
	switch typed := v.Get(key).(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return cleanStrings(strings.Split(typed, ","))
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
