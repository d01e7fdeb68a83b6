// Package redis stores pool snapshots as JSON values in Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/defistate/clboost/protocols/clboost/pool"
)

// Config represents Redis client configuration options.
type Config struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces the keys; states live under <prefix>:<id>:state.
	KeyPrefix string
	// TTL of 0 keeps states forever.
	TTL time.Duration
}

func DefaultConfig() Config {
	return Config{KeyPrefix: "clboost:pool"}
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.KeyPrefix == "" {
		return fmt.Errorf("redis key prefix cannot be empty")
	}
	if c.TTL < 0 {
		return fmt.Errorf("redis ttl cannot be negative")
	}
	return nil
}

// LoadConfigFromEnv reads CLBOOST_REDIS_ADDR, CLBOOST_REDIS_PASSWORD,
// CLBOOST_REDIS_DB and CLBOOST_REDIS_TTL.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	cfg.Addr = os.Getenv("CLBOOST_REDIS_ADDR")
	cfg.Password = os.Getenv("CLBOOST_REDIS_PASSWORD")
	if raw := os.Getenv("CLBOOST_REDIS_DB"); raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CLBOOST_REDIS_DB: %w", err)
		}
		cfg.DB = db
	}
	if raw := os.Getenv("CLBOOST_REDIS_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CLBOOST_REDIS_TTL: %w", err)
		}
		cfg.TTL = ttl
	}
	return cfg, cfg.Validate()
}

// Store wraps a Redis client.
type Store struct {
	client goredis.Cmdable
	cfg    Config
	closer func() error
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{client: client, cfg: cfg, closer: client.Close}, nil
}

// NewWithClient uses an existing client, such as a cluster client.
func NewWithClient(client goredis.Cmdable, cfg Config) *Store {
	return &Store{client: client, cfg: cfg}
}

func (s *Store) key(poolID uint64) string {
	return fmt.Sprintf("%s:%d:state", s.cfg.KeyPrefix, poolID)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Save(ctx context.Context, state *pool.State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return s.client.Set(ctx, s.key(state.ID), payload, s.cfg.TTL).Err()
}

func (s *Store) Load(ctx context.Context, poolID uint64) (*pool.State, bool, error) {
	payload, err := s.client.Get(ctx, s.key(poolID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var state pool.State
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, false, fmt.Errorf("parse state: %w", err)
	}
	return &state, true, nil
}

// Close releases the client when the store created it.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
