package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/defistate/clboost/cmd/clboost/config"
	"github.com/defistate/clboost/protocols/clboost/pool"
	"github.com/defistate/clboost/storage"
	"github.com/defistate/clboost/storage/postgres"
	"github.com/defistate/clboost/storage/redis"
)

// stores writes to every configured backend and reads from the first one
// that has the pool.
type stores struct {
	backends []storage.Store
	closers  []func()
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	s := &stores{}
	if cfg.PGDSN != "" {
		pg, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		s.closers = append(s.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		s.backends = append(s.backends, pg)
	}
	if cfg.RedisAddr != "" {
		rcfg := redis.DefaultConfig()
		rcfg.Addr = cfg.RedisAddr
		rs, err := redis.New(rcfg)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open redis: %w", err)
		}
		s.closers = append(s.closers, func() { _ = rs.Close() })
		s.backends = append(s.backends, rs)
	}
	if cfg.StoreDir != "" {
		fs, err := storage.NewFileStore(cfg.StoreDir)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.backends = append(s.backends, fs)
	}
	return s, nil
}

func (s *stores) Save(ctx context.Context, state *pool.State) error {
	var errs []error
	for _, b := range s.backends {
		if err := b.Save(ctx, state); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *stores) Load(ctx context.Context, poolID uint64) (*pool.State, bool, error) {
	for _, b := range s.backends {
		state, ok, err := b.Load(ctx, poolID)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return state, true, nil
		}
	}
	return nil, false, nil
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}
