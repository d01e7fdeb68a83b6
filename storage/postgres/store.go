// Package postgres stores pool snapshots in a jsonb column.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/defistate/clboost/protocols/clboost/pool"
)

// Schema creates the snapshot table.
const Schema = `
CREATE TABLE IF NOT EXISTS pool_snapshots (
	pool_id     BIGINT PRIMARY KEY,
	last_period BIGINT NOT NULL,
	state       JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store provides Postgres persistence for pool states.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	conn, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: conn}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// Save upserts the state of a pool.
func (s *Store) Save(ctx context.Context, state *pool.State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pool_snapshots (pool_id, last_period, state, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (pool_id) DO UPDATE
		SET last_period = EXCLUDED.last_period, state = EXCLUDED.state, updated_at = now()
	`, int64(state.ID), int64(state.LastPeriod), payload)
	return err
}

// Load returns the saved state of poolID.
func (s *Store) Load(ctx context.Context, poolID uint64) (*pool.State, bool, error) {
	var payload []byte
	row := s.pool.QueryRow(ctx, `SELECT state FROM pool_snapshots WHERE pool_id=$1`, int64(poolID))
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var state pool.State
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, false, fmt.Errorf("parse state: %w", err)
	}
	return &state, true, nil
}
