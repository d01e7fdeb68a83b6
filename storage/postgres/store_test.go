package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/defistate/clboost/protocols/clboost/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore_RequiresDSN(t *testing.T) {
	_, err := NewStore(context.Background(), "")
	require.Error(t, err)
}

// TestStore_Postgres runs against the database named by CLBOOST_TEST_PG_DSN.
func TestStore_Postgres(t *testing.T) {
	dsn := os.Getenv("CLBOOST_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("CLBOOST_TEST_PG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := NewStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Migrate(ctx))

	id := uint64(time.Now().UnixNano() & 0x7fffffffffff)
	state := &pool.State{ID: id, TickSpacing: 60, LastPeriod: 2900}
	state.Liquidity.SetUint64(5)
	require.NoError(t, store.Save(ctx, state))

	state.Liquidity.SetUint64(6)
	require.NoError(t, store.Save(ctx, state))

	loaded, ok, err := store.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(6), loaded.Liquidity.Uint64())

	_, ok, err = store.Load(ctx, id+1)
	require.NoError(t, err)
	assert.False(t, ok)
}
