package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defistate/clboost/protocols/clboost"
	"github.com/defistate/clboost/protocols/clboost/pool"
	"github.com/defistate/clboost/streams/jsonrpc"
)

type fakeSource struct {
	mu  sync.Mutex
	id  uint64
	liq int64
	err error
}

func (f *fakeSource) ID() uint64 { return f.id }

func (f *fakeSource) View() (clboost.Pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return clboost.Pool{}, f.err
	}
	return clboost.Pool{PoolViewMinimal: clboost.PoolViewMinimal{ID: f.id, Liquidity: big.NewInt(f.liq)}}, nil
}

func (f *fakeSource) set(liq int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liq, f.err = liq, err
}

func newTestStreamer(t *testing.T, buffer int, sources ...Source) *Streamer {
	t.Helper()
	s, err := New(Config{
		Sources:    sources,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registry:   prometheus.NewRegistry(),
		Now:        func() uint32 { return 1000 },
		BufferSize: buffer,
	})
	require.NoError(t, err)
	return s
}

func decode[T any](t *testing.T, ev *jsonrpc.SubscriptionEvent) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(ev.Payload, &out))
	return out
}

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := New(Config{Logger: slog.Default(), BufferSize: 1})
	require.Error(t, err)
	_, err = New(Config{Sources: []Source{&fakeSource{}}, BufferSize: 1})
	require.Error(t, err)
	_, err = New(Config{Sources: []Source{&fakeSource{}}, Logger: slog.Default()})
	require.Error(t, err)
}

func TestStreamer_FullThenDiffs(t *testing.T) {
	a := &fakeSource{id: 2, liq: 10}
	b := &fakeSource{id: 1, err: pool.ErrNotInitialized}
	s := newTestStreamer(t, 4, a, b)

	_, err := s.subscribe()
	require.Error(t, err, "nothing to send before the first refresh")

	require.NoError(t, s.Refresh())
	sub, err := s.subscribe()
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.subscribers))

	full := <-sub.events
	assert.Equal(t, jsonrpc.EventFull, full.Type)
	state := decode[jsonrpc.State](t, full)
	assert.Equal(t, uint64(1), state.Sequence)
	assert.Equal(t, uint32(1000), state.Time)
	require.Len(t, state.Pools, 1, "uninitialized pools are skipped")

	// unchanged views send nothing
	require.NoError(t, s.Refresh())
	assert.Empty(t, sub.events)

	b.set(5, nil)
	a.set(11, nil)
	require.NoError(t, s.Refresh())
	ev := <-sub.events
	assert.Equal(t, jsonrpc.EventDiff, ev.Type)
	diff := decode[jsonrpc.StateDiff](t, ev)
	assert.Equal(t, uint64(1), diff.FromSequence)
	assert.Equal(t, uint64(2), diff.ToSequence)
	require.Len(t, diff.Diff.Additions, 1)
	assert.Equal(t, uint64(1), diff.Diff.Additions[0].ID)
	require.Len(t, diff.Diff.Updates, 1)
	assert.Equal(t, int64(11), diff.Diff.Updates[0].Liquidity.Int64())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.diffs))

	s.unsubscribe(sub)
	assert.Equal(t, 0.0, testutil.ToFloat64(s.subscribers))
}

func TestStreamer_DropsSlowSubscriber(t *testing.T) {
	src := &fakeSource{id: 1}
	s := newTestStreamer(t, 1, src)
	require.NoError(t, s.Refresh())

	sub, err := s.subscribe()
	require.NoError(t, err)

	// the full state still occupies the only slot
	src.set(1, nil)
	require.NoError(t, s.Refresh())

	select {
	case <-sub.done:
	default:
		t.Fatal("slow subscriber was not dropped")
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(s.subscribers))
}

func TestStreamer_RefreshError(t *testing.T) {
	src := &fakeSource{id: 1}
	s := newTestStreamer(t, 1, src)
	require.NoError(t, s.Refresh())

	src.set(0, errors.New("boom"))
	require.Error(t, s.Refresh())
}

func TestStreamer_RunRefreshesOnEvents(t *testing.T) {
	src := &fakeSource{id: 1}
	s := newTestStreamer(t, 4, src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, time.Hour) }()

	var sub *subscriber
	require.Eventually(t, func() bool {
		var err error
		sub, err = s.subscribe()
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	<-sub.events

	src.set(3, nil)
	s.Emit(pool.Event{Type: pool.EventPriceSet})
	select {
	case ev := <-sub.events:
		assert.Equal(t, jsonrpc.EventDiff, ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no diff after event")
	}

	cancel()
	require.NoError(t, <-done)
}
