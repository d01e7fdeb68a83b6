package natsstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defistate/clboost/protocols/clboost/pool"
)

type fakeJetStream struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (f *fakeJetStream) PublishMsg(m *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, m)
	return &nats.PubAck{Stream: "CLBOOST", Sequence: uint64(len(f.msgs))}, nil
}

func (f *fakeJetStream) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.msgs))
	for i, m := range f.msgs {
		out[i] = m.Subject
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.URL = "nats://localhost:4222"
	cfg.Stream = "CLBOOST"
	cfg.QueueSize = 2
	return cfg
}

func newTestPublisher(t *testing.T, js JetStream) *Publisher {
	t.Helper()
	p, err := NewPublisher(testConfig(), js, slog.New(slog.NewTextHandler(io.Discard, nil)), prometheus.NewRegistry())
	require.NoError(t, err)
	return p
}

func TestConfig_Validate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing url", func(c *Config) { c.URL = "" }},
		{"missing stream", func(c *Config) { c.Stream = "" }},
		{"empty subject root", func(c *Config) { c.SubjectRoot = "" }},
		{"zero timeout", func(c *Config) { c.PublishTimeout = 0 }},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }},
	}
	require.NoError(t, testConfig().Validate())
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(envNATSURL, "nats://nats:4222")
	t.Setenv(envNATSStream, "POOLS")
	t.Setenv(envPublishTimeout, "250")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "nats://nats:4222", cfg.URL)
	assert.Equal(t, "POOLS", cfg.Stream)
	assert.Equal(t, "clboost", cfg.SubjectRoot)
	assert.Equal(t, int64(250), cfg.PublishTimeout.Milliseconds())

	t.Setenv(envPublishTimeout, "soon")
	_, err = FromEnv()
	require.Error(t, err)
}

func TestPublish(t *testing.T) {
	js := &fakeJetStream{}
	p := newTestPublisher(t, js)

	ev := pool.Event{Type: pool.EventTickCrossed, Pool: 9, Tick: -60}
	require.NoError(t, p.Publish(context.Background(), ev))

	require.Len(t, js.msgs, 1)
	assert.Equal(t, "clboost.9.tick_crossed", js.msgs[0].Subject)
	assert.Equal(t, "tick_crossed", js.msgs[0].Header.Get("Clboost-Event"))

	var decoded pool.Event
	require.NoError(t, json.Unmarshal(js.msgs[0].Data, &decoded))
	assert.Equal(t, ev, decoded)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.published.WithLabelValues("tick_crossed")))
}

func TestEmit_DropsWhenQueueFull(t *testing.T) {
	js := &fakeJetStream{}
	p := newTestPublisher(t, js)

	for i := 0; i < 3; i++ {
		p.Emit(pool.Event{Type: pool.EventPriceSet, Pool: 1})
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.dropped))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))
	assert.Equal(t, []string{"clboost.1.price_set", "clboost.1.price_set"}, js.subjects())
}

func TestRun_CountsFailures(t *testing.T) {
	js := &fakeJetStream{err: errors.New("no responders")}
	p := newTestPublisher(t, js)

	p.Emit(pool.Event{Type: pool.EventFeesAccrued, Pool: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.failed))
}
