// Package server streams pool read models to JSON-RPC subscribers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/defistate/clboost/protocols/clboost"
	"github.com/defistate/clboost/protocols/clboost/pool"
	"github.com/defistate/clboost/streams/jsonrpc"
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Source is a pool whose read model is streamed.
type Source interface {
	ID() uint64
	View() (clboost.Pool, error)
}

// Config holds the configuration for the streamer.
type Config struct {
	Sources []Source
	Logger  Logger
	// Registry is optional.
	Registry prometheus.Registerer
	// Now stamps payloads; defaults to the wall clock.
	Now func() uint32
	// BufferSize bounds the events queued per subscriber. A subscriber that
	// falls further behind is dropped.
	BufferSize int
}

func (c *Config) validate() error {
	if len(c.Sources) == 0 {
		return errors.New("config: at least one Source is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.BufferSize < 1 {
		return errors.New("config: BufferSize must be greater than 0")
	}
	return nil
}

type subscriber struct {
	events chan *jsonrpc.SubscriptionEvent
	// done is closed when the subscriber is dropped for falling behind.
	done chan struct{}
}

// Streamer keeps the latest read model of its sources and fans full states
// and diffs out to subscribers. It is also a pool.EventSink: an event marks
// the state dirty and Run refreshes it.
type Streamer struct {
	sources []Source
	logger  Logger
	now     func() uint32
	buffer  int
	dirty   chan struct{}

	subscribers prometheus.Gauge
	diffs       prometheus.Counter

	mu       sync.Mutex
	sequence uint64
	last     []clboost.Pool
	subs     map[*subscriber]struct{}
}

func New(cfg Config) (*Streamer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = func() uint32 { return uint32(time.Now().Unix()) }
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Streamer{
		sources: cfg.Sources,
		logger:  cfg.Logger,
		now:     now,
		buffer:  cfg.BufferSize,
		dirty:   make(chan struct{}, 1),
		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "clboost",
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Active state stream subscribers.",
		}),
		diffs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "clboost",
			Subsystem: "stream",
			Name:      "diffs_total",
			Help:      "Non-empty diffs broadcast to subscribers.",
		}),
		subs: make(map[*subscriber]struct{}),
	}, nil
}

// Emit marks the state dirty.
func (s *Streamer) Emit(pool.Event) {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// Run refreshes the state whenever an event arrives and at every interval,
// until ctx is done.
func (s *Streamer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.Refresh(); err != nil {
		s.logger.Error("state refresh failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.dirty:
		case <-ticker.C:
		}
		if err := s.Refresh(); err != nil {
			s.logger.Error("state refresh failed", "error", err)
		}
	}
}

func (s *Streamer) views() ([]clboost.Pool, error) {
	out := make([]clboost.Pool, 0, len(s.sources))
	for _, src := range s.sources {
		v, err := src.View()
		if errors.Is(err, pool.ErrNotInitialized) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("view pool %d: %w", src.ID(), err)
		}
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b clboost.Pool) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// Refresh rebuilds the read model and broadcasts the diff from the previous
// one. Nothing is sent when nothing changed.
func (s *Streamer) Refresh() error {
	views, err := s.views()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sequence == 0 {
		s.sequence = 1
		s.last = views
		return nil
	}
	diff := clboost.Differ(s.last, views)
	if diff.IsEmpty() {
		return nil
	}
	event, err := newEvent(jsonrpc.EventDiff, jsonrpc.StateDiff{
		FromSequence: s.sequence,
		ToSequence:   s.sequence + 1,
		Time:         s.now(),
		Diff:         diff,
	})
	if err != nil {
		return err
	}
	s.sequence++
	s.last = views
	s.diffs.Inc()
	for sub := range s.subs {
		s.deliver(sub, event)
	}
	return nil
}

// deliver queues event for sub, dropping sub when its buffer is full.
// Callers hold s.mu.
func (s *Streamer) deliver(sub *subscriber, event *jsonrpc.SubscriptionEvent) {
	select {
	case sub.events <- event:
	default:
		s.logger.Warn("state stream subscriber fell behind, dropping it")
		s.removeLocked(sub)
		close(sub.done)
	}
}

func (s *Streamer) removeLocked(sub *subscriber) {
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		s.subscribers.Dec()
	}
}

// subscribe registers a subscriber whose first event is the current full state.
func (s *Streamer) subscribe() (*subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sequence == 0 {
		return nil, errors.New("state not ready")
	}
	event, err := newEvent(jsonrpc.EventFull, jsonrpc.State{
		Sequence: s.sequence,
		Time:     s.now(),
		Pools:    s.last,
	})
	if err != nil {
		return nil, err
	}
	sub := &subscriber{
		events: make(chan *jsonrpc.SubscriptionEvent, s.buffer),
		done:   make(chan struct{}),
	}
	sub.events <- event
	s.subs[sub] = struct{}{}
	s.subscribers.Inc()
	return sub, nil
}

func (s *Streamer) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(sub)
}

func newEvent(kind string, payload any) (*jsonrpc.SubscriptionEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &jsonrpc.SubscriptionEvent{Type: kind, Payload: data, SentAt: time.Now().UnixNano()}, nil
}

// api is the RPC surface; every exported method of a registered receiver
// becomes callable, so the Streamer itself is not registered.
type api struct {
	s *Streamer
}

// SubscribeStateStream is the RPC method behind clboost_subscribe("subscribeStateStream").
func (a *api) SubscribeStateStream(ctx context.Context) (*rpc.Subscription, error) {
	s := a.s
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return nil, rpc.ErrNotificationsUnsupported
	}
	sub, err := s.subscribe()
	if err != nil {
		return nil, err
	}

	rpcSub := notifier.CreateSubscription()
	go func() {
		defer s.unsubscribe(sub)
		for {
			select {
			case event := <-sub.events:
				if err := notifier.Notify(rpcSub.ID, event); err != nil {
					s.logger.Warn("notify subscriber failed", "error", err)
					return
				}
			case <-sub.done:
				return
			case <-rpcSub.Err():
				return
			}
		}
	}()
	return rpcSub, nil
}

// NewRPCServer registers s under jsonrpc.Namespace.
func NewRPCServer(s *Streamer) (*rpc.Server, error) {
	server := rpc.NewServer()
	if err := server.RegisterName(jsonrpc.Namespace, &api{s: s}); err != nil {
		return nil, fmt.Errorf("register stream api: %w", err)
	}
	return server, nil
}
