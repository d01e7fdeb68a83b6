package natsstream

import (
	"context"
	"encoding/json"
	"fmt"

	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/defistate/clboost/protocols/clboost/pool"
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// JetStream is the part of nats.JetStreamContext the publisher uses.
type JetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

type metrics struct {
	published *prometheus.CounterVec
	failed    prometheus.Counter
	dropped   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clboost",
			Subsystem: "nats",
			Name:      "events_published_total",
			Help:      "Events acknowledged by JetStream, by event type.",
		}, []string{"type"}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "clboost",
			Subsystem: "nats",
			Name:      "publish_failures_total",
			Help:      "Events JetStream did not acknowledge.",
		}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "clboost",
			Subsystem: "nats",
			Name:      "events_dropped_total",
			Help:      "Events dropped because the publish queue was full.",
		}),
	}
}

// Publisher is a pool.EventSink. Emit only queues; Run publishes.
type Publisher struct {
	cfg     Config
	js      JetStream
	logger  Logger
	metrics *metrics
	queue   chan pool.Event
}

// NewPublisher validates configuration and prepares a Publisher on js.
func NewPublisher(cfg Config, js JetStream, logger Logger, reg prometheus.Registerer) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if js == nil {
		return nil, fmt.Errorf("jetstream context is required")
	}
	return &Publisher{
		cfg:     cfg,
		js:      js,
		logger:  logger,
		metrics: newMetrics(reg),
		queue:   make(chan pool.Event, cfg.QueueSize),
	}, nil
}

// Connect dials cfg.URL and returns a publisher on its JetStream context.
// The returned function closes the connection.
func Connect(cfg Config, logger Logger, reg prometheus.Registerer) (*Publisher, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	conn, err := nats.Connect(cfg.URL, nats.Name("clboost"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	p, err := NewPublisher(cfg, js, logger, reg)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return p, conn.Close, nil
}

// Subject returns <root>.<pool>.<type>.
func (p *Publisher) Subject(ev pool.Event) string {
	return fmt.Sprintf("%s.%d.%s", p.cfg.SubjectRoot, ev.Pool, ev.Type)
}

// Emit queues ev without blocking the pool.
func (p *Publisher) Emit(ev pool.Event) {
	select {
	case p.queue <- ev:
	default:
		p.metrics.dropped.Inc()
		p.logger.Warn("nats publish queue full, dropping event", "pool", ev.Pool, "type", ev.Type)
	}
}

// Run publishes queued events until ctx is done, then drains what is
// already queued.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-p.queue:
			p.publishLogged(ctx, ev)
		case <-ctx.Done():
			p.drain()
			return nil
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case ev := <-p.queue:
			p.publishLogged(context.Background(), ev)
		default:
			return
		}
	}
}

func (p *Publisher) publishLogged(ctx context.Context, ev pool.Event) {
	if err := p.Publish(ctx, ev); err != nil {
		p.metrics.failed.Inc()
		p.logger.Error("nats publish failed", "pool", ev.Pool, "type", ev.Type, "error", err)
	}
}

// Publish sends one event and waits for the stream acknowledgement.
func (p *Publisher) Publish(ctx context.Context, ev pool.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &nats.Msg{Subject: p.Subject(ev), Data: data, Header: nats.Header{}}
	msg.Header.Set("Clboost-Event", string(ev.Type))

	pubCtx, cancel := p.WithTimeout(ctx)
	defer cancel()
	if _, err := p.js.PublishMsg(msg, nats.Context(pubCtx), nats.ExpectStream(p.cfg.Stream)); err != nil {
		return err
	}
	p.metrics.published.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// WithTimeout returns a context with the publisher's timeout applied.
func (p *Publisher) WithTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, p.cfg.PublishTimeout)
}
