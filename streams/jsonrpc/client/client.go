// Package client follows a clboost state stream and keeps a patched copy of
// every pool read model.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/defistate/clboost/protocols/clboost"
	"github.com/defistate/clboost/streams/jsonrpc"
)

// Constants for reconnection logic
const (
	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 30 * time.Second
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// StatePatcherFunc applies a diff to the pools of a previous state.
type StatePatcherFunc func(prev []clboost.Pool, diff clboost.SystemDiff) ([]clboost.Pool, error)

// Config holds the configuration for the client.
type Config struct {
	URL        string
	Logger     Logger
	BufferSize uint
	// StatePatcher defaults to clboost.Patcher.
	StatePatcher StatePatcherFunc
}

func (c *Config) validate() error {
	if c.URL == "" {
		return errors.New("config: URL is required")
	}
	if c.BufferSize < 1 {
		return errors.New("config: BufferSize must be greater than 0")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	return nil
}

// StreamProcessor parses stream events, maintains the latest state, applies
// diffs and hands every new state to the state channel. It does no networking.
type StreamProcessor struct {
	lastState    *jsonrpc.State
	statePatcher StatePatcherFunc
	stateCh      chan *jsonrpc.State
	logger       Logger
}

func NewStreamProcessor(logger Logger, bufferSize uint, statePatcher StatePatcherFunc) *StreamProcessor {
	if statePatcher == nil {
		statePatcher = clboost.Patcher
	}
	return &StreamProcessor{
		logger:       logger,
		stateCh:      make(chan *jsonrpc.State, bufferSize),
		statePatcher: statePatcher,
	}
}

// State returns a read-only channel for receiving new states.
func (sp *StreamProcessor) State() <-chan *jsonrpc.State {
	return sp.stateCh
}

// ProcessMessage accepts one raw subscription event.
func (sp *StreamProcessor) ProcessMessage(rawData json.RawMessage) error {
	processingStart := time.Now()
	var event jsonrpc.SubscriptionEvent
	if err := json.Unmarshal(rawData, &event); err != nil {
		return fmt.Errorf("failed to unmarshal subscription event: %w", err)
	}

	switch event.Type {
	case jsonrpc.EventFull:
		return sp.handleFullState(event, processingStart)
	case jsonrpc.EventDiff:
		return sp.handleDiff(event, processingStart)
	default:
		return fmt.Errorf("unknown event type: %s", event.Type)
	}
}

func (sp *StreamProcessor) handleFullState(event jsonrpc.SubscriptionEvent, start time.Time) error {
	var state jsonrpc.State
	if err := json.Unmarshal(event.Payload, &state); err != nil {
		return fmt.Errorf("failed to unmarshal full state payload: %w", err)
	}
	sp.logMetrics(&state, time.Since(start), event.SentAt, jsonrpc.EventFull)
	sp.storeState(&state)
	sp.stateCh <- &state
	return nil
}

func (sp *StreamProcessor) handleDiff(event jsonrpc.SubscriptionEvent, start time.Time) error {
	var diff jsonrpc.StateDiff
	if err := json.Unmarshal(event.Payload, &diff); err != nil {
		return fmt.Errorf("failed to unmarshal diff payload: %w", err)
	}
	if sp.lastState == nil {
		return fmt.Errorf("received diff before full state; from_sequence: %d, to_sequence: %d", diff.FromSequence, diff.ToSequence)
	}
	if diff.FromSequence != sp.lastState.Sequence {
		sp.logger.Warn(
			"Received out-of-order diff; state may be out of sync. Discarding.",
			"last_known_sequence", sp.lastState.Sequence,
			"diff_from_sequence", diff.FromSequence,
			"diff_to_sequence", diff.ToSequence,
		)
		return nil
	}

	pools, err := sp.statePatcher(sp.lastState.Pools, diff.Diff)
	if err != nil {
		return fmt.Errorf("failed to patch state: %w", err)
	}
	newState := &jsonrpc.State{Sequence: diff.ToSequence, Time: diff.Time, Pools: pools}

	sp.logMetrics(newState, time.Since(start), event.SentAt, jsonrpc.EventDiff)
	sp.storeState(newState)
	sp.stateCh <- newState
	return nil
}

func (sp *StreamProcessor) storeState(state *jsonrpc.State) {
	sp.lastState = state
}

func (sp *StreamProcessor) logMetrics(state *jsonrpc.State, processingDur time.Duration, sentAt int64, stateType string) {
	clientStartTime := time.Now().Add(-processingDur)
	transportTime := clientStartTime.Sub(time.Unix(0, sentAt))

	sp.logger.Debug("State Processed",
		"sequence", state.Sequence,
		"type", stateType,
		"pools", len(state.Pools),
		"latency_transport_ms", transportTime.Milliseconds(),
		"latency_proc_ms", processingDur.Milliseconds(),
	)
}

// Client manages the connection and uses StreamProcessor for logic.
type Client struct {
	processor *StreamProcessor
	errCh     chan error
	logger    Logger
}

// NewClient starts following the stream at cfg.URL until ctx is done.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client := &Client{
		processor: NewStreamProcessor(cfg.Logger, cfg.BufferSize, cfg.StatePatcher),
		errCh:     make(chan error, 1),
		logger:    cfg.Logger,
	}
	go client.run(ctx, cfg.URL)
	return client, nil
}

// State delegates to the processor's state channel.
func (c *Client) State() <-chan *jsonrpc.State {
	return c.processor.State()
}

// Err is closed when the client stops.
func (c *Client) Err() <-chan error {
	return c.errCh
}

func (c *Client) run(ctx context.Context, url string) {
	defer close(c.errCh)
	reconnectDelay := initialReconnectDelay

	for {
		if ctx.Err() != nil {
			c.logger.Info("Client context canceled, shutting down.")
			return
		}

		c.logger.Info("Attempting to connect to RPC server", "url", url)
		rpcClient, err := rpc.DialContext(ctx, url)
		if err != nil {
			c.logger.Error("Failed to connect to RPC server, will retry...", "error", err, "delay", reconnectDelay)
			if !sleep(ctx, reconnectDelay) {
				return
			}
			reconnectDelay = min(reconnectDelay*2, maxReconnectDelay)
			continue
		}

		c.logger.Info("Successfully connected to RPC server.")
		reconnectDelay = initialReconnectDelay

		// a new subscription starts with a full state
		c.processor.lastState = nil
		err = c.subscribeAndProcess(ctx, rpcClient)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.logger.Info("Context canceled, shutting down.")
				return
			}
			c.logger.Error("Subscription failed, will reconnect...", "error", err, "delay", reconnectDelay)
			if !sleep(ctx, reconnectDelay) {
				return
			}
			reconnectDelay = min(reconnectDelay*2, maxReconnectDelay)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) subscribeAndProcess(ctx context.Context, rpcClient *rpc.Client) error {
	defer rpcClient.Close()

	rawCh := make(chan json.RawMessage)
	sub, err := rpcClient.Subscribe(ctx, jsonrpc.Namespace, rawCh, jsonrpc.SubscriptionMethod)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	c.logger.Info("Successfully subscribed. Waiting for data...")
	for {
		select {
		case rawData := <-rawCh:
			if err := c.processor.ProcessMessage(rawData); err != nil {
				c.logger.Error("Error processing message", "error", err)
			}
		case err := <-sub.Err():
			return err
		case <-ctx.Done():
			c.logger.Info("Context cancelled, stopping subscription.")
			return ctx.Err()
		}
	}
}
