// Package jsonrpc carries pool read models over a go-ethereum JSON-RPC
// websocket subscription: a full state first, then diffs.
package jsonrpc

import (
	"encoding/json"

	"github.com/defistate/clboost/protocols/clboost"
)

const (
	// Namespace is the namespace under which the streamer is registered.
	Namespace = "clboost"
	// SubscriptionMethod is the subscription name the client passes to Subscribe.
	SubscriptionMethod = "subscribeStateStream"

	EventFull = "full"
	EventDiff = "diff"
)

// SubscriptionEvent is the wrapper object sent to subscribers.
type SubscriptionEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	// SentAt is unix nanoseconds.
	SentAt int64 `json:"sentAt"`
}

// State is the payload of a full event.
type State struct {
	Sequence uint64         `json:"sequence"`
	Time     uint32         `json:"time"`
	Pools    []clboost.Pool `json:"pools"`
}

// StateDiff is the payload of a diff event. It applies to the state whose
// sequence is FromSequence.
type StateDiff struct {
	FromSequence uint64             `json:"fromSequence"`
	ToSequence   uint64             `json:"toSequence"`
	Time         uint32             `json:"time"`
	Diff         clboost.SystemDiff `json:"diff"`
}
