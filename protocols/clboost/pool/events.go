package pool

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names a committed state change.
type EventType string

const (
	EventInitialized      EventType = "initialized"
	EventPositionModified EventType = "position_modified"
	EventTickCrossed      EventType = "tick_crossed"
	EventPriceSet         EventType = "price_set"
	EventFeesAccrued      EventType = "fees_accrued"
	EventFeesCollected    EventType = "fees_collected"
	EventProtocolFees     EventType = "protocol_fees_collected"
	EventPeriodAdvanced   EventType = "period_advanced"
	EventAttachment       EventType = "attachment_changed"
)

// Event is delivered to the EventSink after the operation that produced it
// has committed. Fields that do not apply to Type are left zero.
type Event struct {
	Type      EventType       `json:"type"`
	Pool      uint64          `json:"pool"`
	Time      uint32          `json:"time"`
	Period    uint64          `json:"period"`
	Owner     *common.Address `json:"owner,omitempty"`
	Key       *common.Hash    `json:"key,omitempty"`
	TickLower int32           `json:"tickLower,omitempty"`
	TickUpper int32           `json:"tickUpper,omitempty"`
	Tick      int32           `json:"tick"`
	Liquidity *big.Int        `json:"liquidity,omitempty"`
	Boosted   *big.Int        `json:"boosted,omitempty"`
	Amount0   *big.Int        `json:"amount0,omitempty"`
	Amount1   *big.Int        `json:"amount1,omitempty"`
	VeTokenID uint64          `json:"veTokenId,omitempty"`
}

// Sinks fans each event out to every sink in order.
type Sinks []EventSink

func (s Sinks) Emit(ev Event) {
	for _, sink := range s {
		sink.Emit(ev)
	}
}
