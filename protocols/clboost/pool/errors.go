package pool

import (
	"errors"

	"github.com/defistate/clboost/protocols/clboost/position"
)

var (
	ErrInvalidTickRange       = errors.New("invalid tick range")
	ErrUnauthorizedAttachment = errors.New("unauthorized voting-power attachment")
	// ErrNoPosition is returned for a zero-liquidity poke on an empty position.
	ErrNoPosition         = position.ErrNoPosition
	ErrNotInitialized     = errors.New("pool is not initialized")
	ErrAlreadyInitialized = errors.New("pool is already initialized")
	// ErrSecondsOverflow means a position was credited with more than one
	// period of time in range, which indicates corrupted accounting.
	ErrSecondsOverflow    = errors.New("seconds in range exceed one period")
	ErrTickNotInitialized = errors.New("tick is not initialized")
	// ErrInvalidCross is returned when a crossing does not target the next
	// initialized tick in the direction of travel.
	ErrInvalidCross       = errors.New("tick is not the next initialized tick")
	ErrPriceCrossesTick   = errors.New("price moves past an initialized tick")
	ErrInvalidFeeProtocol = errors.New("invalid protocol fee")
	ErrZeroLiquidity      = errors.New("liquidity amount must be greater than zero")
	ErrFuturePeriod       = errors.New("period has not started")
	ErrPeriodPruned       = errors.New("period records have been pruned")
	// ErrClockOutOfRange is returned once the clock leaves the range of whole
	// periods a 32-bit timestamp can address, or runs behind the pool.
	ErrClockOutOfRange = errors.New("clock out of range")
)
