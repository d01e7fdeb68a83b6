// Package oracle stores the time-weighted accumulator history of a pool in a
// fixed-capacity ring of observations.
package oracle

import (
	"errors"
	"fmt"

	"github.com/defistate/clboost/protocols/clboost/calculator/fullmath"
	"github.com/defistate/clboost/protocols/clboost/journal"
	"github.com/holiman/uint256"
)

// MaxCardinality is the largest number of observations a ring can hold.
const MaxCardinality = 65535

var (
	// ErrStaleOracleQuery is returned when the requested time is older than
	// the oldest retained observation.
	ErrStaleOracleQuery    = errors.New("stale oracle query: target older than oldest observation")
	ErrOracleUninitialized = errors.New("oracle is not initialized")
)

// Observation is one ring slot. The accumulators are running values that are
// never reset; period-scoped values are derived by subtracting a period's
// starting snapshot.
type Observation struct {
	BlockTimestamp uint32 `json:"blockTimestamp"`
	// TickCumulative is the sum of tick * seconds since initialization.
	TickCumulative int64 `json:"tickCumulative"`
	// SecondsPerLiquidityCumulativeX128 is seconds / max(1, liquidity), modulo 2^160.
	SecondsPerLiquidityCumulativeX128 uint256.Int `json:"secondsPerLiquidityCumulativeX128"`
	// SecondsPerBoostedLiquidityCumulativeX128 is seconds / max(1, boostedLiquidity), modulo 2^160.
	SecondsPerBoostedLiquidityCumulativeX128 uint256.Int `json:"secondsPerBoostedLiquidityCumulativeX128"`
	// BoostedInRange counts the seconds during which boosted liquidity was positive.
	BoostedInRange uint32 `json:"boostedInRange"`
	Initialized    bool   `json:"initialized"`
}

// Transform rolls last forward to time assuming tick and both liquidities
// were constant over the gap.
func Transform(last Observation, time uint32, tick int32, liquidity, boostedLiquidity *uint256.Int) Observation {
	delta := time - last.BlockTimestamp

	next := Observation{
		BlockTimestamp: time,
		TickCumulative: last.TickCumulative + int64(tick)*int64(delta),
		BoostedInRange: last.BoostedInRange,
		Initialized:    true,
	}
	accrue(&next.SecondsPerLiquidityCumulativeX128, &last.SecondsPerLiquidityCumulativeX128, delta, liquidity)
	accrue(&next.SecondsPerBoostedLiquidityCumulativeX128, &last.SecondsPerBoostedLiquidityCumulativeX128, delta, boostedLiquidity)
	if !boostedLiquidity.IsZero() {
		next.BoostedInRange += delta
	}
	return next
}

// accrue sets dest = prev + (delta << 128) / max(1, liquidity) modulo 2^160.
func accrue(dest, prev *uint256.Int, delta uint32, liquidity *uint256.Int) {
	var step uint256.Int
	step.SetUint64(uint64(delta)).Lsh(&step, 128)
	if !liquidity.IsZero() {
		step.Div(&step, liquidity)
	}
	dest.Add(prev, &step)
	dest.And(dest, fullmath.MaxUint160)
}

// Oracle is the observation ring. The write index and cardinalities are owned
// by the caller's price state and passed into every call.
type Oracle struct {
	observations []Observation
	journal      *journal.Journal
}

// New returns an empty ring. Writes are recorded in j when it is not nil.
func New(j *journal.Journal) *Oracle {
	return &Oracle{journal: j}
}

// Initialize writes the first observation and returns cardinality and
// cardinalityNext, both 1.
func (o *Oracle) Initialize(time uint32) (cardinality, cardinalityNext uint16) {
	if len(o.observations) == 0 {
		o.grow(1)
	}
	o.set(0, Observation{BlockTimestamp: time, Initialized: true})
	return 1, 1
}

// Write appends an observation for time unless one already exists for that
// exact timestamp. The ring grows to cardinalityNext once the last populated
// slot has been written.
func (o *Oracle) Write(
	index uint16,
	time uint32,
	tick int32,
	liquidity, boostedLiquidity *uint256.Int,
	cardinality, cardinalityNext uint16,
) (indexUpdated, cardinalityUpdated uint16) {
	last := o.observations[index]
	if last.BlockTimestamp == time {
		return index, cardinality
	}

	cardinalityUpdated = cardinality
	if cardinalityNext > cardinality && index == cardinality-1 {
		cardinalityUpdated = cardinalityNext
	}
	indexUpdated = (index + 1) % cardinalityUpdated
	o.set(indexUpdated, Transform(last, time, tick, liquidity, boostedLiquidity))
	return indexUpdated, cardinalityUpdated
}

// Grow reserves capacity for next observations. New slots get a non-zero
// placeholder timestamp and stay uninitialized until written.
func (o *Oracle) Grow(current, next uint16) (uint16, error) {
	if current == 0 {
		return 0, ErrOracleUninitialized
	}
	if next <= current {
		return current, nil
	}
	o.grow(int(next))
	return next, nil
}

// At returns the observation stored at index.
func (o *Oracle) At(index uint16) Observation {
	return o.observations[index]
}

// Len returns the number of allocated slots.
func (o *Oracle) Len() int {
	return len(o.observations)
}

// Observations returns a copy of the allocated slots.
func (o *Oracle) Observations() []Observation {
	return append([]Observation(nil), o.observations...)
}

// Load replaces the ring contents. Accumulators must fit in 160 bits.
func (o *Oracle) Load(observations []Observation) error {
	if len(observations) > MaxCardinality {
		return fmt.Errorf("oracle: %d observations exceed capacity", len(observations))
	}
	for i := range observations {
		obs := &observations[i]
		if err := fullmath.ToUint160(&obs.SecondsPerLiquidityCumulativeX128); err != nil {
			return fmt.Errorf("oracle: observation %d seconds per liquidity: %w", i, err)
		}
		if err := fullmath.ToUint160(&obs.SecondsPerBoostedLiquidityCumulativeX128); err != nil {
			return fmt.Errorf("oracle: observation %d seconds per boosted liquidity: %w", i, err)
		}
	}
	o.observations = append([]Observation(nil), observations...)
	return nil
}

func (o *Oracle) grow(size int) {
	prevLen := len(o.observations)
	if size <= prevLen {
		return
	}
	o.journal.Record(func() { o.observations = o.observations[:prevLen] })
	for i := prevLen; i < size; i++ {
		o.observations = append(o.observations, Observation{BlockTimestamp: 1})
	}
}

func (o *Oracle) set(index uint16, obs Observation) {
	prev := o.observations[index]
	o.journal.Record(func() { o.observations[index] = prev })
	o.observations[index] = obs
}

// lte compares two timestamps that are both at or before time, where time may
// have wrapped past 2^32 once.
func lte(time, a, b uint32) bool {
	if a <= time && b <= time {
		return a <= b
	}
	aAdjusted, bAdjusted := uint64(a), uint64(b)
	if a <= time {
		aAdjusted += 1 << 32
	}
	if b <= time {
		bAdjusted += 1 << 32
	}
	return aAdjusted <= bAdjusted
}
