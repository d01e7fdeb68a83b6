// Package tick is the per-tick liquidity ledger: gross and net liquidity,
// the "outside" accumulators used to derive range-scoped growth, and the
// period-scoped boosted records.
package tick

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/defistate/clboost/protocols/clboost/calculator/fullmath"
	"github.com/defistate/clboost/protocols/clboost/calculator/liquiditymath"
	"github.com/defistate/clboost/protocols/clboost/calculator/tickmath"
	"github.com/defistate/clboost/protocols/clboost/journal"
	"github.com/holiman/uint256"
)

var ErrTickLiquidityCapExceeded = errors.New("tick liquidity cap exceeded")

// Info is the per-tick record. Stored *big.Int values are never mutated in
// place, so copying an Info is a safe snapshot.
type Info struct {
	// LiquidityGross is the total liquidity of positions referencing the tick.
	LiquidityGross uint256.Int `json:"liquidityGross"`
	// LiquidityNet is added when the tick is crossed left to right.
	LiquidityNet *big.Int `json:"liquidityNet"`
	// Growth on the side of the tick opposite to the current tick.
	FeeGrowthOutside0X128          uint256.Int `json:"feeGrowthOutside0X128"`
	FeeGrowthOutside1X128          uint256.Int `json:"feeGrowthOutside1X128"`
	TickCumulativeOutside          int64       `json:"tickCumulativeOutside"`
	SecondsPerLiquidityOutsideX128 uint256.Int `json:"secondsPerLiquidityOutsideX128"`
	SecondsOutside                 uint32      `json:"secondsOutside"`
	Initialized                    bool        `json:"initialized"`
}

// PeriodKey addresses the period-scoped record of a tick.
type PeriodKey struct {
	Tick   int32
	Period uint64
}

// PeriodInfo holds a tick's data for one period. The outside accumulators are
// relative to the period start, so a tick without a record has zero growth
// outside it within that period.
type PeriodInfo struct {
	SecondsPerLiquidityOutsideX128        uint256.Int `json:"secondsPerLiquidityOutsideX128"`
	SecondsPerBoostedLiquidityOutsideX128 uint256.Int `json:"secondsPerBoostedLiquidityOutsideX128"`
	BoostedLiquidityGross                 uint256.Int `json:"boostedLiquidityGross"`
	BoostedLiquidityNet                   *big.Int    `json:"boostedLiquidityNet"`
}

// UpdateParams carries the pool state a tick update snapshots from.
type UpdateParams struct {
	TickCurrent           int32
	LiquidityDelta        *big.Int
	BoostedLiquidityDelta *big.Int
	FeeGrowthGlobal0X128  *uint256.Int
	FeeGrowthGlobal1X128  *uint256.Int
	// SecondsPerLiquidityCumulativeX128 is the running oracle value at Time.
	SecondsPerLiquidityCumulativeX128 *uint256.Int
	// Period values are measured from the start of Period.
	PeriodSecondsPerLiquidityX128        *uint256.Int
	PeriodSecondsPerBoostedLiquidityX128 *uint256.Int
	TickCumulative                       int64
	Time                                 uint32
	Period                               uint64
	Upper                                bool
	MaxLiquidity                         *uint256.Int
}

// CrossParams carries the global accumulators at the moment of a crossing.
type CrossParams struct {
	FeeGrowthGlobal0X128                 *uint256.Int
	FeeGrowthGlobal1X128                 *uint256.Int
	SecondsPerLiquidityCumulativeX128    *uint256.Int
	PeriodSecondsPerLiquidityX128        *uint256.Int
	PeriodSecondsPerBoostedLiquidityX128 *uint256.Int
	TickCumulative                       int64
	Time                                 uint32
	Period                               uint64
}

// Ledger owns all tick records of one pool.
type Ledger struct {
	ticks   map[int32]Info
	periods map[PeriodKey]PeriodInfo
	journal *journal.Journal
}

// NewLedger returns an empty ledger recording its writes in j.
func NewLedger(j *journal.Journal) *Ledger {
	return &Ledger{
		ticks:   make(map[int32]Info),
		periods: make(map[PeriodKey]PeriodInfo),
		journal: j,
	}
}

// MaxLiquidityPerTick derives the per-tick liquidity cap from the tick spacing
// so that liquidity on every usable tick can never overflow a uint128.
func MaxLiquidityPerTick(tickSpacing int32) *uint256.Int {
	minTick := (tickmath.MIN_TICK / tickSpacing) * tickSpacing
	maxTick := (tickmath.MAX_TICK / tickSpacing) * tickSpacing
	numTicks := uint64((maxTick-minTick)/tickSpacing) + 1
	return new(uint256.Int).Div(fullmath.MaxUint128, uint256.NewInt(numTicks))
}

// Get returns the record of tick. Missing ticks read as the zero record.
func (l *Ledger) Get(tick int32) Info {
	info := l.ticks[tick]
	if info.LiquidityNet == nil {
		info.LiquidityNet = new(big.Int)
	}
	return info
}

// GetPeriod returns the period record of tick.
func (l *Ledger) GetPeriod(tick int32, period uint64) PeriodInfo {
	pi := l.periods[PeriodKey{Tick: tick, Period: period}]
	if pi.BoostedLiquidityNet == nil {
		pi.BoostedLiquidityNet = new(big.Int)
	}
	return pi
}

// Update applies a liquidity change to tick and reports whether the tick
// flipped between initialized and uninitialized.
func (l *Ledger) Update(tick int32, p UpdateParams) (flipped bool, err error) {
	info := l.Get(tick)

	grossBefore := info.LiquidityGross
	var grossAfter uint256.Int
	if err := liquiditymath.AddDelta(&grossAfter, &grossBefore, p.LiquidityDelta); err != nil {
		return false, fmt.Errorf("tick %d: %w", tick, err)
	}
	if grossAfter.Gt(p.MaxLiquidity) {
		return false, fmt.Errorf("%w: tick %d", ErrTickLiquidityCapExceeded, tick)
	}

	flipped = grossAfter.IsZero() != grossBefore.IsZero()

	net := new(big.Int)
	if p.Upper {
		net.Sub(info.LiquidityNet, p.LiquidityDelta)
	} else {
		net.Add(info.LiquidityNet, p.LiquidityDelta)
	}
	if err := fullmath.ToInt128(net); err != nil {
		return false, fmt.Errorf("tick %d liquidity net: %w", tick, err)
	}

	key := PeriodKey{Tick: tick, Period: p.Period}
	pi := l.GetPeriod(tick, p.Period)

	var boostedGross uint256.Int
	if err := liquiditymath.AddDelta(&boostedGross, &pi.BoostedLiquidityGross, p.BoostedLiquidityDelta); err != nil {
		return false, fmt.Errorf("tick %d boosted: %w", tick, err)
	}
	boostedNet := new(big.Int)
	if p.Upper {
		boostedNet.Sub(pi.BoostedLiquidityNet, p.BoostedLiquidityDelta)
	} else {
		boostedNet.Add(pi.BoostedLiquidityNet, p.BoostedLiquidityDelta)
	}
	if err := fullmath.ToInt128(boostedNet); err != nil {
		return false, fmt.Errorf("tick %d boosted net: %w", tick, err)
	}

	if grossBefore.IsZero() {
		// all growth before initialization is assumed to have happened below the tick
		if tick <= p.TickCurrent {
			info.FeeGrowthOutside0X128.Set(p.FeeGrowthGlobal0X128)
			info.FeeGrowthOutside1X128.Set(p.FeeGrowthGlobal1X128)
			info.SecondsPerLiquidityOutsideX128.Set(p.SecondsPerLiquidityCumulativeX128)
			info.TickCumulativeOutside = p.TickCumulative
			info.SecondsOutside = p.Time
			pi.SecondsPerLiquidityOutsideX128.Set(p.PeriodSecondsPerLiquidityX128)
			pi.SecondsPerBoostedLiquidityOutsideX128.Set(p.PeriodSecondsPerBoostedLiquidityX128)
		} else {
			pi.SecondsPerLiquidityOutsideX128.Clear()
			pi.SecondsPerBoostedLiquidityOutsideX128.Clear()
		}
		info.Initialized = true
	}

	info.LiquidityGross = grossAfter
	info.LiquidityNet = net
	pi.BoostedLiquidityGross = boostedGross
	pi.BoostedLiquidityNet = boostedNet

	journal.MapSet(l.journal, l.ticks, tick, info)
	journal.MapSet(l.journal, l.periods, key, pi)
	return flipped, nil
}

// Cross flips the outside accumulators of tick as the price moves through it
// and returns the liquidity to apply, left to right.
func (l *Ledger) Cross(tick int32, p CrossParams) (liquidityNet, boostedLiquidityNet *big.Int) {
	info := l.Get(tick)
	info.FeeGrowthOutside0X128.Sub(p.FeeGrowthGlobal0X128, &info.FeeGrowthOutside0X128)
	info.FeeGrowthOutside1X128.Sub(p.FeeGrowthGlobal1X128, &info.FeeGrowthOutside1X128)
	sub160(&info.SecondsPerLiquidityOutsideX128, p.SecondsPerLiquidityCumulativeX128, &info.SecondsPerLiquidityOutsideX128)
	info.TickCumulativeOutside = p.TickCumulative - info.TickCumulativeOutside
	info.SecondsOutside = p.Time - info.SecondsOutside

	key := PeriodKey{Tick: tick, Period: p.Period}
	pi := l.GetPeriod(tick, p.Period)
	sub160(&pi.SecondsPerLiquidityOutsideX128, p.PeriodSecondsPerLiquidityX128, &pi.SecondsPerLiquidityOutsideX128)
	sub160(&pi.SecondsPerBoostedLiquidityOutsideX128, p.PeriodSecondsPerBoostedLiquidityX128, &pi.SecondsPerBoostedLiquidityOutsideX128)

	if info.Initialized {
		journal.MapSet(l.journal, l.ticks, tick, info)
	}
	journal.MapSet(l.journal, l.periods, key, pi)
	return new(big.Int).Set(info.LiquidityNet), new(big.Int).Set(pi.BoostedLiquidityNet)
}

// Clear removes the record of tick. Period records stay as history for past
// period queries and are reclaimed by PrunePeriods.
func (l *Ledger) Clear(tick int32) {
	journal.MapDelete(l.journal, l.ticks, tick)
}

// PrunePeriods drops period records older than before and returns how many
// were removed.
func (l *Ledger) PrunePeriods(before uint64) int {
	n := 0
	for key := range l.periods {
		if key.Period < before {
			journal.MapDelete(l.journal, l.periods, key)
			n++
		}
	}
	return n
}

// GetFeeGrowthInside returns the fee growth per unit of liquidity inside
// [lower, upper) given the current tick and the global growth.
func (l *Ledger) GetFeeGrowthInside(lower, upper, current int32, global0, global1 *uint256.Int) (inside0, inside1 uint256.Int) {
	lo, up := l.Get(lower), l.Get(upper)

	var below0, below1, above0, above1 uint256.Int
	if current >= lower {
		below0.Set(&lo.FeeGrowthOutside0X128)
		below1.Set(&lo.FeeGrowthOutside1X128)
	} else {
		below0.Sub(global0, &lo.FeeGrowthOutside0X128)
		below1.Sub(global1, &lo.FeeGrowthOutside1X128)
	}
	if current < upper {
		above0.Set(&up.FeeGrowthOutside0X128)
		above1.Set(&up.FeeGrowthOutside1X128)
	} else {
		above0.Sub(global0, &up.FeeGrowthOutside0X128)
		above1.Sub(global1, &up.FeeGrowthOutside1X128)
	}

	inside0.Sub(global0, &below0).Sub(&inside0, &above0)
	inside1.Sub(global1, &below1).Sub(&inside1, &above1)
	return inside0, inside1
}

// GetPeriodSecondsInside returns the period-relative seconds per liquidity
// and seconds per boosted liquidity inside [lower, upper). current is the
// live tick for the running period or the last tick of a finished one.
func (l *Ledger) GetPeriodSecondsInside(
	lower, upper, current int32,
	period uint64,
	periodSecondsPerLiquidityX128, periodSecondsPerBoostedLiquidityX128 *uint256.Int,
) (secondsPerLiquidityInsideX128, secondsPerBoostedLiquidityInsideX128 uint256.Int) {
	lo, up := l.GetPeriod(lower, period), l.GetPeriod(upper, period)

	secondsPerLiquidityInsideX128 = inside160(current, lower, upper,
		periodSecondsPerLiquidityX128, &lo.SecondsPerLiquidityOutsideX128, &up.SecondsPerLiquidityOutsideX128)
	secondsPerBoostedLiquidityInsideX128 = inside160(current, lower, upper,
		periodSecondsPerBoostedLiquidityX128, &lo.SecondsPerBoostedLiquidityOutsideX128, &up.SecondsPerBoostedLiquidityOutsideX128)
	return
}

// inside160 is global - below - above for a 160-bit accumulator.
func inside160(current, lower, upper int32, global, lowerOutside, upperOutside *uint256.Int) uint256.Int {
	var out uint256.Int
	switch {
	case current < lower:
		sub160(&out, lowerOutside, upperOutside)
	case current < upper:
		sub160(&out, global, lowerOutside)
		sub160(&out, &out, upperOutside)
	default:
		sub160(&out, upperOutside, lowerOutside)
	}
	return out
}

func sub160(dest, a, b *uint256.Int) {
	dest.Sub(a, b).And(dest, fullmath.MaxUint160)
}

// Record is a tick record in exported form.
type Record struct {
	Tick int32 `json:"tick"`
	Info
}

// PeriodRecord is a period record in exported form.
type PeriodRecord struct {
	Tick   int32  `json:"tick"`
	Period uint64 `json:"period"`
	PeriodInfo
}

// Export returns every record sorted by tick, then period.
func (l *Ledger) Export() ([]Record, []PeriodRecord) {
	ticks := make([]Record, 0, len(l.ticks))
	for t := range l.ticks {
		ticks = append(ticks, Record{Tick: t, Info: l.Get(t)})
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i].Tick < ticks[j].Tick })

	periods := make([]PeriodRecord, 0, len(l.periods))
	for key := range l.periods {
		periods = append(periods, PeriodRecord{Tick: key.Tick, Period: key.Period, PeriodInfo: l.GetPeriod(key.Tick, key.Period)})
	}
	sort.Slice(periods, func(i, j int) bool {
		if periods[i].Tick != periods[j].Tick {
			return periods[i].Tick < periods[j].Tick
		}
		return periods[i].Period < periods[j].Period
	})
	return ticks, periods
}

// Import replaces the ledger contents. It is not journaled.
func (l *Ledger) Import(ticks []Record, periods []PeriodRecord) error {
	next := make(map[int32]Info, len(ticks))
	for _, r := range ticks {
		if r.Initialized == r.LiquidityGross.IsZero() {
			return fmt.Errorf("tick %d: initialized flag disagrees with gross liquidity", r.Tick)
		}
		if r.LiquidityNet == nil {
			r.LiquidityNet = new(big.Int)
		}
		next[r.Tick] = r.Info
	}
	nextPeriods := make(map[PeriodKey]PeriodInfo, len(periods))
	for _, r := range periods {
		if r.BoostedLiquidityNet == nil {
			r.BoostedLiquidityNet = new(big.Int)
		}
		nextPeriods[PeriodKey{Tick: r.Tick, Period: r.Period}] = r.PeriodInfo
	}
	l.ticks, l.periods = next, nextPeriods
	return nil
}
