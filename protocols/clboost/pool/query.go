package pool

import (
	"fmt"
	"math/big"

	"github.com/defistate/clboost/protocols/clboost/position"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// maxSecondsX96 is one full period in X96 seconds.
var maxSecondsX96 = new(big.Int).Lsh(big.NewInt(Week), 96)

// Observe returns the accumulators as of each secondsAgo. The boosted values
// are relative to the start of the period containing the observed instant.
func (p *Pool) Observe(secondsAgos []uint32) (tickCumulatives []int64, secondsPerLiquidityCumulativeX128s, secondsPerBoostedLiquidityPeriodX128s []*uint256.Int, err error) {
	err = p.read(func(now uint32) error {
		observations, err := p.oracle.Observe(p.oracleState(now), secondsAgos)
		if err != nil {
			return err
		}
		tickCumulatives = make([]int64, len(observations))
		secondsPerLiquidityCumulativeX128s = make([]*uint256.Int, len(observations))
		secondsPerBoostedLiquidityPeriodX128s = make([]*uint256.Int, len(observations))
		for i, obs := range observations {
			tickCumulatives[i] = obs.TickCumulative
			secondsPerLiquidityCumulativeX128s[i] = obs.SecondsPerLiquidityCumulativeX128.Clone()

			start := p.periods[periodOf(obs.BlockTimestamp)]
			boosted := new(uint256.Int)
			sub160(boosted, &obs.SecondsPerBoostedLiquidityCumulativeX128, &start.StartSecondsPerBoostedLiquidityX128)
			secondsPerBoostedLiquidityPeriodX128s[i] = boosted
		}
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return tickCumulatives, secondsPerLiquidityCumulativeX128s, secondsPerBoostedLiquidityPeriodX128s, nil
}

// CumulativesInside are accumulator values scoped to a tick range. Only
// differences between two snapshots of the same range are meaningful.
type CumulativesInside struct {
	TickCumulativeInside          int64       `json:"tickCumulativeInside"`
	SecondsPerLiquidityInsideX128 uint256.Int `json:"secondsPerLiquidityInsideX128"`
	// SecondsPerBoostedLiquidityInsideX128 is relative to the start of the
	// running period.
	SecondsPerBoostedLiquidityInsideX128 uint256.Int `json:"secondsPerBoostedLiquidityInsideX128"`
	SecondsInside                        uint32      `json:"secondsInside"`
}

// SnapshotCumulativesInside returns the range-scoped accumulators as of now.
// Both boundary ticks must be initialized.
func (p *Pool) SnapshotCumulativesInside(tickLower, tickUpper int32) (CumulativesInside, error) {
	var out CumulativesInside
	err := p.read(func(now uint32) error {
		if err := p.checkTicks(tickLower, tickUpper); err != nil {
			return err
		}
		lower, upper := p.ticks.Get(tickLower), p.ticks.Get(tickUpper)
		if !lower.Initialized {
			return fmt.Errorf("%w: %d", ErrTickNotInitialized, tickLower)
		}
		if !upper.Initialized {
			return fmt.Errorf("%w: %d", ErrTickNotInitialized, tickUpper)
		}

		obs, err := p.observeNow(now)
		if err != nil {
			return err
		}
		current := p.slot0.Tick
		switch {
		case current < tickLower:
			out.TickCumulativeInside = lower.TickCumulativeOutside - upper.TickCumulativeOutside
			sub160(&out.SecondsPerLiquidityInsideX128, &lower.SecondsPerLiquidityOutsideX128, &upper.SecondsPerLiquidityOutsideX128)
			out.SecondsInside = lower.SecondsOutside - upper.SecondsOutside
		case current < tickUpper:
			out.TickCumulativeInside = obs.TickCumulative - lower.TickCumulativeOutside - upper.TickCumulativeOutside
			sub160(&out.SecondsPerLiquidityInsideX128, &obs.SecondsPerLiquidityCumulativeX128, &lower.SecondsPerLiquidityOutsideX128)
			sub160(&out.SecondsPerLiquidityInsideX128, &out.SecondsPerLiquidityInsideX128, &upper.SecondsPerLiquidityOutsideX128)
			out.SecondsInside = now - lower.SecondsOutside - upper.SecondsOutside
		default:
			out.TickCumulativeInside = upper.TickCumulativeOutside - lower.TickCumulativeOutside
			sub160(&out.SecondsPerLiquidityInsideX128, &upper.SecondsPerLiquidityOutsideX128, &lower.SecondsPerLiquidityOutsideX128)
			out.SecondsInside = upper.SecondsOutside - lower.SecondsOutside
		}

		secondsPerLiquidityX128, secondsPerBoostedLiquidityX128 := p.periodGlobals(obs)
		_, out.SecondsPerBoostedLiquidityInsideX128 = p.ticks.GetPeriodSecondsInside(
			tickLower, tickUpper, current, p.lastPeriod, &secondsPerLiquidityX128, &secondsPerBoostedLiquidityX128)
		return nil
	})
	return out, err
}

// PeriodCumulativesInside returns the seconds per liquidity and per boosted
// liquidity accrued inside the range during period. A finished period is
// evaluated at its end, inclusive of the boundary instant.
func (p *Pool) PeriodCumulativesInside(period uint64, tickLower, tickUpper int32) (secondsPerLiquidityInsideX128, secondsPerBoostedLiquidityInsideX128 uint256.Int, err error) {
	err = p.read(func(now uint32) error {
		if err := p.checkTicks(tickLower, tickUpper); err != nil {
			return err
		}
		if err := p.checkPeriod(period); err != nil {
			return err
		}
		secondsPerLiquidityInsideX128, secondsPerBoostedLiquidityInsideX128, err = p.periodCumulativesInside(now, period, tickLower, tickUpper)
		return err
	})
	return
}

func (p *Pool) checkPeriod(period uint64) error {
	if period > p.lastPeriod {
		return fmt.Errorf("%w: %d", ErrFuturePeriod, period)
	}
	if period < p.prunedBefore {
		return fmt.Errorf("%w: %d", ErrPeriodPruned, period)
	}
	return nil
}

func (p *Pool) periodCumulativesInside(now uint32, period uint64, tickLower, tickUpper int32) (uint256.Int, uint256.Int, error) {
	if period == p.lastPeriod {
		obs, err := p.observeNow(now)
		if err != nil {
			return uint256.Int{}, uint256.Int{}, err
		}
		secondsPerLiquidityX128, secondsPerBoostedLiquidityX128 := p.periodGlobals(obs)
		spl, spbl := p.ticks.GetPeriodSecondsInside(tickLower, tickUpper, p.slot0.Tick, period, &secondsPerLiquidityX128, &secondsPerBoostedLiquidityX128)
		return spl, spbl, nil
	}

	info, ok := p.periods[period]
	if !ok {
		// before the pool existed
		return uint256.Int{}, uint256.Int{}, nil
	}
	spl, spbl := p.ticks.GetPeriodSecondsInside(tickLower, tickUpper, info.LastTick, period,
		&info.EndSecondsPerLiquidityPeriodX128, &info.EndSecondsPerBoostedLiquidityPeriodX128)
	return spl, spbl, nil
}

// PositionPeriodSecondsInRange returns the seconds, in X96, that the position
// spent in range during period, weighted by its share of raw and of boosted
// liquidity.
func (p *Pool) PositionPeriodSecondsInRange(period uint64, owner common.Address, index *big.Int, tickLower, tickUpper int32) (secondsInsideX96, boostedSecondsInsideX96 *big.Int, err error) {
	err = p.read(func(now uint32) error {
		if err := p.checkTicks(tickLower, tickUpper); err != nil {
			return err
		}
		if err := p.checkPeriod(period); err != nil {
			return err
		}

		key := position.Key(owner, orZero(index), tickLower, tickUpper)
		checkpoint, ok := p.positions.CheckpointAt(key, period)
		if !ok {
			secondsInsideX96, boostedSecondsInsideX96 = new(big.Int), new(big.Int)
			return nil
		}

		insideX128, boostedInsideX128, err := p.periodCumulativesInside(now, period, tickLower, tickUpper)
		if err != nil {
			return err
		}
		boost := p.positions.Boost(period, key)

		if secondsInsideX96, err = position.SecondsInRange(&checkpoint.Liquidity, &insideX128, boost.SecondsDebtX96); err != nil {
			return err
		}
		if boostedSecondsInsideX96, err = position.SecondsInRange(&boost.BoostAmount, &boostedInsideX128, boost.BoostedSecondsDebtX96); err != nil {
			return err
		}
		if secondsInsideX96.Cmp(maxSecondsX96) > 0 || boostedSecondsInsideX96.Cmp(maxSecondsX96) > 0 {
			return fmt.Errorf("%w: period %d key %s", ErrSecondsOverflow, period, key)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return secondsInsideX96, boostedSecondsInsideX96, nil
}
