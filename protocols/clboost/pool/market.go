package pool

import (
	"fmt"
	"math/big"

	"github.com/defistate/clboost/protocols/clboost/calculator/fullmath"
	"github.com/defistate/clboost/protocols/clboost/calculator/liquiditymath"
	"github.com/defistate/clboost/protocols/clboost/calculator/tickmath"
	"github.com/defistate/clboost/protocols/clboost/journal"
	"github.com/defistate/clboost/protocols/clboost/tick"
	"github.com/holiman/uint256"
)

// CrossTick moves the price through the initialized tick t, which must be the
// next initialized tick in the direction of travel. The price is left at the
// tick boundary. It returns the liquidity change applied to the in-range
// totals, already signed for the direction.
func (p *Pool) CrossTick(t int32, zeroForOne bool) (liquidityNet, boostedLiquidityNet *big.Int, err error) {
	err = p.update("cross_tick", func(now uint32) error {
		if !p.ticks.Get(t).Initialized {
			return fmt.Errorf("%w: %d", ErrTickNotInitialized, t)
		}
		next, ok := p.nextInitializedTick(p.slot0.Tick, zeroForOne)
		if !ok || next != t {
			return fmt.Errorf("%w: %d from tick %d", ErrInvalidCross, t, p.slot0.Tick)
		}

		p.writeObservation(now)
		obs, err := p.observeNow(now)
		if err != nil {
			return err
		}
		secondsPerLiquidityX128, secondsPerBoostedLiquidityX128 := p.periodGlobals(obs)
		liquidityNet, boostedLiquidityNet = p.ticks.Cross(t, tick.CrossParams{
			FeeGrowthGlobal0X128:                 &p.feeGrowthGlobal0X128,
			FeeGrowthGlobal1X128:                 &p.feeGrowthGlobal1X128,
			SecondsPerLiquidityCumulativeX128:    &obs.SecondsPerLiquidityCumulativeX128,
			PeriodSecondsPerLiquidityX128:        &secondsPerLiquidityX128,
			PeriodSecondsPerBoostedLiquidityX128: &secondsPerBoostedLiquidityX128,
			TickCumulative:                       obs.TickCumulative,
			Time:                                 now,
			Period:                               p.lastPeriod,
		})
		if zeroForOne {
			liquidityNet.Neg(liquidityNet)
			boostedLiquidityNet.Neg(boostedLiquidityNet)
		}

		var liquidity, boosted, sqrtPriceX96 uint256.Int
		if err := liquiditymath.AddDelta(&liquidity, &p.liquidity, liquidityNet); err != nil {
			return err
		}
		if err := liquiditymath.AddDelta(&boosted, &p.boostedLiquidity, boostedLiquidityNet); err != nil {
			return err
		}
		if err := tickmath.GetSqrtRatioAtTick(&sqrtPriceX96, t); err != nil {
			return err
		}
		tickNext := t
		if zeroForOne {
			tickNext = t - 1
		}
		journal.Set(p.journal, &p.liquidity, liquidity)
		journal.Set(p.journal, &p.boostedLiquidity, boosted)
		journal.Set(p.journal, &p.slot0.SqrtPriceX96, sqrtPriceX96)
		journal.Set(p.journal, &p.slot0.Tick, tickNext)

		p.emit(Event{
			Type: EventTickCrossed, Time: now, Period: p.lastPeriod, Tick: t,
			Liquidity: new(big.Int).Set(liquidityNet), Boosted: new(big.Int).Set(boostedLiquidityNet),
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return liquidityNet, boostedLiquidityNet, nil
}

// SetPrice moves the price without crossing an initialized tick.
func (p *Pool) SetPrice(sqrtPriceX96 *uint256.Int) error {
	return p.update("set_price", func(now uint32) error {
		if sqrtPriceX96.Eq(&p.slot0.SqrtPriceX96) {
			return nil
		}
		tickNext, err := tickmath.GetTickAtSqrtRatio(sqrtPriceX96)
		if err != nil {
			return err
		}

		up := sqrtPriceX96.Gt(&p.slot0.SqrtPriceX96)
		if next, ok := p.nextInitializedTick(p.slot0.Tick, !up); ok {
			if (up && tickNext >= next) || (!up && tickNext < next) {
				return fmt.Errorf("%w: tick %d on the way to %d", ErrPriceCrossesTick, next, tickNext)
			}
		}

		if tickNext != p.slot0.Tick {
			p.writeObservation(now)
			journal.Set(p.journal, &p.slot0.Tick, tickNext)
		}
		journal.Set(p.journal, &p.slot0.SqrtPriceX96, *sqrtPriceX96)
		p.emit(Event{Type: EventPriceSet, Time: now, Period: p.lastPeriod, Tick: tickNext})
		return nil
	})
}

// AccrueFees distributes swap fees to in-range liquidity after withholding
// the protocol share. Fees accrued while no liquidity is in range are not
// distributed.
func (p *Pool) AccrueFees(amount0, amount1 *uint256.Int) error {
	return p.update("accrue_fees", func(now uint32) error {
		if err := p.accrue(amount0, p.slot0.FeeProtocol%16, &p.protocolFees.Token0, &p.feeGrowthGlobal0X128); err != nil {
			return err
		}
		if err := p.accrue(amount1, p.slot0.FeeProtocol>>4, &p.protocolFees.Token1, &p.feeGrowthGlobal1X128); err != nil {
			return err
		}
		p.emit(Event{Type: EventFeesAccrued, Time: now, Period: p.lastPeriod, Tick: p.slot0.Tick, Amount0: amount0.ToBig(), Amount1: amount1.ToBig()})
		return nil
	})
}

func (p *Pool) accrue(amount *uint256.Int, feeProtocol uint8, protocolFee, feeGrowthGlobal *uint256.Int) error {
	var fee uint256.Int
	fee.Set(amount)
	if feeProtocol > 0 {
		var cut, withheld uint256.Int
		cut.Div(&fee, uint256.NewInt(uint64(feeProtocol)))
		fee.Sub(&fee, &cut)
		withheld.Add(protocolFee, &cut).And(&withheld, fullmath.MaxUint128)
		journal.Set(p.journal, protocolFee, withheld)
	}
	if fee.IsZero() || p.liquidity.IsZero() {
		return nil
	}
	var growth, global uint256.Int
	if err := fullmath.MulDiv(&growth, &fee, fullmath.Q128, &p.liquidity); err != nil {
		return err
	}
	global.Add(feeGrowthGlobal, &growth)
	journal.Set(p.journal, feeGrowthGlobal, global)
	return nil
}

// SetFeeProtocol sets the protocol share of swap fees as 1/feeProtocol per
// token; 0 disables it, otherwise values must be in [4, 10].
func (p *Pool) SetFeeProtocol(feeProtocol0, feeProtocol1 uint8) error {
	valid := func(v uint8) bool { return v == 0 || (v >= 4 && v <= 10) }
	if !valid(feeProtocol0) || !valid(feeProtocol1) {
		return fmt.Errorf("%w: %d/%d", ErrInvalidFeeProtocol, feeProtocol0, feeProtocol1)
	}
	return p.update("set_fee_protocol", func(uint32) error {
		journal.Set(p.journal, &p.slot0.FeeProtocol, feeProtocol0+feeProtocol1<<4)
		return nil
	})
}

// CollectProtocol withdraws up to the requested protocol fees.
func (p *Pool) CollectProtocol(requested0, requested1 *uint256.Int) (amount0, amount1 uint256.Int, err error) {
	err = p.update("collect_protocol", func(now uint32) error {
		amount0 = minOf(requested0, &p.protocolFees.Token0)
		amount1 = minOf(requested1, &p.protocolFees.Token1)
		var left0, left1 uint256.Int
		left0.Sub(&p.protocolFees.Token0, &amount0)
		left1.Sub(&p.protocolFees.Token1, &amount1)
		journal.Set(p.journal, &p.protocolFees, ProtocolFees{Token0: left0, Token1: left1})
		p.emit(Event{Type: EventProtocolFees, Time: now, Period: p.lastPeriod, Amount0: amount0.ToBig(), Amount1: amount1.ToBig()})
		return nil
	})
	return amount0, amount1, err
}

func minOf(a, b *uint256.Int) uint256.Int {
	if a.Lt(b) {
		return *a
	}
	return *b
}

// IncreaseObservationCardinalityNext reserves oracle capacity. The ring
// grows into it as observations are written.
func (p *Pool) IncreaseObservationCardinalityNext(next uint16) error {
	return p.update("increase_cardinality", func(uint32) error {
		current := p.slot0.ObservationCardinalityNext
		grown, err := p.oracle.Grow(current, next)
		if err != nil {
			return err
		}
		if grown != current {
			journal.Set(p.journal, &p.slot0.ObservationCardinalityNext, grown)
			p.afterCommit(func() {
				p.logger.Info("observation cardinality increased", "pool", p.id, "from", current, "to", grown)
			})
		}
		return nil
	})
}

// PrunePeriods drops tick and boost records of periods before before. The
// running period is always kept. Period queries for pruned periods fail
// with ErrPeriodPruned afterwards.
func (p *Pool) PrunePeriods(before uint64) (int, error) {
	var n int
	err := p.update("prune_periods", func(uint32) error {
		if before > p.lastPeriod {
			before = p.lastPeriod
		}
		if before <= p.prunedBefore {
			return nil
		}
		n = p.ticks.PrunePeriods(before) + p.positions.PrunePeriods(before)
		journal.Set(p.journal, &p.prunedBefore, before)
		return nil
	})
	return n, err
}
