package pool

import (
	"fmt"
	"math/big"

	"github.com/defistate/clboost/protocols/clboost/calculator/fullmath"
	"github.com/defistate/clboost/protocols/clboost/calculator/liquiditymath"
	"github.com/defistate/clboost/protocols/clboost/calculator/sqrtpricemath"
	"github.com/defistate/clboost/protocols/clboost/calculator/tickmath"
	"github.com/defistate/clboost/protocols/clboost/journal"
	"github.com/defistate/clboost/protocols/clboost/position"
	"github.com/defistate/clboost/protocols/clboost/tick"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ModifyPositionParams describes a liquidity change of one position.
type ModifyPositionParams struct {
	Owner     common.Address
	Index     *big.Int
	TickLower int32
	TickUpper int32
	// LiquidityDelta may be zero to settle fees and refresh the boost.
	LiquidityDelta *big.Int
	// VeTokenID is the voting-power token to attach, 0 to detach or
	// KeepAttachment to leave it as is.
	VeTokenID uint64
}

// ModifyPositionResult carries the signed token amounts owed to the pool
// (positive) or to the owner (negative).
type ModifyPositionResult struct {
	Key              common.Hash
	Amount0          *big.Int
	Amount1          *big.Int
	BoostedLiquidity uint256.Int
}

// ModifyPosition adds or removes liquidity, settles fees, and refreshes the
// boost of the position for the running period.
func (p *Pool) ModifyPosition(params ModifyPositionParams) (ModifyPositionResult, error) {
	var res ModifyPositionResult
	err := p.update("modify_position", func(now uint32) error {
		var err error
		res, err = p.modifyPosition(now, params)
		return err
	})
	return res, err
}

// Mint adds amount of liquidity and attaches veTokenID.
func (p *Pool) Mint(owner common.Address, index *big.Int, tickLower, tickUpper int32, amount *uint256.Int, veTokenID uint64) (amount0, amount1 *big.Int, err error) {
	if amount.IsZero() {
		return nil, nil, ErrZeroLiquidity
	}
	res, err := p.ModifyPosition(ModifyPositionParams{
		Owner:          owner,
		Index:          index,
		TickLower:      tickLower,
		TickUpper:      tickUpper,
		LiquidityDelta: amount.ToBig(),
		VeTokenID:      veTokenID,
	})
	if err != nil {
		return nil, nil, err
	}
	return res.Amount0, res.Amount1, nil
}

// Burn removes amount of liquidity and credits the released tokens to the
// position's owed balances. A zero amount only settles fees.
func (p *Pool) Burn(owner common.Address, index *big.Int, tickLower, tickUpper int32, amount *uint256.Int) (amount0, amount1 *big.Int, err error) {
	err = p.update("burn", func(now uint32) error {
		res, err := p.modifyPosition(now, ModifyPositionParams{
			Owner:          owner,
			Index:          index,
			TickLower:      tickLower,
			TickUpper:      tickUpper,
			LiquidityDelta: new(big.Int).Neg(amount.ToBig()),
			VeTokenID:      KeepAttachment,
		})
		if err != nil {
			return err
		}
		amount0 = new(big.Int).Neg(res.Amount0)
		amount1 = new(big.Int).Neg(res.Amount1)
		p.positions.Credit(res.Key, uint256.MustFromBig(amount0), uint256.MustFromBig(amount1))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return amount0, amount1, nil
}

// Collect withdraws up to the requested amounts from the owed balances.
func (p *Pool) Collect(owner common.Address, index *big.Int, tickLower, tickUpper int32, requested0, requested1 *uint256.Int) (amount0, amount1 uint256.Int, err error) {
	err = p.update("collect", func(now uint32) error {
		key := position.Key(owner, orZero(index), tickLower, tickUpper)
		var err error
		amount0, amount1, err = p.positions.Collect(key, requested0, requested1)
		if err != nil {
			return err
		}
		p.emit(Event{
			Type: EventFeesCollected, Time: now, Period: p.lastPeriod, Owner: &owner, Key: &key,
			TickLower: tickLower, TickUpper: tickUpper, Amount0: amount0.ToBig(), Amount1: amount1.ToBig(),
		})
		return nil
	})
	return amount0, amount1, err
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}

func (p *Pool) modifyPosition(now uint32, params ModifyPositionParams) (ModifyPositionResult, error) {
	lower, upper := params.TickLower, params.TickUpper
	if err := p.checkTicks(lower, upper); err != nil {
		return ModifyPositionResult{}, err
	}
	delta := orZero(params.LiquidityDelta)
	if err := fullmath.ToInt128(delta); err != nil {
		return ModifyPositionResult{}, fmt.Errorf("liquidity delta: %w", err)
	}

	key := position.Key(params.Owner, orZero(params.Index), lower, upper)
	res := ModifyPositionResult{Key: key, Amount0: new(big.Int), Amount1: new(big.Int)}
	info := p.positions.Get(key)
	if delta.Sign() == 0 && info.Liquidity.IsZero() {
		return res, ErrNoPosition
	}

	var liquidityNext uint256.Int
	if err := liquiditymath.AddDelta(&liquidityNext, &info.Liquidity, delta); err != nil {
		return res, err
	}

	tokenID, err := p.resolveAttachment(now, params.Owner, key, info.VeTokenID, params.VeTokenID, liquidityNext.IsZero())
	if err != nil {
		return res, err
	}

	period := p.lastPeriod
	boostedDelta, err := p.refreshBoost(period, key, tokenID, &liquidityNext, &res.BoostedLiquidity)
	if err != nil {
		return res, err
	}

	flippedLower, flippedUpper, err := p.updateTicks(now, period, lower, upper, delta, boostedDelta)
	if err != nil {
		return res, err
	}

	feeGrowthInside0X128, feeGrowthInside1X128 := p.ticks.GetFeeGrowthInside(lower, upper, p.slot0.Tick, &p.feeGrowthGlobal0X128, &p.feeGrowthGlobal1X128)
	if err := p.positions.Update(key, &liquidityNext, delta.Sign() == 0, &feeGrowthInside0X128, &feeGrowthInside1X128); err != nil {
		return res, err
	}

	p.positions.WriteCheckpoint(key, period, &liquidityNext)

	obs, err := p.observeNow(now)
	if err != nil {
		return res, err
	}
	secondsPerLiquidityX128, secondsPerBoostedLiquidityX128 := p.periodGlobals(obs)
	insideX128, boostedInsideX128 := p.ticks.GetPeriodSecondsInside(lower, upper, p.slot0.Tick, period, &secondsPerLiquidityX128, &secondsPerBoostedLiquidityX128)
	if err := p.positions.AddDebt(period, key, delta, boostedDelta, &insideX128, &boostedInsideX128); err != nil {
		return res, err
	}

	if err := p.applyLiquidity(lower, upper, delta, boostedDelta, &res); err != nil {
		return res, err
	}

	if delta.Sign() < 0 {
		if flippedLower {
			p.ticks.Clear(lower)
		}
		if flippedUpper {
			p.ticks.Clear(upper)
		}
	}

	owner := params.Owner
	p.emit(Event{
		Type: EventPositionModified, Time: now, Period: period, Owner: &owner, Key: &key,
		TickLower: lower, TickUpper: upper, Tick: p.slot0.Tick,
		Liquidity: new(big.Int).Set(delta), Boosted: boostedDelta,
		Amount0: res.Amount0, Amount1: res.Amount1, VeTokenID: tokenID,
	})
	return res, nil
}

// resolveAttachment applies the attachment rules and returns the token that
// is attached once the operation commits. An emptied position always detaches.
func (p *Pool) resolveAttachment(now uint32, owner common.Address, key common.Hash, current, requested uint64, empty bool) (uint64, error) {
	next := current
	switch {
	case empty:
		next = 0
	case requested != KeepAttachment:
		next = requested
	}
	if next == current {
		return current, nil
	}
	if next != 0 && !p.auth.IsManager(owner) && !p.auth.IsApprovedOrOwner(owner, next) {
		return 0, fmt.Errorf("%w: %s may not attach token %d", ErrUnauthorizedAttachment, owner, next)
	}

	p.positions.SetAttachment(key, next)
	if current != 0 {
		p.afterCommit(func() { p.votes.Detach(current, owner) })
	}
	if next != 0 {
		p.afterCommit(func() { p.votes.Attach(next, owner) })
	}
	p.emit(Event{Type: EventAttachment, Time: now, Period: p.lastPeriod, Owner: &owner, Key: &key, VeTokenID: next})
	return next, nil
}

// refreshBoost recomputes the boosted liquidity of key for period from the
// voting power of tokenID, stores it in boosted and returns the change
// against the position's previous boost in the period.
func (p *Pool) refreshBoost(period uint64, key common.Hash, tokenID uint64, liquidity *uint256.Int, boosted *uint256.Int) (*big.Int, error) {
	var veAmount uint256.Int
	if tokenID != 0 && !liquidity.IsZero() {
		power, err := p.votes.VotingPower(tokenID)
		if err != nil {
			return nil, fmt.Errorf("voting power of token %d: %w", tokenID, err)
		}
		// negative power counts as none
		if power != nil && power.Sign() > 0 {
			if overflow := veAmount.SetFromBig(power); overflow {
				return nil, fmt.Errorf("voting power of token %d: %w", tokenID, fullmath.ErrArithmeticOverflow)
			}
		}
	}

	prev := p.positions.Boost(period, key)
	totals := p.positions.PeriodBoost(period)
	var totalVeAmount uint256.Int
	totalVeAmount.Sub(&totals.TotalVeAmount, &prev.VeAmount)
	if _, overflow := totalVeAmount.AddOverflow(&totalVeAmount, &veAmount); overflow {
		return nil, fmt.Errorf("total voting power: %w", fullmath.ErrArithmeticOverflow)
	}

	next, err := position.BoostedLiquidity(liquidity, &veAmount, &totalVeAmount)
	if err != nil {
		return nil, err
	}
	boosted.Set(&next)
	p.positions.SetBoost(period, key, &next, &veAmount)
	return new(big.Int).Sub(next.ToBig(), prev.BoostAmount.ToBig()), nil
}

// updateTicks applies the raw and boosted deltas to both boundary ticks and
// flips their bitmap bits when they change state.
func (p *Pool) updateTicks(now uint32, period uint64, lower, upper int32, delta, boostedDelta *big.Int) (flippedLower, flippedUpper bool, err error) {
	if delta.Sign() == 0 && boostedDelta.Sign() == 0 {
		return false, false, nil
	}
	if p.inRange(lower, upper) {
		p.writeObservation(now)
	}
	obs, err := p.observeNow(now)
	if err != nil {
		return false, false, err
	}
	secondsPerLiquidityX128, secondsPerBoostedLiquidityX128 := p.periodGlobals(obs)

	params := tick.UpdateParams{
		TickCurrent:                          p.slot0.Tick,
		LiquidityDelta:                       delta,
		BoostedLiquidityDelta:                boostedDelta,
		FeeGrowthGlobal0X128:                 &p.feeGrowthGlobal0X128,
		FeeGrowthGlobal1X128:                 &p.feeGrowthGlobal1X128,
		SecondsPerLiquidityCumulativeX128:    &obs.SecondsPerLiquidityCumulativeX128,
		PeriodSecondsPerLiquidityX128:        &secondsPerLiquidityX128,
		PeriodSecondsPerBoostedLiquidityX128: &secondsPerBoostedLiquidityX128,
		TickCumulative:                       obs.TickCumulative,
		Time:                                 now,
		Period:                               period,
		MaxLiquidity:                         p.maxLiquidityPerTick,
	}
	if flippedLower, err = p.ticks.Update(lower, params); err != nil {
		return false, false, err
	}
	params.Upper = true
	if flippedUpper, err = p.ticks.Update(upper, params); err != nil {
		return false, false, err
	}

	if flippedLower {
		if err := p.flipTick(lower); err != nil {
			return false, false, err
		}
	}
	if flippedUpper {
		if err := p.flipTick(upper); err != nil {
			return false, false, err
		}
	}
	return flippedLower, flippedUpper, nil
}

func (p *Pool) inRange(lower, upper int32) bool {
	return lower <= p.slot0.Tick && p.slot0.Tick < upper
}

// applyLiquidity computes the token amounts of a raw liquidity change and
// updates the in-range totals.
func (p *Pool) applyLiquidity(lower, upper int32, delta, boostedDelta *big.Int, res *ModifyPositionResult) error {
	if delta.Sign() != 0 {
		var sqrtLower, sqrtUpper uint256.Int
		if err := tickmath.GetSqrtRatioAtTick(&sqrtLower, lower); err != nil {
			return err
		}
		if err := tickmath.GetSqrtRatioAtTick(&sqrtUpper, upper); err != nil {
			return err
		}

		var err error
		switch {
		case p.slot0.Tick < lower:
			res.Amount0, err = sqrtpricemath.GetAmount0DeltaSigned(&sqrtLower, &sqrtUpper, delta)
		case p.slot0.Tick < upper:
			if res.Amount0, err = sqrtpricemath.GetAmount0DeltaSigned(&p.slot0.SqrtPriceX96, &sqrtUpper, delta); err != nil {
				return err
			}
			res.Amount1, err = sqrtpricemath.GetAmount1DeltaSigned(&sqrtLower, &p.slot0.SqrtPriceX96, delta)
		default:
			res.Amount1, err = sqrtpricemath.GetAmount1DeltaSigned(&sqrtLower, &sqrtUpper, delta)
		}
		if err != nil {
			return err
		}
	}

	if !p.inRange(lower, upper) {
		return nil
	}
	var liquidity, boosted uint256.Int
	if err := liquiditymath.AddDelta(&liquidity, &p.liquidity, delta); err != nil {
		return err
	}
	if err := liquiditymath.AddDelta(&boosted, &p.boostedLiquidity, boostedDelta); err != nil {
		return err
	}
	journal.Set(p.journal, &p.liquidity, liquidity)
	journal.Set(p.journal, &p.boostedLiquidity, boosted)
	return nil
}
