package clboost

import (
	"fmt"
	"math/big"
	"sort"
)

// copyBig returns a new big.Int with the value of x; nil stays nil.
func copyBig(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

// DeepCopyPool returns a Pool sharing no memory with p.
func DeepCopyPool(p Pool) Pool {
	out := p
	out.Liquidity = copyBig(p.Liquidity)
	out.BoostedLiquidity = copyBig(p.BoostedLiquidity)
	out.SqrtPriceX96 = copyBig(p.SqrtPriceX96)
	out.FeeGrowthGlobal0X128 = copyBig(p.FeeGrowthGlobal0X128)
	out.FeeGrowthGlobal1X128 = copyBig(p.FeeGrowthGlobal1X128)

	if p.Ticks != nil {
		out.Ticks = make([]TickInfo, len(p.Ticks))
		for i, t := range p.Ticks {
			out.Ticks[i] = TickInfo{
				Index:                 t.Index,
				LiquidityGross:        copyBig(t.LiquidityGross),
				LiquidityNet:          copyBig(t.LiquidityNet),
				BoostedLiquidityGross: copyBig(t.BoostedLiquidityGross),
				BoostedLiquidityNet:   copyBig(t.BoostedLiquidityNet),
			}
		}
	}
	if p.Positions != nil {
		out.Positions = make([]PositionInfo, len(p.Positions))
		for i, pos := range p.Positions {
			out.Positions[i] = PositionInfo{
				Key:         pos.Key,
				Liquidity:   copyBig(pos.Liquidity),
				TokensOwed0: copyBig(pos.TokensOwed0),
				TokensOwed1: copyBig(pos.TokensOwed1),
				VeTokenID:   pos.VeTokenID,
			}
		}
	}
	return out
}

// Patcher builds the next set of pools by applying diff to prevState. It
// fails when the diff does not fit the state it is applied to.
func Patcher(prevState []Pool, diff SystemDiff) ([]Pool, error) {
	next := make(map[uint64]Pool, len(prevState))
	for _, pool := range prevState {
		next[pool.ID] = DeepCopyPool(pool)
	}

	for _, id := range diff.Deletions {
		if _, ok := next[id]; !ok {
			return nil, fmt.Errorf("patcher: deletion of unknown pool %d", id)
		}
		delete(next, id)
	}
	for _, updated := range diff.Updates {
		if _, ok := next[updated.ID]; !ok {
			return nil, fmt.Errorf("patcher: update of unknown pool %d", updated.ID)
		}
		next[updated.ID] = DeepCopyPool(updated)
	}
	for _, added := range diff.Additions {
		if _, ok := next[added.ID]; ok {
			return nil, fmt.Errorf("patcher: addition of existing pool %d", added.ID)
		}
		next[added.ID] = DeepCopyPool(added)
	}

	out := make([]Pool, 0, len(next))
	for _, pool := range next {
		out = append(out, pool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
