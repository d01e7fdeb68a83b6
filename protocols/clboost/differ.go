package clboost

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

type SystemDiff struct {
	Additions []Pool   `json:"additions,omitempty"`
	Updates   []Pool   `json:"updates,omitempty"`
	Deletions []uint64 `json:"deletions,omitempty"`
}

// IsEmpty returns true if the diff contains no changes.
func (d SystemDiff) IsEmpty() bool {
	return len(d.Additions) == 0 && len(d.Updates) == 0 && len(d.Deletions) == 0
}

// bigEqual treats nil as zero.
func bigEqual(a, b *big.Int) bool {
	switch {
	case a == nil && b == nil:
		return true
	case a == nil:
		return b.Sign() == 0
	case b == nil:
		return a.Sign() == 0
	}
	return a.Cmp(b) == 0
}

func poolChanged(old, new Pool) bool {
	if old.Tick != new.Tick || old.Period != new.Period {
		return true
	}
	if !bigEqual(old.SqrtPriceX96, new.SqrtPriceX96) ||
		!bigEqual(old.Liquidity, new.Liquidity) ||
		!bigEqual(old.BoostedLiquidity, new.BoostedLiquidity) ||
		!bigEqual(old.FeeGrowthGlobal0X128, new.FeeGrowthGlobal0X128) ||
		!bigEqual(old.FeeGrowthGlobal1X128, new.FeeGrowthGlobal1X128) {
		return true
	}
	return ticksChanged(old.Ticks, new.Ticks) || positionsChanged(old.Positions, new.Positions)
}

// ticksChanged compares order-insensitively.
func ticksChanged(old, new []TickInfo) bool {
	if len(old) != len(new) {
		return true
	}
	oldTicks := sortedTicks(old)
	newTicks := sortedTicks(new)
	for i := range oldTicks {
		o, n := oldTicks[i], newTicks[i]
		if o.Index != n.Index ||
			!bigEqual(o.LiquidityGross, n.LiquidityGross) ||
			!bigEqual(o.LiquidityNet, n.LiquidityNet) ||
			!bigEqual(o.BoostedLiquidityGross, n.BoostedLiquidityGross) ||
			!bigEqual(o.BoostedLiquidityNet, n.BoostedLiquidityNet) {
			return true
		}
	}
	return false
}

func sortedTicks(ticks []TickInfo) []TickInfo {
	out := make([]TickInfo, len(ticks))
	copy(out, ticks)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func positionsChanged(old, new []PositionInfo) bool {
	if len(old) != len(new) {
		return true
	}
	byKey := make(map[common.Hash]PositionInfo, len(old))
	for _, p := range old {
		byKey[p.Key] = p
	}
	for _, n := range new {
		o, ok := byKey[n.Key]
		if !ok {
			return true
		}
		if o.VeTokenID != n.VeTokenID ||
			!bigEqual(o.Liquidity, n.Liquidity) ||
			!bigEqual(o.TokensOwed0, n.TokensOwed0) ||
			!bigEqual(o.TokensOwed1, n.TokensOwed1) {
			return true
		}
	}
	return false
}

// Differ calculates the difference between two sets of pools keyed by ID.
func Differ(old, new []Pool) SystemDiff {
	oldPools := make(map[uint64]Pool, len(old))
	for _, pool := range old {
		oldPools[pool.ID] = pool
	}
	newPools := make(map[uint64]Pool, len(new))
	for _, pool := range new {
		newPools[pool.ID] = pool
	}

	var diff SystemDiff
	for id, newPool := range newPools {
		oldPool, exists := oldPools[id]
		if !exists {
			diff.Additions = append(diff.Additions, newPool)
			continue
		}
		if poolChanged(oldPool, newPool) {
			diff.Updates = append(diff.Updates, newPool)
		}
	}
	for id := range oldPools {
		if _, exists := newPools[id]; !exists {
			diff.Deletions = append(diff.Deletions, id)
		}
	}

	sort.Slice(diff.Additions, func(i, j int) bool { return diff.Additions[i].ID < diff.Additions[j].ID })
	sort.Slice(diff.Updates, func(i, j int) bool { return diff.Updates[i].ID < diff.Updates[j].ID })
	sort.Slice(diff.Deletions, func(i, j int) bool { return diff.Deletions[i] < diff.Deletions[j] })
	return diff
}
