package clboost

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(id uint64, liquidity, sqrtPrice, tick int64, ticks []TickInfo) Pool {
	return Pool{
		PoolViewMinimal: PoolViewMinimal{
			ID:               id,
			Liquidity:        big.NewInt(liquidity),
			BoostedLiquidity: big.NewInt(0),
			SqrtPriceX96:     big.NewInt(sqrtPrice),
			Tick:             tick,
		},
		Ticks: ticks,
	}
}

func TestDiffer(t *testing.T) {
	tick1 := TickInfo{Index: 10, LiquidityNet: big.NewInt(100), BoostedLiquidityNet: big.NewInt(150)}
	tick2 := TickInfo{Index: 20, LiquidityNet: big.NewInt(200)}

	pool1Old := newTestPool(1, 1000, 5000, 100, []TickInfo{tick1})
	pool2Old := newTestPool(2, 2000, 6000, 200, []TickInfo{tick2})
	pool3Old := newTestPool(3, 3000, 7000, 300, nil)

	t.Run("additions", func(t *testing.T) {
		diff := Differ([]Pool{pool1Old}, []Pool{pool1Old, pool2Old})
		require.Len(t, diff.Additions, 1)
		assert.Equal(t, pool2Old.ID, diff.Additions[0].ID)
		assert.Empty(t, diff.Updates)
		assert.Empty(t, diff.Deletions)
	})

	t.Run("deletions", func(t *testing.T) {
		diff := Differ([]Pool{pool1Old, pool2Old}, []Pool{pool1Old})
		assert.Empty(t, diff.Additions)
		assert.Empty(t, diff.Updates)
		assert.Equal(t, []uint64{2}, diff.Deletions)
	})

	t.Run("core field update", func(t *testing.T) {
		updated := newTestPool(1, 1001, 5000, 100, []TickInfo{tick1})
		diff := Differ([]Pool{pool1Old}, []Pool{updated})
		require.Len(t, diff.Updates, 1)
		assert.Equal(t, int64(1001), diff.Updates[0].Liquidity.Int64())
	})

	t.Run("boosted liquidity and period updates", func(t *testing.T) {
		boosted := newTestPool(1, 1000, 5000, 100, []TickInfo{tick1})
		boosted.BoostedLiquidity = big.NewInt(7)
		assert.Len(t, Differ([]Pool{pool1Old}, []Pool{boosted}).Updates, 1)

		rolled := newTestPool(1, 1000, 5000, 100, []TickInfo{tick1})
		rolled.Period = 3
		assert.Len(t, Differ([]Pool{pool1Old}, []Pool{rolled}).Updates, 1)
	})

	t.Run("nested boosted tick change", func(t *testing.T) {
		changed := TickInfo{Index: 10, LiquidityNet: big.NewInt(100), BoostedLiquidityNet: big.NewInt(151)}
		updated := newTestPool(1, 1000, 5000, 100, []TickInfo{changed})
		diff := Differ([]Pool{pool1Old}, []Pool{updated})
		assert.Len(t, diff.Updates, 1)
	})

	t.Run("tick order does not matter", func(t *testing.T) {
		a := newTestPool(1, 1000, 5000, 100, []TickInfo{tick1, tick2})
		b := newTestPool(1, 1000, 5000, 100, []TickInfo{tick2, tick1})
		assert.True(t, Differ([]Pool{a}, []Pool{b}).IsEmpty())
	})

	t.Run("nil and zero compare equal", func(t *testing.T) {
		a := newTestPool(1, 1000, 5000, 100, nil)
		b := newTestPool(1, 1000, 5000, 100, nil)
		a.FeeGrowthGlobal0X128 = nil
		b.FeeGrowthGlobal0X128 = big.NewInt(0)
		assert.True(t, Differ([]Pool{a}, []Pool{b}).IsEmpty())
	})

	t.Run("position changes", func(t *testing.T) {
		key := common.HexToHash("0x01")
		withPos := func(owed int64, ve uint64) Pool {
			p := newTestPool(1, 1000, 5000, 100, nil)
			p.Positions = []PositionInfo{{Key: key, Liquidity: big.NewInt(5), TokensOwed0: big.NewInt(owed), VeTokenID: ve}}
			return p
		}
		assert.True(t, Differ([]Pool{withPos(1, 2)}, []Pool{withPos(1, 2)}).IsEmpty())
		assert.Len(t, Differ([]Pool{withPos(1, 2)}, []Pool{withPos(2, 2)}).Updates, 1)
		assert.Len(t, Differ([]Pool{withPos(1, 2)}, []Pool{withPos(1, 3)}).Updates, 1)

		other := withPos(1, 2)
		other.Positions[0].Key = common.HexToHash("0x02")
		assert.Len(t, Differ([]Pool{withPos(1, 2)}, []Pool{other}).Updates, 1)
	})

	t.Run("mixed changes are sorted by id", func(t *testing.T) {
		pool4 := newTestPool(4, 4000, 8000, 400, nil)
		pool0 := newTestPool(0, 1, 1, 1, nil)
		updated3 := newTestPool(3, 3001, 7000, 300, nil)
		diff := Differ(
			[]Pool{pool1Old, pool2Old, pool3Old},
			[]Pool{pool4, pool0, pool1Old, updated3},
		)
		require.Len(t, diff.Additions, 2)
		assert.Equal(t, uint64(0), diff.Additions[0].ID)
		assert.Equal(t, uint64(4), diff.Additions[1].ID)
		require.Len(t, diff.Updates, 1)
		assert.Equal(t, uint64(3), diff.Updates[0].ID)
		assert.Equal(t, []uint64{2}, diff.Deletions)
	})

	t.Run("no changes", func(t *testing.T) {
		diff := Differ([]Pool{pool1Old, pool2Old}, []Pool{pool2Old, pool1Old})
		assert.True(t, diff.IsEmpty())
	})
}
