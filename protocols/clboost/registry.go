// Package clboost holds the read model of boosted concentrated-liquidity
// pools and the differ/patcher pair used to ship changes between snapshots.
package clboost

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PoolViewMinimal is the price and liquidity state of a pool.
type PoolViewMinimal struct {
	ID                   uint64   `json:"id"`
	Fee                  uint64   `json:"fee"`
	TickSpacing          uint64   `json:"tickSpacing"`
	Tick                 int64    `json:"tick"`
	Period               uint64   `json:"period"`
	Liquidity            *big.Int `json:"liquidity"`
	BoostedLiquidity     *big.Int `json:"boostedLiquidity"`
	SqrtPriceX96         *big.Int `json:"sqrtPriceX96"`
	FeeGrowthGlobal0X128 *big.Int `json:"feeGrowthGlobal0X128"`
	FeeGrowthGlobal1X128 *big.Int `json:"feeGrowthGlobal1X128"`
}

// TickInfo is the liquidity of an initialized tick. Boosted values belong to
// the running period.
type TickInfo struct {
	Index                 int64    `json:"index"`
	LiquidityGross        *big.Int `json:"liquidityGross"`
	LiquidityNet          *big.Int `json:"liquidityNet"`
	BoostedLiquidityGross *big.Int `json:"boostedLiquidityGross"`
	BoostedLiquidityNet   *big.Int `json:"boostedLiquidityNet"`
}

// PositionInfo is the state of one position.
type PositionInfo struct {
	Key         common.Hash `json:"key"`
	Liquidity   *big.Int    `json:"liquidity"`
	TokensOwed0 *big.Int    `json:"tokensOwed0"`
	TokensOwed1 *big.Int    `json:"tokensOwed1"`
	VeTokenID   uint64      `json:"veTokenId"`
}

// Pool is the fully enriched view of a pool.
type Pool struct {
	PoolViewMinimal `json:",inline"`
	Ticks           []TickInfo     `json:"ticks"`
	Positions       []PositionInfo `json:"positions"`
}
