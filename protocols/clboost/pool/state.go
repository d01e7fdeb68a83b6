package pool

import (
	"errors"
	"fmt"
	"math/big"
	"slices"

	"github.com/defistate/clboost/protocols/clboost"
	"github.com/defistate/clboost/protocols/clboost/calculator/tickbitmap"
	"github.com/defistate/clboost/protocols/clboost/oracle"
	"github.com/defistate/clboost/protocols/clboost/position"
	"github.com/defistate/clboost/protocols/clboost/tick"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PeriodRecord is a PeriodInfo in exported form.
type PeriodRecord struct {
	Period uint64 `json:"period"`
	PeriodInfo
}

// State is the complete persisted form of a pool. Restoring a State yields a
// pool that answers every query exactly as the pool it was taken from.
type State struct {
	ID                   uint64               `json:"id"`
	TickSpacing          int32                `json:"tickSpacing"`
	Fee                  uint32               `json:"fee"`
	Slot0                Slot0                `json:"slot0"`
	Liquidity            uint256.Int          `json:"liquidity"`
	BoostedLiquidity     uint256.Int          `json:"boostedLiquidity"`
	FeeGrowthGlobal0X128 uint256.Int          `json:"feeGrowthGlobal0X128"`
	FeeGrowthGlobal1X128 uint256.Int          `json:"feeGrowthGlobal1X128"`
	ProtocolFees         ProtocolFees         `json:"protocolFees"`
	LastPeriod           uint64               `json:"lastPeriod"`
	PrunedBefore         uint64               `json:"prunedBefore"`
	Periods              []PeriodRecord       `json:"periods"`
	Ticks                []tick.Record        `json:"ticks"`
	TickPeriods          []tick.PeriodRecord  `json:"tickPeriods"`
	Observations         []oracle.Observation `json:"observations"`
	Positions            position.Snapshot    `json:"positions"`
}

var ErrStateMismatch = errors.New("state does not belong to this pool")

// ID returns the pool id.
func (p *Pool) ID() uint64 {
	return p.id
}

// Slot0 returns the price state.
func (p *Pool) Slot0() Slot0 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.slot0
}

// Liquidity returns the in-range raw and boosted liquidity. Boosted liquidity
// reads zero once the clock has entered a new period.
func (p *Pool) Liquidity() (liquidity, boostedLiquidity uint256.Int, err error) {
	err = p.read(func(uint32) error {
		liquidity, boostedLiquidity = p.liquidity, p.boostedLiquidity
		return nil
	})
	return
}

// ProtocolFees returns the withheld protocol fees.
func (p *Pool) ProtocolFees() ProtocolFees {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.protocolFees
}

// Position returns the state of a position and its attached token.
func (p *Pool) Position(key common.Hash) (position.Info, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.positions.Exists(key) {
		return position.Info{}, false
	}
	return p.positions.Get(key), true
}

// Period returns the record of period.
func (p *Pool) Period(period uint64) (PeriodInfo, error) {
	var info PeriodInfo
	err := p.read(func(uint32) error {
		if err := p.checkPeriod(period); err != nil {
			return err
		}
		info = p.periods[period]
		return nil
	})
	return info, err
}

// View returns the read model of the pool. Boosted tick values belong to the
// running period.
func (p *Pool) View() (clboost.Pool, error) {
	var view clboost.Pool
	err := p.read(func(uint32) error {
		view = p.view()
		return nil
	})
	return view, err
}

func (p *Pool) view() clboost.Pool {
	out := clboost.Pool{
		PoolViewMinimal: clboost.PoolViewMinimal{
			ID:                   p.id,
			Fee:                  uint64(p.fee),
			TickSpacing:          uint64(p.tickSpacing),
			Tick:                 int64(p.slot0.Tick),
			Period:               p.lastPeriod,
			Liquidity:            p.liquidity.ToBig(),
			BoostedLiquidity:     p.boostedLiquidity.ToBig(),
			SqrtPriceX96:         p.slot0.SqrtPriceX96.ToBig(),
			FeeGrowthGlobal0X128: p.feeGrowthGlobal0X128.ToBig(),
			FeeGrowthGlobal1X128: p.feeGrowthGlobal1X128.ToBig(),
		},
	}

	records, _ := p.ticks.Export()
	for _, r := range records {
		if !r.Initialized {
			continue
		}
		boost := p.ticks.GetPeriod(r.Tick, p.lastPeriod)
		out.Ticks = append(out.Ticks, clboost.TickInfo{
			Index:                 int64(r.Tick),
			LiquidityGross:        r.LiquidityGross.ToBig(),
			LiquidityNet:          new(big.Int).Set(r.LiquidityNet),
			BoostedLiquidityGross: boost.BoostedLiquidityGross.ToBig(),
			BoostedLiquidityNet:   new(big.Int).Set(boost.BoostedLiquidityNet),
		})
	}

	for _, r := range p.positions.Export().Positions {
		out.Positions = append(out.Positions, clboost.PositionInfo{
			Key:         r.Key,
			Liquidity:   r.Liquidity.ToBig(),
			TokensOwed0: r.TokensOwed0.ToBig(),
			TokensOwed1: r.TokensOwed1.ToBig(),
			VeTokenID:   r.VeTokenID,
		})
	}
	return out
}

// Snapshot exports the pool state as last committed. Periods the clock has
// entered but no operation has materialized yet are not included.
func (p *Pool) Snapshot() *State {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := &State{
		ID:                   p.id,
		TickSpacing:          p.tickSpacing,
		Fee:                  p.fee,
		Slot0:                p.slot0,
		Liquidity:            p.liquidity,
		BoostedLiquidity:     p.boostedLiquidity,
		FeeGrowthGlobal0X128: p.feeGrowthGlobal0X128,
		FeeGrowthGlobal1X128: p.feeGrowthGlobal1X128,
		ProtocolFees:         p.protocolFees,
		LastPeriod:           p.lastPeriod,
		PrunedBefore:         p.prunedBefore,
		Observations:         p.oracle.Observations(),
		Positions:            p.positions.Export(),
	}
	s.Ticks, s.TickPeriods = p.ticks.Export()
	for period, info := range p.periods {
		s.Periods = append(s.Periods, PeriodRecord{Period: period, PeriodInfo: info})
	}
	slices.SortFunc(s.Periods, func(a, b PeriodRecord) int {
		switch {
		case a.Period < b.Period:
			return -1
		case a.Period > b.Period:
			return 1
		}
		return 0
	})
	return s
}

// Restore replaces the pool state with s. Nothing changes when s is rejected.
func (p *Pool) Restore(s *State) error {
	if s.ID != p.id || s.TickSpacing != p.tickSpacing || s.Fee != p.fee {
		return fmt.Errorf("%w: id %d spacing %d fee %d", ErrStateMismatch, s.ID, s.TickSpacing, s.Fee)
	}
	if s.Slot0.Unlocked && int(s.Slot0.ObservationCardinality) > len(s.Observations) {
		return fmt.Errorf("restore: cardinality %d exceeds %d observations", s.Slot0.ObservationCardinality, len(s.Observations))
	}

	ticks := tick.NewLedger(p.journal)
	if err := ticks.Import(s.Ticks, s.TickPeriods); err != nil {
		return fmt.Errorf("restore ticks: %w", err)
	}
	bitmap := tickbitmap.New()
	for _, r := range s.Ticks {
		if !r.Initialized {
			continue
		}
		if err := bitmap.FlipTick(r.Tick, p.tickSpacing); err != nil {
			return fmt.Errorf("restore bitmap: %w", err)
		}
	}
	positions := position.NewLedger(p.journal)
	if err := positions.Import(s.Positions); err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	ring := oracle.New(p.journal)
	if err := ring.Load(s.Observations); err != nil {
		return fmt.Errorf("restore oracle: %w", err)
	}
	periods := make(map[uint64]PeriodInfo, len(s.Periods))
	for _, r := range s.Periods {
		periods[r.Period] = r.PeriodInfo
	}
	if _, ok := periods[s.LastPeriod]; s.Slot0.Unlocked && !ok {
		return fmt.Errorf("restore: running period %d has no record", s.LastPeriod)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.slot0 = s.Slot0
	p.liquidity = s.Liquidity
	p.boostedLiquidity = s.BoostedLiquidity
	p.feeGrowthGlobal0X128 = s.FeeGrowthGlobal0X128
	p.feeGrowthGlobal1X128 = s.FeeGrowthGlobal1X128
	p.protocolFees = s.ProtocolFees
	p.lastPeriod = s.LastPeriod
	p.prunedBefore = s.PrunedBefore
	p.periods = periods
	p.ticks, p.bitmap, p.positions, p.oracle = ticks, bitmap, positions, ring

	p.metrics.Liquidity.Set(toFloat(&p.liquidity))
	p.metrics.Boosted.Set(toFloat(&p.boostedLiquidity))
	p.metrics.Cardinality.Set(float64(p.slot0.ObservationCardinality))
	p.logger.Info("pool restored", "pool", p.id, "period", p.lastPeriod, "ticks", len(s.Ticks))
	return nil
}
