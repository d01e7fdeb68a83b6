// Package pool is the single-pool accounting engine. It owns the tick,
// position and oracle ledgers, serializes every mutation behind one write
// lock and commits each operation atomically through an undo journal.
package pool

import (
	"fmt"
	"sync"

	"github.com/defistate/clboost/protocols/clboost/calculator/fullmath"
	"github.com/defistate/clboost/protocols/clboost/calculator/tickbitmap"
	"github.com/defistate/clboost/protocols/clboost/calculator/tickmath"
	"github.com/defistate/clboost/protocols/clboost/journal"
	"github.com/defistate/clboost/protocols/clboost/oracle"
	"github.com/defistate/clboost/protocols/clboost/position"
	"github.com/defistate/clboost/protocols/clboost/tick"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// Week is the length of a boost period in seconds.
const Week = 604800

// MaxPeriod is the last period that ends before the 32-bit clock wraps.
const MaxPeriod = (1<<32)/Week - 1

// KeepAttachment passed as a VeTokenID leaves the attachment unchanged.
const KeepAttachment = ^uint64(0)

// Slot0 is the price state of the pool.
type Slot0 struct {
	SqrtPriceX96               uint256.Int `json:"sqrtPriceX96"`
	Tick                       int32       `json:"tick"`
	ObservationIndex           uint16      `json:"observationIndex"`
	ObservationCardinality     uint16      `json:"observationCardinality"`
	ObservationCardinalityNext uint16      `json:"observationCardinalityNext"`
	// FeeProtocol holds the token0 denominator in the low nibble and the
	// token1 denominator in the high nibble.
	FeeProtocol uint8 `json:"feeProtocol"`
	// Unlocked is set once the pool has been initialized.
	Unlocked bool `json:"unlocked"`
}

// PeriodInfo describes one period. Start values are running oracle values at
// the moment the period began; End values are relative to the start and are
// set when the next period begins.
type PeriodInfo struct {
	PreviousPeriod                          uint64      `json:"previousPeriod"`
	StartTick                               int32       `json:"startTick"`
	LastTick                                int32       `json:"lastTick"`
	StartSecondsPerLiquidityX128            uint256.Int `json:"startSecondsPerLiquidityX128"`
	StartSecondsPerBoostedLiquidityX128     uint256.Int `json:"startSecondsPerBoostedLiquidityX128"`
	StartBoostedInRange                     uint32      `json:"startBoostedInRange"`
	EndSecondsPerLiquidityPeriodX128        uint256.Int `json:"endSecondsPerLiquidityPeriodX128"`
	EndSecondsPerBoostedLiquidityPeriodX128 uint256.Int `json:"endSecondsPerBoostedLiquidityPeriodX128"`
	BoostedInRange                          uint32      `json:"boostedInRange"`
	Ended                                   bool        `json:"ended"`
}

// ProtocolFees are the fees withheld for the protocol.
type ProtocolFees struct {
	Token0 uint256.Int `json:"token0"`
	Token1 uint256.Int `json:"token1"`
}

// Pool is the accounting engine of one pool. It is safe for concurrent use:
// mutations are serialized and queries run under a read lock.
type Pool struct {
	mu sync.RWMutex

	id                  uint64
	tickSpacing         int32
	fee                 uint32
	maxLiquidityPerTick *uint256.Int

	logger  Logger
	clock   Clock
	auth    AttachmentAuthorizer
	votes   VotingPowerSource
	events  EventSink
	metrics *Metrics

	journal *journal.Journal
	// outbox holds notifications of the committed operation; they run once
	// the write lock has been released.
	outbox []func()

	slot0                Slot0
	liquidity            uint256.Int
	boostedLiquidity     uint256.Int
	feeGrowthGlobal0X128 uint256.Int
	feeGrowthGlobal1X128 uint256.Int
	protocolFees         ProtocolFees
	lastPeriod           uint64
	prunedBefore         uint64
	periods              map[uint64]PeriodInfo

	ticks     *tick.Ledger
	bitmap    *tickbitmap.Bitmap
	positions *position.Ledger
	oracle    *oracle.Oracle
}

// New creates an uninitialized pool.
func New(cfg *Config) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	j := journal.New()
	return &Pool{
		id:                  cfg.ID,
		tickSpacing:         cfg.TickSpacing,
		fee:                 cfg.Fee,
		maxLiquidityPerTick: tick.MaxLiquidityPerTick(cfg.TickSpacing),
		logger:              cfg.Logger,
		clock:               cfg.Clock,
		auth:                cfg.Authorizer,
		votes:               cfg.VotingPower,
		events:              cfg.Events,
		metrics:             NewMetrics(cfg.Registry, cfg.ID),
		journal:             j,
		periods:             make(map[uint64]PeriodInfo),
		ticks:               tick.NewLedger(j),
		bitmap:              tickbitmap.New(),
		positions:           position.NewLedger(j),
		oracle:              oracle.New(j),
	}, nil
}

func periodOf(time uint32) uint64 {
	return uint64(time / Week)
}

// checkClock rejects a time past MaxPeriod, and a time behind the running
// period, which is how a wrapped clock shows up.
func (p *Pool) checkClock(now uint32) error {
	period := periodOf(now)
	if period > MaxPeriod || (p.slot0.Unlocked && period < p.lastPeriod) {
		return fmt.Errorf("%w: time %d, period %d", ErrClockOutOfRange, now, p.lastPeriod)
	}
	return nil
}

// update runs fn as one atomic operation on an initialized pool.
func (p *Pool) update(op string, fn func(now uint32) error) error {
	return p.run(op, true, fn)
}

func (p *Pool) run(op string, requireInit bool, fn func(now uint32) error) error {
	timer := prometheus.NewTimer(p.metrics.OpDuration.WithLabelValues(op))
	outbox, err := p.runLocked(op, requireInit, fn)
	timer.ObserveDuration()

	for _, notify := range outbox {
		notify()
	}
	return err
}

func (p *Pool) runLocked(op string, requireInit bool, fn func(now uint32) error) ([]func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.transact(op, requireInit, fn)
	outbox := p.outbox
	p.outbox = nil
	return outbox, err
}

func (p *Pool) transact(op string, requireInit bool, fn func(now uint32) error) (err error) {
	if requireInit && !p.slot0.Unlocked {
		p.metrics.Operations.WithLabelValues(op, "error").Inc()
		return ErrNotInitialized
	}
	defer func() {
		if err != nil {
			p.metrics.Operations.WithLabelValues(op, "error").Inc()
			p.metrics.Rollbacks.Inc()
			p.logger.Warn("operation rolled back", "pool", p.id, "op", op, "error", err)
			return
		}
		p.metrics.Operations.WithLabelValues(op, "ok").Inc()
		p.metrics.Liquidity.Set(toFloat(&p.liquidity))
		p.metrics.Boosted.Set(toFloat(&p.boostedLiquidity))
		p.metrics.Cardinality.Set(float64(p.slot0.ObservationCardinality))
	}()
	defer p.journal.Settle(&err)

	now := p.clock.Now()
	if err := p.checkClock(now); err != nil {
		return err
	}
	if requireInit {
		p.advancePeriod(now)
	}
	return fn(now)
}

// read runs fn under the read lock. When the clock has entered a period the
// pool has not materialized yet, the boundaries are written under the write
// lock, fn is evaluated, and the writes are undone.
func (p *Pool) read(fn func(now uint32) error) error {
	p.mu.RLock()
	if !p.slot0.Unlocked {
		p.mu.RUnlock()
		return ErrNotInitialized
	}
	now := p.clock.Now()
	if err := p.checkClock(now); err != nil {
		p.mu.RUnlock()
		return err
	}
	if periodOf(now) <= p.lastPeriod {
		defer p.mu.RUnlock()
		return fn(now)
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	now = p.clock.Now()
	if err := p.checkClock(now); err != nil {
		return err
	}
	defer p.journal.Rollback()
	p.advancePeriod(now)
	return fn(now)
}

// afterCommit queues fn to run after the current operation commits and the
// write lock is released.
func (p *Pool) afterCommit(fn func()) {
	p.journal.OnCommit(func() { p.outbox = append(p.outbox, fn) })
}

func (p *Pool) emit(ev Event) {
	if p.events == nil {
		return
	}
	ev.Pool = p.id
	p.afterCommit(func() { p.events.Emit(ev) })
}

// Initialize sets the starting price and writes the first observation.
func (p *Pool) Initialize(sqrtPriceX96 *uint256.Int) error {
	return p.run("initialize", false, func(now uint32) error {
		if p.slot0.Unlocked {
			return ErrAlreadyInitialized
		}
		t, err := tickmath.GetTickAtSqrtRatio(sqrtPriceX96)
		if err != nil {
			return err
		}
		cardinality, cardinalityNext := p.oracle.Initialize(now)
		journal.Set(p.journal, &p.slot0, Slot0{
			SqrtPriceX96:               *sqrtPriceX96,
			Tick:                       t,
			ObservationCardinality:     cardinality,
			ObservationCardinalityNext: cardinalityNext,
			Unlocked:                   true,
		})

		period := periodOf(now)
		journal.Set(p.journal, &p.lastPeriod, period)
		journal.MapSet(p.journal, p.periods, period, PeriodInfo{PreviousPeriod: period, StartTick: t})

		p.afterCommit(func() {
			p.logger.Info("pool initialized", "pool", p.id, "tick", t, "period", period)
		})
		p.emit(Event{Type: EventInitialized, Time: now, Period: period, Tick: t})
		return nil
	})
}

// advancePeriod closes every period boundary between the last materialized
// period and now. Each boundary gets an oracle observation; the closing
// period's end values are stored relative to its start, and boosted
// liquidity starts over at zero.
func (p *Pool) advancePeriod(now uint32) {
	current := periodOf(now)
	for p.lastPeriod < current {
		ended := p.lastPeriod
		boundary := uint32((ended + 1) * Week)
		obs := p.writeBoundary(boundary)

		info := p.periods[ended]
		info.LastTick = p.slot0.Tick
		sub160(&info.EndSecondsPerLiquidityPeriodX128, &obs.SecondsPerLiquidityCumulativeX128, &info.StartSecondsPerLiquidityX128)
		sub160(&info.EndSecondsPerBoostedLiquidityPeriodX128, &obs.SecondsPerBoostedLiquidityCumulativeX128, &info.StartSecondsPerBoostedLiquidityX128)
		info.BoostedInRange = obs.BoostedInRange - info.StartBoostedInRange
		info.Ended = true
		journal.MapSet(p.journal, p.periods, ended, info)

		journal.Set(p.journal, &p.boostedLiquidity, uint256.Int{})
		next := ended + 1
		journal.MapSet(p.journal, p.periods, next, PeriodInfo{
			PreviousPeriod:                      ended,
			StartTick:                           p.slot0.Tick,
			StartSecondsPerLiquidityX128:        obs.SecondsPerLiquidityCumulativeX128,
			StartSecondsPerBoostedLiquidityX128: obs.SecondsPerBoostedLiquidityCumulativeX128,
			StartBoostedInRange:                 obs.BoostedInRange,
		})
		journal.Set(p.journal, &p.lastPeriod, next)

		boostedInRange := info.BoostedInRange
		p.afterCommit(func() {
			p.metrics.Periods.Inc()
			p.logger.Info("period advanced", "pool", p.id, "ended", ended, "boostedInRange", boostedInRange)
		})
		p.emit(Event{Type: EventPeriodAdvanced, Time: boundary, Period: next, Tick: p.slot0.Tick})
	}
}

func (p *Pool) oracleState(time uint32) oracle.State {
	return oracle.State{
		Time:             time,
		Tick:             p.slot0.Tick,
		Index:            p.slot0.ObservationIndex,
		Cardinality:      p.slot0.ObservationCardinality,
		Liquidity:        &p.liquidity,
		BoostedLiquidity: &p.boostedLiquidity,
	}
}

func (p *Pool) writeBoundary(boundary uint32) oracle.Observation {
	obs, index, cardinality := p.oracle.NewPeriod(p.oracleState(boundary), boundary, p.slot0.ObservationCardinalityNext)
	p.setObservationIndex(index, cardinality)
	return obs
}

// writeObservation records the accumulators up to now with the state that
// held since the last observation. It must run before tick or liquidity change.
func (p *Pool) writeObservation(now uint32) {
	index, cardinality := p.oracle.Write(
		p.slot0.ObservationIndex, now, p.slot0.Tick, &p.liquidity, &p.boostedLiquidity,
		p.slot0.ObservationCardinality, p.slot0.ObservationCardinalityNext,
	)
	p.setObservationIndex(index, cardinality)
}

func (p *Pool) setObservationIndex(index, cardinality uint16) {
	if index != p.slot0.ObservationIndex {
		journal.Set(p.journal, &p.slot0.ObservationIndex, index)
	}
	if cardinality != p.slot0.ObservationCardinality {
		journal.Set(p.journal, &p.slot0.ObservationCardinality, cardinality)
	}
}

func (p *Pool) observeNow(now uint32) (oracle.Observation, error) {
	return p.oracle.ObserveSingle(p.oracleState(now), 0)
}

// periodGlobals returns the accumulators of obs relative to the start of the
// running period.
func (p *Pool) periodGlobals(obs oracle.Observation) (secondsPerLiquidityX128, secondsPerBoostedLiquidityX128 uint256.Int) {
	info := p.periods[p.lastPeriod]
	sub160(&secondsPerLiquidityX128, &obs.SecondsPerLiquidityCumulativeX128, &info.StartSecondsPerLiquidityX128)
	sub160(&secondsPerBoostedLiquidityX128, &obs.SecondsPerBoostedLiquidityCumulativeX128, &info.StartSecondsPerBoostedLiquidityX128)
	return
}

func (p *Pool) checkTicks(lower, upper int32) error {
	if lower >= upper {
		return fmt.Errorf("%w: lower %d not below upper %d", ErrInvalidTickRange, lower, upper)
	}
	if lower < tickmath.MIN_TICK || upper > tickmath.MAX_TICK {
		return fmt.Errorf("%w: [%d, %d] outside tick bounds", ErrInvalidTickRange, lower, upper)
	}
	if lower%p.tickSpacing != 0 || upper%p.tickSpacing != 0 {
		return fmt.Errorf("%w: [%d, %d] not aligned to spacing %d", ErrInvalidTickRange, lower, upper, p.tickSpacing)
	}
	return nil
}

// flipTick toggles the bitmap bit of t and journals the reverse flip.
func (p *Pool) flipTick(t int32) error {
	if err := p.bitmap.FlipTick(t, p.tickSpacing); err != nil {
		return err
	}
	p.journal.Record(func() { _ = p.bitmap.FlipTick(t, p.tickSpacing) })
	p.afterCommit(func() {
		p.metrics.TickFlips.Inc()
		p.logger.Debug("tick flipped", "pool", p.id, "tick", t)
	})
	return nil
}

// nextInitializedTick scans word by word from t. With lte it finds the
// nearest initialized tick at or below t, otherwise strictly above t.
func (p *Pool) nextInitializedTick(t int32, lte bool) (int32, bool) {
	for {
		next, ok := p.bitmap.NextInitializedTickWithinOneWord(t, p.tickSpacing, lte)
		if ok {
			return next, true
		}
		if lte {
			if next <= tickmath.MIN_TICK {
				return tickmath.MIN_TICK, false
			}
			t = next - 1
		} else {
			if next >= tickmath.MAX_TICK {
				return tickmath.MAX_TICK, false
			}
			t = next
		}
	}
}

func sub160(dest, a, b *uint256.Int) {
	dest.Sub(a, b).And(dest, fullmath.MaxUint160)
}
