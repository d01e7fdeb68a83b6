// Package position is the per-position ledger: raw liquidity, fee settlement,
// the voting-power attachment, per-period boosts and debts, and the liquidity
// checkpoints used for historical period queries.
package position

import (
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sort"

	"github.com/defistate/clboost/protocols/clboost/calculator/fullmath"
	"github.com/defistate/clboost/protocols/clboost/journal"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// ErrNoPosition is returned when a zero-delta update targets an empty position.
var ErrNoPosition = errors.New("no position")

// Info is the state of one position.
type Info struct {
	Liquidity                uint256.Int `json:"liquidity"`
	FeeGrowthInside0LastX128 uint256.Int `json:"feeGrowthInside0LastX128"`
	FeeGrowthInside1LastX128 uint256.Int `json:"feeGrowthInside1LastX128"`
	// TokensOwed wraps at 2^128; owners are expected to collect before that.
	TokensOwed0 uint256.Int `json:"tokensOwed0"`
	TokensOwed1 uint256.Int `json:"tokensOwed1"`
	// VeTokenID is the attached voting-power token, 0 when none.
	VeTokenID uint64 `json:"veTokenId"`
}

// BoostInfo is the boost state of a position within one period. The debts
// cancel the accumulator growth that happened before each liquidity change.
type BoostInfo struct {
	BoostAmount           uint256.Int `json:"boostAmount"`
	VeAmount              uint256.Int `json:"veAmount"`
	SecondsDebtX96        *big.Int    `json:"secondsDebtX96"`
	BoostedSecondsDebtX96 *big.Int    `json:"boostedSecondsDebtX96"`
}

// PeriodBoostInfo aggregates boosts across all positions in a period.
type PeriodBoostInfo struct {
	TotalBoostAmount uint256.Int `json:"totalBoostAmount"`
	TotalVeAmount    uint256.Int `json:"totalVeAmount"`
}

// Checkpoint is the liquidity of a position as of the end of Period, or as of
// now for the running period.
type Checkpoint struct {
	Period    uint64      `json:"period"`
	Liquidity uint256.Int `json:"liquidity"`
}

// BoostKey addresses the BoostInfo of a position in a period.
type BoostKey struct {
	Period uint64
	Key    common.Hash
}

// Key identifies a position by keccak256(owner ++ index ++ tickLower ++ tickUpper),
// with the index as 32 bytes and each tick as a 3-byte two's complement value.
func Key(owner common.Address, index *big.Int, tickLower, tickUpper int32) common.Hash {
	buf := make([]byte, 0, common.AddressLength+32+6)
	buf = append(buf, owner.Bytes()...)
	buf = append(buf, common.LeftPadBytes(index.Bytes(), 32)...)
	buf = append(buf, int24Bytes(tickLower)...)
	buf = append(buf, int24Bytes(tickUpper)...)
	return crypto.Keccak256Hash(buf)
}

func int24Bytes(v int32) []byte {
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

// Ledger owns the position records of one pool.
type Ledger struct {
	positions    map[common.Hash]Info
	boosts       map[BoostKey]BoostInfo
	periodBoosts map[uint64]PeriodBoostInfo
	checkpoints  map[common.Hash][]Checkpoint
	journal      *journal.Journal
}

func NewLedger(j *journal.Journal) *Ledger {
	return &Ledger{
		positions:    make(map[common.Hash]Info),
		boosts:       make(map[BoostKey]BoostInfo),
		periodBoosts: make(map[uint64]PeriodBoostInfo),
		checkpoints:  make(map[common.Hash][]Checkpoint),
		journal:      j,
	}
}

// Get returns the position stored under key, or the zero position.
func (l *Ledger) Get(key common.Hash) Info {
	return l.positions[key]
}

// Exists reports whether key has ever been written.
func (l *Ledger) Exists(key common.Hash) bool {
	_, ok := l.positions[key]
	return ok
}

// Update settles fees accrued since the last update at the previous
// liquidity and stores liquidityNext. A zero-delta update on an empty
// position fails with ErrNoPosition.
func (l *Ledger) Update(key common.Hash, liquidityNext *uint256.Int, liquidityDeltaZero bool, feeGrowthInside0X128, feeGrowthInside1X128 *uint256.Int) error {
	info := l.positions[key]
	if liquidityDeltaZero && info.Liquidity.IsZero() {
		return ErrNoPosition
	}

	owed0, err := owed(feeGrowthInside0X128, &info.FeeGrowthInside0LastX128, &info.Liquidity)
	if err != nil {
		return err
	}
	owed1, err := owed(feeGrowthInside1X128, &info.FeeGrowthInside1LastX128, &info.Liquidity)
	if err != nil {
		return err
	}

	info.Liquidity.Set(liquidityNext)
	info.FeeGrowthInside0LastX128.Set(feeGrowthInside0X128)
	info.FeeGrowthInside1LastX128.Set(feeGrowthInside1X128)
	if !owed0.IsZero() || !owed1.IsZero() {
		info.TokensOwed0.Add(&info.TokensOwed0, &owed0).And(&info.TokensOwed0, fullmath.MaxUint128)
		info.TokensOwed1.Add(&info.TokensOwed1, &owed1).And(&info.TokensOwed1, fullmath.MaxUint128)
	}

	journal.MapSet(l.journal, l.positions, key, info)
	return nil
}

// owed is (inside - last) * liquidity / 2^128 truncated to 128 bits.
func owed(inside, last, liquidity *uint256.Int) (uint256.Int, error) {
	var growth, out uint256.Int
	growth.Sub(inside, last)
	if err := fullmath.MulDiv(&out, &growth, liquidity, fullmath.Q128); err != nil {
		return out, err
	}
	out.And(&out, fullmath.MaxUint128)
	return out, nil
}

// SetAttachment records the voting-power token attached to key.
func (l *Ledger) SetAttachment(key common.Hash, tokenID uint64) {
	info := l.positions[key]
	info.VeTokenID = tokenID
	journal.MapSet(l.journal, l.positions, key, info)
}

// Collect moves up to the requested amounts out of the owed balances and
// returns what was moved.
func (l *Ledger) Collect(key common.Hash, requested0, requested1 *uint256.Int) (amount0, amount1 uint256.Int, err error) {
	info, ok := l.positions[key]
	if !ok {
		return amount0, amount1, ErrNoPosition
	}
	amount0 = minUint(requested0, &info.TokensOwed0)
	amount1 = minUint(requested1, &info.TokensOwed1)
	if amount0.IsZero() && amount1.IsZero() {
		return amount0, amount1, nil
	}
	info.TokensOwed0.Sub(&info.TokensOwed0, &amount0)
	info.TokensOwed1.Sub(&info.TokensOwed1, &amount1)
	journal.MapSet(l.journal, l.positions, key, info)
	return amount0, amount1, nil
}

func minUint(a, b *uint256.Int) uint256.Int {
	if a.Lt(b) {
		return *a
	}
	return *b
}

// WriteCheckpoint records the liquidity of key for period, overwriting the
// last entry when it already belongs to period.
func (l *Ledger) WriteCheckpoint(key common.Hash, period uint64, liquidity *uint256.Int) {
	cps := l.checkpoints[key]
	next := Checkpoint{Period: period, Liquidity: *liquidity}

	if n := len(cps); n > 0 && cps[n-1].Period == period {
		updated := slices.Clone(cps)
		updated[n-1] = next
		journal.MapSet(l.journal, l.checkpoints, key, updated)
		return
	}
	journal.MapSet(l.journal, l.checkpoints, key, append(slices.Clip(cps), next))
}

// Checkpoints returns a copy of the checkpoint history of key.
func (l *Ledger) Checkpoints(key common.Hash) []Checkpoint {
	return slices.Clone(l.checkpoints[key])
}

// CheckpointAt returns the latest checkpoint at or before period.
func (l *Ledger) CheckpointAt(key common.Hash, period uint64) (Checkpoint, bool) {
	cps := l.checkpoints[key]
	if len(cps) == 0 || cps[0].Period > period {
		return Checkpoint{}, false
	}
	if last := cps[len(cps)-1]; last.Period <= period {
		return last, true
	}
	// first entry after period, minus one
	i := sort.Search(len(cps), func(i int) bool { return cps[i].Period > period })
	return cps[i-1], true
}

// Boost returns the boost of key in period.
func (l *Ledger) Boost(period uint64, key common.Hash) BoostInfo {
	b := l.boosts[BoostKey{Period: period, Key: key}]
	if b.SecondsDebtX96 == nil {
		b.SecondsDebtX96 = new(big.Int)
	}
	if b.BoostedSecondsDebtX96 == nil {
		b.BoostedSecondsDebtX96 = new(big.Int)
	}
	return b
}

// PeriodBoost returns the period totals.
func (l *Ledger) PeriodBoost(period uint64) PeriodBoostInfo {
	return l.periodBoosts[period]
}

// SetBoost replaces the boost and voting-power snapshot of key in period and
// keeps the period totals in step.
func (l *Ledger) SetBoost(period uint64, key common.Hash, boostAmount, veAmount *uint256.Int) {
	bk := BoostKey{Period: period, Key: key}
	b := l.Boost(period, key)
	totals := l.periodBoosts[period]

	totals.TotalBoostAmount.Sub(&totals.TotalBoostAmount, &b.BoostAmount).Add(&totals.TotalBoostAmount, boostAmount)
	totals.TotalVeAmount.Sub(&totals.TotalVeAmount, &b.VeAmount).Add(&totals.TotalVeAmount, veAmount)
	b.BoostAmount.Set(boostAmount)
	b.VeAmount.Set(veAmount)

	journal.MapSet(l.journal, l.boosts, bk, b)
	journal.MapSet(l.journal, l.periodBoosts, period, totals)
}

// AddDebt charges the position for accumulator growth that happened before a
// liquidity change. Increases round the debt up and decreases round it down,
// both in favor of the pool.
func (l *Ledger) AddDebt(period uint64, key common.Hash, liquidityDelta, boostedLiquidityDelta *big.Int, secondsPerLiquidityInsideX128, secondsPerBoostedLiquidityInsideX128 *uint256.Int) error {
	if liquidityDelta.Sign() == 0 && boostedLiquidityDelta.Sign() == 0 {
		return nil
	}
	b := l.Boost(period, key)

	debt, err := debtDelta(liquidityDelta, secondsPerLiquidityInsideX128)
	if err != nil {
		return err
	}
	boostedDebt, err := debtDelta(boostedLiquidityDelta, secondsPerBoostedLiquidityInsideX128)
	if err != nil {
		return err
	}
	b.SecondsDebtX96 = new(big.Int).Add(b.SecondsDebtX96, debt)
	b.BoostedSecondsDebtX96 = new(big.Int).Add(b.BoostedSecondsDebtX96, boostedDebt)

	journal.MapSet(l.journal, l.boosts, BoostKey{Period: period, Key: key}, b)
	return nil
}

// debtDelta is delta * insideX128 / 2^32, in X96.
func debtDelta(delta *big.Int, insideX128 *uint256.Int) (*big.Int, error) {
	if delta.Sign() == 0 {
		return new(big.Int), nil
	}
	abs, err := fullmath.ToUint128(new(big.Int).Abs(delta))
	if err != nil {
		return nil, err
	}
	var out uint256.Int
	if delta.Sign() > 0 {
		err = fullmath.MulDivRoundingUp(&out, abs, insideX128, fullmath.Q32)
	} else {
		err = fullmath.MulDiv(&out, abs, insideX128, fullmath.Q32)
	}
	if err != nil {
		return nil, err
	}
	v := out.ToBig()
	if delta.Sign() < 0 {
		v.Neg(v)
	}
	return v, nil
}

// SecondsInRange returns liquidity * insideX128 / 2^32 - debtX96, floored at zero.
func SecondsInRange(liquidity, insideX128 *uint256.Int, debtX96 *big.Int) (*big.Int, error) {
	var product uint256.Int
	if err := fullmath.MulDiv(&product, liquidity, insideX128, fullmath.Q32); err != nil {
		return nil, err
	}
	out := product.ToBig()
	out.Sub(out, debtX96)
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out, nil
}

// BoostedLiquidity returns liquidity scaled by the position's voting-power
// share: liquidity * (1 + min(1.5, 1.5 * veAmount / (totalVeAmount / 10))).
// Full boost is reached at a tenth of the total, so the result is within
// [liquidity, 2.5 * liquidity].
func BoostedLiquidity(liquidity, veAmount, totalVeAmount *uint256.Int) (uint256.Int, error) {
	var out uint256.Int
	out.Set(liquidity)
	if liquidity.IsZero() || veAmount.IsZero() || totalVeAmount.IsZero() {
		return out, nil
	}

	var maxExtra uint256.Int
	maxExtra.Mul(liquidity, uint256.NewInt(3)).Rsh(&maxExtra, 1)

	var extra, tenfold uint256.Int
	if _, overflow := tenfold.MulOverflow(veAmount, uint256.NewInt(10)); overflow || !tenfold.Lt(totalVeAmount) {
		extra.Set(&maxExtra)
	} else {
		var scaled uint256.Int
		scaled.Mul(liquidity, uint256.NewInt(15))
		if err := fullmath.MulDiv(&extra, &scaled, veAmount, totalVeAmount); err != nil {
			return out, err
		}
		if extra.Gt(&maxExtra) {
			extra.Set(&maxExtra)
		}
	}
	out.Add(&out, &extra)
	return out, nil
}

// Credit adds amounts to the owed balances of key, wrapping at 2^128.
func (l *Ledger) Credit(key common.Hash, amount0, amount1 *uint256.Int) {
	if amount0.IsZero() && amount1.IsZero() {
		return
	}
	info := l.positions[key]
	info.TokensOwed0.Add(&info.TokensOwed0, amount0).And(&info.TokensOwed0, fullmath.MaxUint128)
	info.TokensOwed1.Add(&info.TokensOwed1, amount1).And(&info.TokensOwed1, fullmath.MaxUint128)
	journal.MapSet(l.journal, l.positions, key, info)
}

// PrunePeriods drops boost records of periods older than before and returns
// how many were removed. Checkpoints are kept.
func (l *Ledger) PrunePeriods(before uint64) int {
	n := 0
	for bk := range l.boosts {
		if bk.Period < before {
			journal.MapDelete(l.journal, l.boosts, bk)
			n++
		}
	}
	for period := range l.periodBoosts {
		if period < before {
			journal.MapDelete(l.journal, l.periodBoosts, period)
			n++
		}
	}
	return n
}

// Record is a position in exported form.
type Record struct {
	Key common.Hash `json:"key"`
	Info
}

// BoostRecord is a BoostInfo in exported form.
type BoostRecord struct {
	Period uint64      `json:"period"`
	Key    common.Hash `json:"key"`
	BoostInfo
}

// PeriodBoostRecord is a PeriodBoostInfo in exported form.
type PeriodBoostRecord struct {
	Period uint64 `json:"period"`
	PeriodBoostInfo
}

// CheckpointRecord is the checkpoint history of one position.
type CheckpointRecord struct {
	Key         common.Hash  `json:"key"`
	Checkpoints []Checkpoint `json:"checkpoints"`
}

// Snapshot is the exported content of a Ledger.
type Snapshot struct {
	Positions    []Record            `json:"positions"`
	Boosts       []BoostRecord       `json:"boosts"`
	PeriodBoosts []PeriodBoostRecord `json:"periodBoosts"`
	Checkpoints  []CheckpointRecord  `json:"checkpoints"`
}

// Export returns the ledger contents in a deterministic order.
func (l *Ledger) Export() Snapshot {
	var s Snapshot
	for key, info := range l.positions {
		s.Positions = append(s.Positions, Record{Key: key, Info: info})
	}
	slices.SortFunc(s.Positions, func(a, b Record) int { return a.Key.Cmp(b.Key) })

	for bk := range l.boosts {
		s.Boosts = append(s.Boosts, BoostRecord{Period: bk.Period, Key: bk.Key, BoostInfo: l.Boost(bk.Period, bk.Key)})
	}
	slices.SortFunc(s.Boosts, func(a, b BoostRecord) int {
		if a.Period != b.Period {
			return cmpUint64(a.Period, b.Period)
		}
		return a.Key.Cmp(b.Key)
	})

	for period, totals := range l.periodBoosts {
		s.PeriodBoosts = append(s.PeriodBoosts, PeriodBoostRecord{Period: period, PeriodBoostInfo: totals})
	}
	slices.SortFunc(s.PeriodBoosts, func(a, b PeriodBoostRecord) int { return cmpUint64(a.Period, b.Period) })

	for key, cps := range l.checkpoints {
		s.Checkpoints = append(s.Checkpoints, CheckpointRecord{Key: key, Checkpoints: slices.Clone(cps)})
	}
	slices.SortFunc(s.Checkpoints, func(a, b CheckpointRecord) int { return a.Key.Cmp(b.Key) })
	return s
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Import replaces the ledger contents. It is not journaled.
func (l *Ledger) Import(s Snapshot) error {
	positions := make(map[common.Hash]Info, len(s.Positions))
	for _, r := range s.Positions {
		positions[r.Key] = r.Info
	}
	boosts := make(map[BoostKey]BoostInfo, len(s.Boosts))
	for _, r := range s.Boosts {
		b := r.BoostInfo
		if b.SecondsDebtX96 == nil {
			b.SecondsDebtX96 = new(big.Int)
		}
		if b.BoostedSecondsDebtX96 == nil {
			b.BoostedSecondsDebtX96 = new(big.Int)
		}
		boosts[BoostKey{Period: r.Period, Key: r.Key}] = b
	}
	periodBoosts := make(map[uint64]PeriodBoostInfo, len(s.PeriodBoosts))
	for _, r := range s.PeriodBoosts {
		periodBoosts[r.Period] = r.PeriodBoostInfo
	}
	checkpoints := make(map[common.Hash][]Checkpoint, len(s.Checkpoints))
	for _, r := range s.Checkpoints {
		for i := 1; i < len(r.Checkpoints); i++ {
			if r.Checkpoints[i].Period <= r.Checkpoints[i-1].Period {
				return fmt.Errorf("position %s: checkpoint periods not increasing", r.Key)
			}
		}
		checkpoints[r.Key] = slices.Clone(r.Checkpoints)
	}
	l.positions, l.boosts, l.periodBoosts, l.checkpoints = positions, boosts, periodBoosts, checkpoints
	return nil
}
