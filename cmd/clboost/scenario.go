package main

import (
	"fmt"
	"io"
	"math/big"
	"os"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"github.com/defistate/clboost/protocols/clboost/calculator/tickmath"
	"github.com/defistate/clboost/protocols/clboost/pool"
)

// Scenario is a scripted sequence of pool operations replayed against a
// manual clock starting at Start.
type Scenario struct {
	Pool  uint64 `yaml:"pool"`
	Start uint32 `yaml:"start"`
	Steps []Step `yaml:"steps"`
}

// Step is one operation. Only the fields the operation reads need be set;
// amounts are decimal strings.
type Step struct {
	Op string `yaml:"op"`

	Owner   string  `yaml:"owner"`
	Index   string  `yaml:"index"`
	Lower   int32   `yaml:"lower"`
	Upper   int32   `yaml:"upper"`
	Amount  string  `yaml:"amount"`
	Amount0 string  `yaml:"amount0"`
	Amount1 string  `yaml:"amount1"`
	VeToken *uint64 `yaml:"veToken"`
	Power   string  `yaml:"power"`

	Tick       int32 `yaml:"tick"`
	ZeroForOne bool  `yaml:"zeroForOne"`

	Seconds     uint32   `yaml:"seconds"`
	SecondsAgos []uint32 `yaml:"secondsAgos"`
	Period      *uint64  `yaml:"period"`
	Next        uint16   `yaml:"next"`
	Protocol0   uint8    `yaml:"protocol0"`
	Protocol1   uint8    `yaml:"protocol1"`

	// ExpectError makes the step pass only when the operation fails.
	ExpectError bool `yaml:"expectError"`
}

// LoadScenario decodes a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeScenario(f)
}

func DecodeScenario(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("scenario has no steps")
	}
	return &s, nil
}

// manualClock is advanced by scenario steps.
type manualClock struct {
	now atomic.Uint32
}

func newManualClock(start uint32) *manualClock {
	c := &manualClock{}
	c.now.Store(start)
	return c
}

func (c *manualClock) Now() uint32 { return c.now.Load() }

func (c *manualClock) Advance(seconds uint32) { c.now.Add(seconds) }

// runner applies steps to one pool.
type runner struct {
	pool   *pool.Pool
	clock  *manualClock
	ledger *votingLedger
}

func parseAmount(field, raw string) (*uint256.Int, error) {
	if raw == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

func (s Step) owner() (common.Address, error) {
	if !common.IsHexAddress(s.Owner) {
		return common.Address{}, fmt.Errorf("owner: invalid address %q", s.Owner)
	}
	return common.HexToAddress(s.Owner), nil
}

func (s Step) index() (*big.Int, error) {
	if s.Index == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s.Index, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("index: invalid %q", s.Index)
	}
	return v, nil
}

func (s Step) veToken(fallback uint64) uint64 {
	if s.VeToken == nil {
		return fallback
	}
	return *s.VeToken
}

// apply runs step and returns log attributes describing the outcome.
func (r *runner) apply(step Step) ([]any, error) {
	switch step.Op {
	case "initialize":
		sqrt, err := sqrtAtTick(step.Tick)
		if err != nil {
			return nil, err
		}
		return []any{"tick", step.Tick}, r.pool.Initialize(sqrt)

	case "advance":
		r.clock.Advance(step.Seconds)
		return []any{"now", r.clock.Now()}, nil

	case "vote":
		power, ok := new(big.Int).SetString(step.Power, 10)
		if !ok || step.VeToken == nil {
			return nil, fmt.Errorf("vote needs veToken and a decimal power")
		}
		r.ledger.SetPower(*step.VeToken, power)
		return []any{"token", *step.VeToken, "power", power}, nil

	case "mint", "burn", "poke", "collect", "seconds":
		return r.applyPosition(step)

	case "cross":
		net, boostedNet, err := r.pool.CrossTick(step.Tick, step.ZeroForOne)
		if err != nil {
			return nil, err
		}
		return []any{"tick", step.Tick, "liquidityNet", net, "boostedLiquidityNet", boostedNet}, nil

	case "price":
		sqrt, err := sqrtAtTick(step.Tick)
		if err != nil {
			return nil, err
		}
		return []any{"tick", step.Tick}, r.pool.SetPrice(sqrt)

	case "fees":
		a0, err := parseAmount("amount0", step.Amount0)
		if err != nil {
			return nil, err
		}
		a1, err := parseAmount("amount1", step.Amount1)
		if err != nil {
			return nil, err
		}
		return []any{"amount0", a0, "amount1", a1}, r.pool.AccrueFees(a0, a1)

	case "fee-protocol":
		return []any{"protocol0", step.Protocol0, "protocol1", step.Protocol1},
			r.pool.SetFeeProtocol(step.Protocol0, step.Protocol1)

	case "collect-protocol":
		req0, req1 := maxIfEmpty(step.Amount0), maxIfEmpty(step.Amount1)
		a0, a1, err := r.pool.CollectProtocol(req0, req1)
		if err != nil {
			return nil, err
		}
		return []any{"amount0", &a0, "amount1", &a1}, nil

	case "cardinality":
		return []any{"next", step.Next}, r.pool.IncreaseObservationCardinalityNext(step.Next)

	case "prune":
		if step.Period == nil {
			return nil, fmt.Errorf("prune needs period")
		}
		n, err := r.pool.PrunePeriods(*step.Period)
		return []any{"before", *step.Period, "pruned", n}, err

	case "observe":
		ticks, spl, splBoosted, err := r.pool.Observe(step.SecondsAgos)
		if err != nil {
			return nil, err
		}
		return []any{"tickCumulatives", ticks, "secondsPerLiquidityX128", spl, "secondsPerBoostedLiquidityX128", splBoosted}, nil
	}
	return nil, fmt.Errorf("unknown op %q", step.Op)
}

func sqrtAtTick(tick int32) (*uint256.Int, error) {
	sqrt := new(uint256.Int)
	if err := tickmath.GetSqrtRatioAtTick(sqrt, tick); err != nil {
		return nil, err
	}
	return sqrt, nil
}

func maxIfEmpty(raw string) *uint256.Int {
	if raw == "" {
		return new(uint256.Int).SetAllOne()
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return new(uint256.Int)
	}
	return v
}

func (r *runner) applyPosition(step Step) ([]any, error) {
	owner, err := step.owner()
	if err != nil {
		return nil, err
	}
	index, err := step.index()
	if err != nil {
		return nil, err
	}
	attrs := []any{"owner", owner, "lower", step.Lower, "upper", step.Upper}

	switch step.Op {
	case "mint", "burn":
		amount, err := parseAmount("amount", step.Amount)
		if err != nil {
			return nil, err
		}
		var a0, a1 *big.Int
		if step.Op == "mint" {
			a0, a1, err = r.pool.Mint(owner, index, step.Lower, step.Upper, amount, step.veToken(pool.KeepAttachment))
		} else {
			a0, a1, err = r.pool.Burn(owner, index, step.Lower, step.Upper, amount)
		}
		return append(attrs, "liquidity", amount, "amount0", a0, "amount1", a1), err

	case "poke":
		res, err := r.pool.ModifyPosition(pool.ModifyPositionParams{
			Owner:          owner,
			Index:          index,
			TickLower:      step.Lower,
			TickUpper:      step.Upper,
			LiquidityDelta: new(big.Int),
			VeTokenID:      step.veToken(pool.KeepAttachment),
		})
		return append(attrs, "boostedLiquidity", &res.BoostedLiquidity), err

	case "collect":
		a0, a1, err := r.pool.Collect(owner, index, step.Lower, step.Upper, maxIfEmpty(step.Amount0), maxIfEmpty(step.Amount1))
		return append(attrs, "amount0", &a0, "amount1", &a1), err
	}

	period := uint64(r.clock.Now() / pool.Week)
	if step.Period != nil {
		period = *step.Period
	}
	secs, boosted, err := r.pool.PositionPeriodSecondsInRange(period, owner, index, step.Lower, step.Upper)
	return append(attrs, "period", period, "secondsInsideX96", secs, "boostedSecondsInsideX96", boosted), err
}
