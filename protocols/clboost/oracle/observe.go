package oracle

import (
	"fmt"

	"github.com/defistate/clboost/protocols/clboost/calculator/fullmath"
	"github.com/holiman/uint256"
)

// State is the live pool state needed to extrapolate past the last observation.
type State struct {
	Time             uint32
	Tick             int32
	Index            uint16
	Cardinality      uint16
	Liquidity        *uint256.Int
	BoostedLiquidity *uint256.Int
}

// binarySearch finds the observations bracketing target. The ring must be
// populated and target must lie between the oldest and newest observation.
func (o *Oracle) binarySearch(time, target uint32, index, cardinality uint16) (beforeOrAt, atOrAfter Observation) {
	card := int(cardinality)
	l := (int(index) + 1) % card
	r := l + card - 1

	for {
		i := (l + r) / 2

		beforeOrAt = o.observations[i%card]
		// an uninitialized slot means the ring has not wrapped yet; search newer
		if !beforeOrAt.Initialized {
			l = i + 1
			continue
		}
		atOrAfter = o.observations[(i+1)%card]

		targetAtOrAfter := lte(time, beforeOrAt.BlockTimestamp, target)
		if targetAtOrAfter && lte(time, target, atOrAfter.BlockTimestamp) {
			return beforeOrAt, atOrAfter
		}
		if !targetAtOrAfter {
			r = i - 1
		} else {
			l = i + 1
		}
	}
}

func (o *Oracle) getSurroundingObservations(s State, target uint32) (beforeOrAt, atOrAfter Observation, err error) {
	beforeOrAt = o.observations[s.Index]

	if lte(s.Time, beforeOrAt.BlockTimestamp, target) {
		if beforeOrAt.BlockTimestamp == target {
			return beforeOrAt, atOrAfter, nil
		}
		return beforeOrAt, Transform(beforeOrAt, target, s.Tick, s.Liquidity, s.BoostedLiquidity), nil
	}

	// the oldest observation is the next slot, or slot 0 if the ring has not wrapped
	beforeOrAt = o.observations[(s.Index+1)%s.Cardinality]
	if !beforeOrAt.Initialized {
		beforeOrAt = o.observations[0]
	}
	if !lte(s.Time, beforeOrAt.BlockTimestamp, target) {
		return Observation{}, Observation{}, fmt.Errorf("%w: target %d oldest %d", ErrStaleOracleQuery, target, beforeOrAt.BlockTimestamp)
	}

	beforeOrAt, atOrAfter = o.binarySearch(s.Time, target, s.Index, s.Cardinality)
	return beforeOrAt, atOrAfter, nil
}

// ObserveSingle returns the accumulators as of secondsAgo before s.Time,
// interpolating linearly between the two surrounding observations.
func (o *Oracle) ObserveSingle(s State, secondsAgo uint32) (Observation, error) {
	if s.Cardinality == 0 || len(o.observations) == 0 {
		return Observation{}, ErrOracleUninitialized
	}

	if secondsAgo == 0 {
		last := o.observations[s.Index]
		if last.BlockTimestamp != s.Time {
			last = Transform(last, s.Time, s.Tick, s.Liquidity, s.BoostedLiquidity)
		}
		return last, nil
	}

	target := s.Time - secondsAgo
	beforeOrAt, atOrAfter, err := o.getSurroundingObservations(s, target)
	if err != nil {
		return Observation{}, err
	}

	if target == beforeOrAt.BlockTimestamp {
		return beforeOrAt, nil
	}
	if target == atOrAfter.BlockTimestamp {
		return atOrAfter, nil
	}
	return interpolate(beforeOrAt, atOrAfter, target), nil
}

func interpolate(beforeOrAt, atOrAfter Observation, target uint32) Observation {
	observationTimeDelta := atOrAfter.BlockTimestamp - beforeOrAt.BlockTimestamp
	targetDelta := target - beforeOrAt.BlockTimestamp

	out := Observation{
		BlockTimestamp: target,
		TickCumulative: beforeOrAt.TickCumulative +
			(atOrAfter.TickCumulative-beforeOrAt.TickCumulative)/int64(observationTimeDelta)*int64(targetDelta),
		BoostedInRange: beforeOrAt.BoostedInRange +
			uint32(uint64(atOrAfter.BoostedInRange-beforeOrAt.BoostedInRange)*uint64(targetDelta)/uint64(observationTimeDelta)),
		Initialized: true,
	}
	lerp160(&out.SecondsPerLiquidityCumulativeX128,
		&beforeOrAt.SecondsPerLiquidityCumulativeX128, &atOrAfter.SecondsPerLiquidityCumulativeX128,
		targetDelta, observationTimeDelta)
	lerp160(&out.SecondsPerBoostedLiquidityCumulativeX128,
		&beforeOrAt.SecondsPerBoostedLiquidityCumulativeX128, &atOrAfter.SecondsPerBoostedLiquidityCumulativeX128,
		targetDelta, observationTimeDelta)
	return out
}

// lerp160 sets dest = a + (b - a) * num / den with 160-bit wrapping on the difference.
func lerp160(dest, a, b *uint256.Int, num, den uint32) {
	var diff uint256.Int
	diff.Sub(b, a).And(&diff, fullmath.MaxUint160)
	diff.Mul(&diff, uint256.NewInt(uint64(num)))
	diff.Div(&diff, uint256.NewInt(uint64(den)))
	dest.Add(a, &diff).And(dest, fullmath.MaxUint160)
}

// Observe maps ObserveSingle over secondsAgos.
func (o *Oracle) Observe(s State, secondsAgos []uint32) ([]Observation, error) {
	out := make([]Observation, len(secondsAgos))
	for i, ago := range secondsAgos {
		obs, err := o.ObserveSingle(s, ago)
		if err != nil {
			return nil, err
		}
		out[i] = obs
	}
	return out, nil
}

// NewPeriod rolls the latest observation forward to a period boundary and
// records it, returning the boundary observation with the updated ring
// position. The boundary must not precede the latest observation.
func (o *Oracle) NewPeriod(s State, boundary uint32, cardinalityNext uint16) (obs Observation, index, cardinality uint16) {
	last := o.observations[s.Index]
	obs = last
	if last.BlockTimestamp != boundary {
		obs = Transform(last, boundary, s.Tick, s.Liquidity, s.BoostedLiquidity)
	}
	index, cardinality = o.Write(s.Index, boundary, s.Tick, s.Liquidity, s.BoostedLiquidity, s.Cardinality, cardinalityNext)
	return obs, index, cardinality
}
