package consensus

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
)

// DecayFunc maps an observation's age to a multiplier in [0,1]. It must be
// non-increasing in age.
type DecayFunc func(age time.Duration) float64

// Decay curve names accepted by NewDecay.
const (
	CurveNone        = "none"
	CurveExponential = "exponential"
	CurveLinear      = "linear"
)

// NoDecay weighs every observation the same regardless of age.
func NoDecay(time.Duration) float64 { return 1 }

// NewDecay builds a decay curve.
//
//	exponential: max(floor, 2^(-age/halfLife))
//	linear:      max(floor, 1 - age/horizon)
func NewDecay(curve string, halfLifeDays, horizonDays, floor float64) (DecayFunc, error) {
	floor = math.Max(0, math.Min(1, floor))

	switch curve {
	case "", CurveNone:
		return NoDecay, nil
	case CurveExponential:
		if halfLifeDays <= 0 {
			return nil, eris.New("consensus: exponential decay needs half_life_days > 0")
		}
		return func(age time.Duration) float64 {
			days := ageDays(age)
			if days <= 0 {
				return 1
			}
			return math.Max(floor, math.Pow(2, -days/halfLifeDays))
		}, nil
	case CurveLinear:
		if horizonDays <= 0 {
			return nil, eris.New("consensus: linear decay needs horizon_days > 0")
		}
		return func(age time.Duration) float64 {
			days := ageDays(age)
			if days <= 0 {
				return 1
			}
			return math.Max(floor, 1-days/horizonDays)
		}, nil
	default:
		return nil, eris.Errorf("consensus: unknown decay curve %q", curve)
	}
}

func ageDays(age time.Duration) float64 {
	return age.Hours() / 24
}
