// Package sizing converts a source position's volume into a destination
// volume given route configuration, risk state, and an optional squeeze
// score (§4.E).
package sizing

import (
	"math"
)

// Config is the route's sizing configuration (the "sizing" section of a
// rule set, §6).
type Config struct {
	ReferenceBalance  float64
	PerPositionCap    float64
	TotalExposureCap  float64
	MinLot            float64
	BrokerIncrement   float64
	LossDampenerCap   int     // N_cap in lossDampener(n) = 0.5^min(n, N_cap)
	SqueezeSymbols    map[string]bool
	SqueezeThreshold  float64 // minimum score to apply the boost
	SqueezeK          float64
	SqueezeMaxBoost   float64 // clip for (1 + (score-0.5)*k)
}

// Input carries the per-event values the formula needs.
type Input struct {
	SourceVolume      float64
	DestBalance       float64
	PhaseMultiplier   float64
	PhaseRiskFactor   float64
	ConsecutiveLosses int
	SqueezeScore      *float64 // nil if no squeeze signal present
	Side              string   // "long" | "short"
	Symbol            string
	CurrentExposure   float64
}

// Result is the sizing outcome. Skip is true when the computed volume
// rounds below MinLot (§4.E "If final < minLot, return skip").
type Result struct {
	Volume float64
	Skip   bool
}

// lossDampener halves the size per consecutive loss, up to a configured cap.
func lossDampener(n, cap int) float64 {
	if cap > 0 && n > cap {
		n = cap
	}
	if n < 0 {
		n = 0
	}
	return math.Pow(0.5, float64(n))
}

// squeezeBoost multiplies size by 1+(score-0.5)*k, clipped to maxBoost, and
// only for long-side trades in the configured symbol set above threshold.
func squeezeBoost(cfg Config, in Input) float64 {
	if in.SqueezeScore == nil || in.Side != "long" {
		return 1
	}
	if len(cfg.SqueezeSymbols) > 0 && !cfg.SqueezeSymbols[in.Symbol] {
		return 1
	}
	score := *in.SqueezeScore
	if score < cfg.SqueezeThreshold {
		return 1
	}
	boost := 1 + (score-0.5)*cfg.SqueezeK
	if cfg.SqueezeMaxBoost > 0 && boost > cfg.SqueezeMaxBoost {
		boost = cfg.SqueezeMaxBoost
	}
	return boost
}

// roundToBrokerIncrement rounds to the nearest multiple of increment,
// breaking ties toward zero (§4.E).
func roundToBrokerIncrement(volume, increment float64) float64 {
	if increment <= 0 {
		return volume
	}
	units := volume / increment
	frac := units - math.Trunc(units)
	var rounded float64
	switch {
	case frac > 0.5:
		rounded = math.Trunc(units) + 1
	case frac < -0.5:
		rounded = math.Trunc(units) - 1
	default:
		rounded = math.Trunc(units)
	}
	return rounded * increment
}

// Compute implements the §4.E formula end to end.
func Compute(cfg Config, in Input) Result {
	refBalance := cfg.ReferenceBalance
	if refBalance <= 0 {
		refBalance = in.DestBalance
	}
	phaseMultiplier := in.PhaseMultiplier
	if phaseMultiplier == 0 {
		phaseMultiplier = 1
	}

	base := in.SourceVolume * (in.DestBalance / refBalance) / phaseMultiplier

	scaled := base * in.PhaseRiskFactor *
		lossDampener(in.ConsecutiveLosses, cfg.LossDampenerCap) *
		squeezeBoost(cfg, in)

	clamp := scaled
	if cfg.PerPositionCap > 0 && clamp > cfg.PerPositionCap {
		clamp = cfg.PerPositionCap
	}
	if cfg.TotalExposureCap > 0 {
		remaining := cfg.TotalExposureCap - in.CurrentExposure
		if remaining < 0 {
			remaining = 0
		}
		if clamp > remaining {
			clamp = remaining
		}
	}

	increment := cfg.BrokerIncrement
	if increment <= 0 {
		increment = 0.01
	}
	final := roundToBrokerIncrement(clamp, increment)

	if final < cfg.MinLot {
		return Result{Skip: true}
	}
	return Result{Volume: final}
}
