// Package timescale maps a configured session duration to SLA targets,
// escalation thresholds, at-risk windows and challenge windows. Everything
// here is pure: identical inputs always produce identical outputs.
package timescale

import (
	"math"
	"time"
)

// Band scales a session duration (minutes) into a clamped minute value.
type Band struct {
	Percent float64
	Min     int
	Max     int
}

// Minutes returns clamp(round(duration*percent), min, max).
func (b Band) Minutes(durationMinutes int) int {
	v := int(math.Round(float64(durationMinutes) * b.Percent))
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

var slaBands = map[string]Band{
	"critical": {Percent: 0.10, Min: 5, Max: 30},
	"high":     {Percent: 0.20, Min: 10, Max: 60},
	"medium":   {Percent: 0.35, Min: 15, Max: 120},
	"low":      {Percent: 0.50, Min: 20, Max: 240},
}

var windowBands = map[string]Band{
	"quick":    {Percent: 0.10, Min: 5, Max: 15},
	"standard": {Percent: 0.20, Min: 10, Max: 30},
	"extended": {Percent: 0.35, Min: 15, Max: 60},
}

// Escalation thresholds and the at-risk window are fixed fractions of the
// already-scaled SLA target, not independently scaled bands. That keeps
// atRisk < L1 < L2 < L3 < SLA for every duration.
const (
	atRiskFraction = 0.25
	l1Fraction     = 0.50
	l2Fraction     = 0.75
	l3Fraction     = 0.90
)

const (
	capBuffer = 2 * time.Minute
	capFloor  = 5 * time.Minute
)

// SLABand returns the scaling band for a priority. Unknown priorities get the
// medium band.
func SLABand(priority string) Band {
	if b, ok := slaBands[priority]; ok {
		return b
	}
	return slaBands["medium"]
}

// SLAMinutes is the maximum allowed minutes-to-resolution for a priority at
// the given session duration.
func SLAMinutes(priority string, durationMinutes int) int {
	return SLABand(priority).Minutes(durationMinutes)
}

// SLATarget is SLAMinutes as a duration.
func SLATarget(priority string, durationMinutes int) time.Duration {
	return time.Duration(SLAMinutes(priority, durationMinutes)) * time.Minute
}

// EscalationThreshold returns the elapsed-time threshold for levels 1..3.
// Levels outside that range saturate to the nearest valid level.
func EscalationThreshold(priority string, level, durationMinutes int) time.Duration {
	frac := l1Fraction
	switch {
	case level <= 1:
		frac = l1Fraction
	case level == 2:
		frac = l2Fraction
	default:
		frac = l3Fraction
	}
	return scale(SLATarget(priority, durationMinutes), frac)
}

// AtRiskThreshold is the remaining-time window under which an item counts as
// SLA-at-risk.
func AtRiskThreshold(priority string, durationMinutes int) time.Duration {
	return scale(SLATarget(priority, durationMinutes), atRiskFraction)
}

// WindowBand returns the scaling band for a challenge window kind. Unknown
// kinds get the standard band.
func WindowBand(kind string) Band {
	if b, ok := windowBands[kind]; ok {
		return b
	}
	return windowBands["standard"]
}

// ChallengeWindow returns the scaled challenge window for a window kind.
func ChallengeWindow(kind string, durationMinutes int) time.Duration {
	return time.Duration(WindowBand(kind).Minutes(durationMinutes)) * time.Minute
}

// CapWindow caps a challenge window to the remaining session time, always
// leaving a 2-minute buffer and never returning less than 5 minutes.
func CapWindow(window, remaining time.Duration) time.Duration {
	capped := window
	if limit := remaining - capBuffer; limit < capped {
		capped = limit
	}
	if capped < capFloor {
		return capFloor
	}
	return capped
}

func scale(d time.Duration, frac float64) time.Duration {
	return time.Duration(float64(d) * frac)
}
