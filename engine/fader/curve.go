package fader

import (
	"fmt"
	"math"
)

// MaxAmp is the largest amplitude a fader accepts (+6 dB).
const MaxAmp = 2

// AmpToPosition maps a linear amplitude in [0, 2] to a fader position in
// [0, 1].
func AmpToPosition(amp float32) float32 {
	if amp <= 0 {
		return 0
	}
	if amp > MaxAmp {
		amp = MaxAmp
	}
	base := (6*math.Log2(float64(amp)) + 192) / 198
	if base <= 0 {
		return 0
	}
	return clampUnit(float32(math.Pow(base, 8)))
}

// PositionToAmp is the inverse of AmpToPosition.
func PositionToAmp(pos float32) float32 {
	if pos <= 0 {
		return 0
	}
	if pos > 1 {
		pos = 1
	}
	amp := math.Exp2((math.Pow(float64(pos), 1.0/8)*198 - 192) / 6)
	if amp > MaxAmp {
		return MaxAmp
	}
	return float32(amp)
}

// AmpToDB converts an amplitude to decibels. Silence is -Inf.
func AmpToDB(amp float32) float64 {
	if amp <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(float64(amp))
}

// DBToAmp converts decibels to an amplitude clamped to [0, 2].
func DBToAmp(db float64) float32 {
	if math.IsInf(db, -1) {
		return 0
	}
	amp := math.Pow(10, db/20)
	if amp > MaxAmp {
		return MaxAmp
	}
	return float32(amp)
}

// DBString formats an amplitude for display, "-inf" for silence.
func DBString(amp float32) string {
	db := AmpToDB(amp)
	if math.IsInf(db, -1) || db < -100 {
		return "-inf"
	}
	return fmt.Sprintf("%.1f", db)
}

// BalanceGains returns the left and right gains for a balance value in
// [0, 1]. The law is constant power, scaled so the centre is unity on both
// sides.
func BalanceGains(balance float32) (left, right float32) {
	theta := float64(clampUnit(balance)) * math.Pi / 2
	left = float32(math.Min(1, math.Sqrt2*math.Cos(theta)))
	right = float32(math.Min(1, math.Sqrt2*math.Sin(theta)))
	return left, right
}

func clampUnit(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
