package trust

import "math"

// deltaScale converts between the wire's signed ten-thousandths and the
// ledger's float32 scale.
const deltaScale = 10000.0

// DeltaToLevel converts a wire Trust.Delta (signed ten-thousandths) to the
// ledger's float scale. Precision loss from the float division is accepted;
// trust is advisory, not authoritative.
func DeltaToLevel(delta int16) float32 {
	return float32(delta) / deltaScale
}

// LevelToDelta converts a ledger-scale value to the wire's signed
// ten-thousandths, saturating to the int16 range rather than wrapping.
func LevelToDelta(level float32) int16 {
	scaled := float64(level) * deltaScale
	switch {
	case scaled > math.MaxInt16:
		return math.MaxInt16
	case scaled < math.MinInt16:
		return math.MinInt16
	default:
		return int16(scaled)
	}
}
