package power

import (
	"math"

	"circuit-agent/internal/adc"
)

// Reference calibration of the current sensors. Telemetry is only comparable
// with the deployed fleet if these and the order of operations stay as is.
const (
	ReferenceVoltage = 5.0
	Resolution       = 1024.0
	ZeroCurrentBias  = 2.5     // sensor output at 0 A (V)
	CurrentPerVolt   = 66000.0 // sensor transfer function
	LineVoltage      = 120.0   // nominal supply (V)
)

// BiasSample is the raw reading corresponding to the zero-current bias.
const BiasSample adc.Sample = 512

// FromRaw converts one raw conversion into a power reading.
func FromRaw(raw adc.Sample) float64 {
	voltage := (ReferenceVoltage / Resolution) * float64(raw)
	current := math.Abs(ZeroCurrentBias-voltage) * CurrentPerVolt
	return current * LineVoltage
}
