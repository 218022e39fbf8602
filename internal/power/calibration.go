package power

import (
	"fmt"

	"circuit-agent/internal/adc"
)

// Mode selects which circuits get the power conversion.
type Mode string

const (
	// Uniform converts every circuit's raw sample.
	Uniform Mode = "uniform"
	// FirstChannel converts only circuit 0 and passes all other samples
	// through as raw counts, like the first field deployment did.
	FirstChannel Mode = "first-channel"
)

// Calibrator turns the raw sample of circuit index i into the reported value.
type Calibrator interface {
	Convert(i int, raw adc.Sample) float64

	// Name returns the policy name for logs.
	Name() string
}

// NewCalibrator builds the calibrator for a configured mode.
func NewCalibrator(mode Mode) (Calibrator, error) {
	switch mode {
	case Uniform, "":
		return uniform{}, nil
	case FirstChannel:
		return firstChannel{}, nil
	default:
		return nil, fmt.Errorf("unknown calibration mode: %s", mode)
	}
}

type uniform struct{}

func (uniform) Convert(_ int, raw adc.Sample) float64 { return FromRaw(raw) }
func (uniform) Name() string                          { return string(Uniform) }

type firstChannel struct{}

func (firstChannel) Convert(i int, raw adc.Sample) float64 {
	if i == 0 {
		return FromRaw(raw)
	}
	return float64(raw)
}

func (firstChannel) Name() string { return string(FirstChannel) }
