// Package source provides the sample source adapters feeding the acquisition
// pipeline: a serial MCU bridge for real hardware and a synthetic strobe
// generator for development and tests.
package source

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
)

const (
	// FullScaleCode is the magnitude of a 24-bit signed ADC code at full scale.
	FullScaleCode = 1 << 23
	// MaxGainCode is the highest PGA gain code (128x).
	MaxGainCode = 7
)

var (
	// ErrNotConnected is returned when a source is used before Connect.
	ErrNotConnected = errors.New("source not connected")
	// ErrInvalidGain is returned for gain multipliers the PGA cannot apply.
	ErrInvalidGain = errors.New("invalid gain multiplier")
)

// Sample is a single timestamped photodiode reading.
type Sample struct {
	Timestamp time.Time
	Amplitude float64 // Volts at the ADC input (after PGA)
	GainCode  uint8   // PGA gain state, multiplier = 1 << GainCode
}

// Gain returns the PGA multiplier that was in effect for the sample.
func (s Sample) Gain() float64 {
	return GainMultiplier(s.GainCode)
}

// Source delivers samples in arrival order and accepts gain changes.
// Next blocks until a sample is available and returns io.EOF once the
// stream has ended.
type Source interface {
	Next(ctx context.Context) (Sample, error)
	SetGain(multiplier float64) error
	Close() error
}

// Ensure Serial implements Source.
var _ Source = (*Serial)(nil)

// Ensure Mock implements Source.
var _ Source = (*Mock)(nil)

// GainCode converts a PGA multiplier (1, 2, 4 ... 128) to its gain code.
func GainCode(multiplier float64) (uint8, error) {
	if multiplier < 1 {
		return 0, errors.Wrapf(ErrInvalidGain, "%v", multiplier)
	}
	code := math.Log2(multiplier)
	if code != math.Trunc(code) || code > MaxGainCode {
		return 0, errors.Wrapf(ErrInvalidGain, "%v", multiplier)
	}
	return uint8(code), nil
}

// GainMultiplier converts a gain code to its PGA multiplier.
func GainMultiplier(code uint8) float64 {
	return float64(uint(1) << code)
}

// codeToVoltage converts a 24-bit signed ADC code to the voltage seen by the
// ADC after the PGA. Full scale is vref/gain at the input, so the amplified
// signal spans ±vref.
func codeToVoltage(code int32, vref float64) float64 {
	return float64(code) / FullScaleCode * vref
}
