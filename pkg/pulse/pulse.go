// Package pulse turns rising/falling edge pairs into width-checked pulses.
package pulse

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/TTR-Hayden/IR-METER-SEER/pkg/config"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/detect"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/source"
)

var (
	// ErrTooShort is returned for pulses narrower than the plausible minimum.
	ErrTooShort = errors.New("pulse too short")
	// ErrTooLong is returned for pulses wider than the plausible maximum.
	ErrTooLong = errors.New("pulse too long")
	// ErrNotOpen is returned when closing without a preceding rising edge.
	ErrNotOpen = errors.New("no open pulse")
)

// Expectation supplies the current timing expectation of the synchronizer.
type Expectation interface {
	ExpectedPeriod() time.Duration
	Tight() bool
}

// Pulse is a measured LED pulse.
type Pulse struct {
	Start time.Time
	End   time.Time
	Width time.Duration
	Peak  float64 // Raw peak at the ADC (V)
	Mean  float64 // Raw mean at the ADC (V)
	Level float64 // Mean amplitude referred to the PGA input (V)
	Gain  float64 // PGA multiplier at pulse start
}

// Extractor accumulates samples between a rising and a falling edge.
type Extractor struct {
	cfg config.ExtractorConfig
	exp Expectation

	open    bool
	start   time.Time
	peak    float64
	sum     float64
	level   float64
	n       int
	gain    float64
	hasGain bool
}

// New creates an extractor whose width bounds follow exp.
func New(cfg config.ExtractorConfig, exp Expectation) *Extractor {
	return &Extractor{cfg: cfg, exp: exp}
}

// Open starts a pulse at a rising edge. An already open pulse is replaced.
func (x *Extractor) Open(e detect.Edge) {
	x.open = true
	x.start = e.Timestamp
	x.peak = e.Amplitude
	x.sum = 0
	x.level = 0
	x.n = 0
	x.hasGain = false
}

// Active reports whether a pulse is open.
func (x *Extractor) Active() bool {
	return x.open
}

// Observe adds a sample to the open pulse.
func (x *Extractor) Observe(s source.Sample) {
	if !x.open {
		return
	}
	g := s.Gain()
	if !x.hasGain {
		x.gain = g
		x.hasGain = true
	}
	if s.Amplitude > x.peak {
		x.peak = s.Amplitude
	}
	x.sum += s.Amplitude
	x.level += s.Amplitude / g
	x.n++
}

// Bounds returns the currently accepted width range.
func (x *Extractor) Bounds() (shortest, longest time.Duration) {
	expected := float64(x.exp.ExpectedPeriod()) / (2 * config.Slots)
	lo, hi := x.cfg.SearchMin, x.cfg.SearchMax
	if x.exp.Tight() {
		lo, hi = x.cfg.LockMin, x.cfg.LockMax
	}
	return time.Duration(math.Round(lo * expected)), time.Duration(math.Round(hi * expected))
}

// Close ends the open pulse at a falling edge and validates its width.
func (x *Extractor) Close(e detect.Edge) (Pulse, error) {
	if !x.open {
		return Pulse{}, ErrNotOpen
	}
	x.open = false

	p := Pulse{
		Start: x.start,
		End:   e.Timestamp,
		Width: e.Timestamp.Sub(x.start),
		Peak:  x.peak,
		Gain:  x.gain,
	}
	if x.n > 0 {
		p.Mean = x.sum / float64(x.n)
		p.Level = x.level / float64(x.n)
	} else {
		p.Mean = x.peak
		p.Level = x.peak
		p.Gain = 1
	}

	shortest, longest := x.Bounds()
	switch {
	case p.Width < shortest:
		return p, ErrTooShort
	case p.Width > longest:
		return p, ErrTooLong
	}
	return p, nil
}

// Abort discards the open pulse. It reports whether one was open.
func (x *Extractor) Abort() bool {
	was := x.open
	x.open = false
	return was
}

// Reset returns the extractor to its initial state.
func (x *Extractor) Reset() {
	x.Abort()
}
