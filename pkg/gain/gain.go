// Package gain implements the slow PGA gain and detection threshold feedback
// loop, evaluated once per completed cycle.
package gain

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/TTR-Hayden/IR-METER-SEER/pkg/config"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/detect"
)

// Setter applies a PGA gain multiplier to the hardware.
type Setter interface {
	SetGain(multiplier float64) error
}

// Reason for a gain change.
type Reason string

const (
	Saturation Reason = "saturation"
	UnderRange Reason = "under-range"
)

// GainState is owned by the Controller; State returns a copy.
type GainState struct {
	Gain              float64   `json:"gain"`
	Step              int       `json:"step"`
	LastAdjust        time.Time `json:"last_adjust"`
	CyclesSinceAdjust int       `json:"cycles_since_adjust"`
	HighCount         int       `json:"high_count"`
	LowCount          int       `json:"low_count"`
	Saturations       uint64    `json:"saturations"`
	UnderRanges       uint64    `json:"under_ranges"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Changed   bool
	From      float64
	To        float64
	Reason    Reason
	Threshold float64 // Raw detector threshold to apply
	Err       error   // Setter failure; the gain was left unchanged
}

// Controller steps the gain through the configured multipliers.
type Controller struct {
	cfg    config.GainConfig
	det    config.DetectorConfig
	setter Setter

	state     GainState
	threshold float64
}

// New creates a controller at the initial gain. Reset must be called to push
// that gain to the setter.
func New(cfg config.GainConfig, det config.DetectorConfig, setter Setter) *Controller {
	c := &Controller{cfg: cfg, det: det, setter: setter}
	c.restart()
	return c
}

func (c *Controller) restart() {
	step := 0
	for i, s := range c.cfg.Steps {
		if s == c.cfg.Initial {
			step = i
		}
	}
	c.state = GainState{Step: step, Gain: c.cfg.Steps[step]}
	c.threshold = c.det.Threshold
}

// Evaluate feeds the raw peak of a completed cycle and the detector's noise
// statistics, measured at the current gain.
func (c *Controller) Evaluate(peak float64, at time.Time, noise detect.Stats) Decision {
	st := &c.state
	st.CyclesSinceAdjust++

	frac := peak / c.cfg.FullScale
	switch {
	case frac >= c.cfg.HighWatermark:
		st.HighCount++
		st.LowCount = 0
		st.Saturations++
	case frac <= c.cfg.LowWatermark:
		st.LowCount++
		st.HighCount = 0
		st.UnderRanges++
	default:
		st.HighCount = 0
		st.LowCount = 0
	}

	d := Decision{From: st.Gain, To: st.Gain}
	if st.CyclesSinceAdjust >= c.cfg.DwellCycles {
		switch {
		case st.HighCount >= c.cfg.Consecutive && st.Step > 0:
			d = c.step(-1, Saturation, at)
		case st.LowCount >= c.cfg.Consecutive && st.Step < len(c.cfg.Steps)-1:
			d = c.step(1, UnderRange, at)
		}
	}

	// The ADC-side threshold is fixed, so referred to the photodiode it
	// falls as 1/gain. The noise floor is in ADC volts and follows the gain.
	c.threshold = c.det.Threshold
	if noise.N >= 2 {
		scale := st.Gain / d.From
		floor := (noise.Mean + c.det.NoiseSigma*noise.StdDev) * scale
		c.threshold = math.Max(c.threshold, floor)
	}
	d.Threshold = c.threshold
	return d
}

func (c *Controller) step(delta int, reason Reason, at time.Time) Decision {
	st := &c.state
	from := st.Gain
	to := c.cfg.Steps[st.Step+delta]

	if c.setter != nil {
		if err := c.setter.SetGain(to); err != nil {
			return Decision{From: from, To: from, Reason: reason, Err: errors.Wrapf(err, "set gain %v", to)}
		}
	}

	st.Step += delta
	st.Gain = to
	st.LastAdjust = at
	st.CyclesSinceAdjust = 0
	st.HighCount = 0
	st.LowCount = 0
	return Decision{Changed: true, From: from, To: to, Reason: reason}
}

// State returns a copy of the gain state.
func (c *Controller) State() GainState {
	return c.state
}

// Gain returns the current multiplier.
func (c *Controller) Gain() float64 {
	return c.state.Gain
}

// Threshold returns the raw detector threshold in ADC volts.
func (c *Controller) Threshold() float64 {
	return c.threshold
}

// SetTolerances applies runtime dwell and watermark settings.
func (c *Controller) SetTolerances(t config.Tolerances) {
	c.cfg.DwellCycles = t.DwellCycles
	c.cfg.HighWatermark = t.HighWatermark
	c.cfg.LowWatermark = t.LowWatermark
}

// Reset returns to the initial gain and applies it through the setter.
func (c *Controller) Reset() error {
	c.restart()
	if c.setter == nil {
		return nil
	}
	if err := c.setter.SetGain(c.state.Gain); err != nil {
		return errors.Wrapf(err, "set initial gain %v", c.state.Gain)
	}
	return nil
}
