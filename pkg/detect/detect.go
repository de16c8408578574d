// Package detect classifies samples against a hysteresis threshold and emits
// rising/falling edge events.
package detect

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/TTR-Hayden/IR-METER-SEER/pkg/config"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/source"
)

// Direction of a threshold crossing.
type Direction int

const (
	Rising Direction = iota + 1
	Falling
)

func (d Direction) String() string {
	switch d {
	case Rising:
		return "rising"
	case Falling:
		return "falling"
	default:
		return "unknown"
	}
}

// Edge is a threshold crossing.
type Edge struct {
	Timestamp time.Time
	Direction Direction
	Amplitude float64 // Sample amplitude at the crossing
}

// Result is the outcome of processing one sample.
type Result struct {
	Edge       Edge
	Detected   bool // Edge is valid
	SignalLost bool // No edge for the configured timeout; reported once
}

// Stats are rolling statistics of baseline (below threshold) samples.
type Stats struct {
	Mean   float64
	StdDev float64
	N      int
}

// Detector is a hysteresis comparator with a signal-lost watchdog.
// It is not safe for concurrent use.
type Detector struct {
	threshold  float64
	hysteresis float64
	timeout    time.Duration

	high         bool
	started      bool
	lost         bool
	lastActivity time.Time

	baseline []float64
	pos      int
	filled   bool
}

// New creates a detector using the configured threshold.
func New(cfg config.DetectorConfig) *Detector {
	window := cfg.StatsWindow
	if window < 2 {
		window = 2
	}
	return &Detector{
		threshold:  cfg.Threshold,
		hysteresis: cfg.Hysteresis,
		timeout:    cfg.SignalLostTimeout,
		baseline:   make([]float64, window),
	}
}

// Process classifies a sample. At most one edge is produced per sample and
// edges strictly alternate, starting with a rising edge.
func (d *Detector) Process(s source.Sample) Result {
	var res Result

	if !d.started {
		d.started = true
		d.lastActivity = s.Timestamp
	}

	switch {
	case !d.high && s.Amplitude > d.threshold*(1+d.hysteresis):
		d.high = true
		res.Edge = Edge{Timestamp: s.Timestamp, Direction: Rising, Amplitude: s.Amplitude}
		res.Detected = true
	case d.high && s.Amplitude < d.threshold*(1-d.hysteresis):
		d.high = false
		res.Edge = Edge{Timestamp: s.Timestamp, Direction: Falling, Amplitude: s.Amplitude}
		res.Detected = true
	}

	if !d.high && !res.Detected {
		d.baseline[d.pos] = s.Amplitude
		d.pos++
		if d.pos == len(d.baseline) {
			d.pos = 0
			d.filled = true
		}
	}

	if res.Detected {
		d.lastActivity = s.Timestamp
		d.lost = false
	} else if !d.lost && d.timeout > 0 && s.Timestamp.Sub(d.lastActivity) >= d.timeout {
		d.lost = true
		res.SignalLost = true
	}

	return res
}

// High reports whether the detector is currently above threshold.
func (d *Detector) High() bool {
	return d.high
}

// SetThreshold sets the raw (ADC-side) threshold in volts.
func (d *Detector) SetThreshold(v float64) {
	d.threshold = v
}

// Threshold returns the raw threshold in volts.
func (d *Detector) Threshold() float64 {
	return d.threshold
}

// Stats returns mean and standard deviation of recent baseline samples.
func (d *Detector) Stats() Stats {
	n := d.pos
	if d.filled {
		n = len(d.baseline)
	}
	if n == 0 {
		return Stats{}
	}
	if n == 1 {
		return Stats{Mean: d.baseline[0], N: 1}
	}
	mean, std := stat.MeanStdDev(d.baseline[:n], nil)
	return Stats{Mean: mean, StdDev: std, N: n}
}

// Reset clears edge state, the watchdog and baseline statistics. The
// threshold is kept.
func (d *Detector) Reset() {
	d.high = false
	d.started = false
	d.lost = false
	d.lastActivity = time.Time{}
	d.pos = 0
	d.filled = false
}
