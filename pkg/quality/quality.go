// Package quality scores completed cycles for timing regularity and amplitude
// pattern consistency.
package quality

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/TTR-Hayden/IR-METER-SEER/pkg/config"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/cycle"
)

// Score is the confidence of one cycle, each component in [0,1].
type Score struct {
	Timing  float64
	Pattern float64
	Quality float64
}

// Scorer keeps a short rolling reference of recent amplitude patterns.
type Scorer struct {
	cfg     config.QualityConfig
	history [][config.Slots]float64
	next    int
}

// New creates a scorer.
func New(cfg config.QualityConfig) *Scorer {
	n := cfg.ReferenceCycles
	if n < 1 {
		n = 1
	}
	return &Scorer{
		cfg:     cfg,
		history: make([][config.Slots]float64, 0, n),
	}
}

// Score rates c and adds its amplitudes to the reference. tolerance is the
// slot tolerance fraction the cycle was assembled with.
func (s *Scorer) Score(c cycle.Cycle, tolerance float64) Score {
	amps := c.Amplitudes()

	var sc Score
	sc.Timing = timingScore(c, tolerance)
	sc.Pattern = s.patternScore(amps[:])

	w := s.cfg.TimingWeight + s.cfg.PatternWeight
	if w > 0 {
		sc.Quality = clamp((s.cfg.TimingWeight*sc.Timing + s.cfg.PatternWeight*sc.Pattern) / w)
	}

	s.remember(amps)
	return sc
}

// Reset forgets the reference pattern.
func (s *Scorer) Reset() {
	s.history = s.history[:0]
	s.next = 0
}

// timingScore is 1 minus the mean squared slot offset normalised by the
// tolerance band. Missing slots count as fully off.
func timingScore(c cycle.Cycle, tolerance float64) float64 {
	band := tolerance * float64(c.SlotInterval())
	sum := 0.0
	for _, sl := range c.Slots {
		if sl.Missing || band <= 0 {
			sum++
			continue
		}
		r := float64(sl.Offset) / band
		sum += math.Min(1, r*r)
	}
	return clamp(1 - sum/config.Slots)
}

func (s *Scorer) patternScore(amps []float64) float64 {
	if len(s.history) == 0 {
		return 1
	}

	ref := make([]float64, config.Slots)
	for _, h := range s.history {
		floats.Add(ref, h[:])
	}
	floats.Scale(1/float64(len(s.history)), ref)

	if stat.StdDev(amps, nil) > 0 && stat.StdDev(ref, nil) > 0 {
		return clamp(stat.Correlation(amps, ref, nil))
	}

	// Flat vectors have no correlation; compare magnitudes instead.
	refNorm := floats.Norm(ref, 2)
	diff := make([]float64, config.Slots)
	floats.SubTo(diff, amps, ref)
	if refNorm == 0 {
		if floats.Norm(amps, 2) == 0 {
			return 1
		}
		return 0
	}
	return clamp(1 - floats.Norm(diff, 2)/refNorm)
}

func (s *Scorer) remember(amps [config.Slots]float64) {
	if len(s.history) < cap(s.history) {
		s.history = append(s.history, amps)
		return
	}
	s.history[s.next] = amps
	s.next = (s.next + 1) % len(s.history)
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
