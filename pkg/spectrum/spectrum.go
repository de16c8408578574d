// Package spectrum estimates the strobe pulse rate from the raw sample stream
// with a Hann-windowed FFT.
package spectrum

import (
	"math"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/TTR-Hayden/IR-METER-SEER/pkg/config"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/source"
)

// Estimate is the dominant spectral component of one block.
type Estimate struct {
	Frequency  float64 // Hz
	SampleRate float64 // Hz, derived from block timestamps
	Power      float64
}

// Estimator accumulates blocks of samples and locates the strongest peak
// within the configured band.
type Estimator struct {
	cfg    config.SpectrumConfig
	fft    *fourier.FFT
	window []float64
	buffer []float64
	first  time.Time
	last   time.Time
	n      int

	coeffs   []complex128
	spectrum []float64
	latest   Estimate
}

// New creates an estimator for blocks of cfg.FFTSize samples.
func New(cfg config.SpectrumConfig) *Estimator {
	size := cfg.FFTSize
	e := &Estimator{
		cfg:      cfg,
		fft:      fourier.NewFFT(size),
		window:   make([]float64, size),
		buffer:   make([]float64, size),
		coeffs:   make([]complex128, size/2+1),
		spectrum: make([]float64, size/2+1),
	}
	for i := range e.window {
		e.window[i] = 0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/float64(size-1)))
	}
	return e
}

// Add buffers a sample. When a block is complete it returns the new estimate
// and true.
func (e *Estimator) Add(s source.Sample) (Estimate, bool) {
	if e.n == 0 {
		e.first = s.Timestamp
	}
	e.buffer[e.n] = s.Amplitude / s.Gain()
	e.last = s.Timestamp
	e.n++

	if e.n < len(e.buffer) {
		return Estimate{}, false
	}
	e.n = 0

	span := e.last.Sub(e.first)
	if span <= 0 {
		return Estimate{}, false
	}
	fs := float64(len(e.buffer)-1) / span.Seconds()

	est, ok := e.compute(fs)
	if ok {
		e.latest = est
	}
	return est, ok
}

// Latest returns the last successful estimate.
func (e *Estimator) Latest() Estimate {
	return e.latest
}

// Reset discards the partial block and the last estimate.
func (e *Estimator) Reset() {
	e.n = 0
	e.latest = Estimate{}
}

func (e *Estimator) compute(fs float64) (Estimate, bool) {
	size := len(e.buffer)

	mean := 0.0
	for _, v := range e.buffer {
		mean += v
	}
	mean /= float64(size)
	for i, v := range e.buffer {
		e.buffer[i] = (v - mean) * e.window[i]
	}

	e.coeffs = e.fft.Coefficients(e.coeffs, e.buffer)
	for i, c := range e.coeffs {
		e.spectrum[i] = real(c)*real(c) + imag(c)*imag(c)
	}

	df := fs / float64(size)
	lo := int(math.Ceil(e.cfg.MinHz / df))
	hi := int(math.Floor(e.cfg.MaxHz / df))
	if lo < 1 {
		lo = 1
	}
	if hi > len(e.spectrum)-2 {
		hi = len(e.spectrum) - 2
	}
	if lo > hi {
		return Estimate{}, false
	}

	best := lo
	for i := lo + 1; i <= hi; i++ {
		if e.spectrum[i] > e.spectrum[best] {
			best = i
		}
	}
	if e.spectrum[best] == 0 {
		return Estimate{}, false
	}

	// Parabolic interpolation around the peak bin
	alpha, beta, gamma := e.spectrum[best-1], e.spectrum[best], e.spectrum[best+1]
	delta := 0.0
	if den := alpha - 2*beta + gamma; den != 0 {
		delta = 0.5 * (alpha - gamma) / den
	}

	return Estimate{
		Frequency:  (float64(best) + delta) * df,
		SampleRate: fs,
		Power:      beta,
	}, true
}
