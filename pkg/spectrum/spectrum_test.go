package spectrum

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TTR-Hayden/IR-METER-SEER/pkg/config"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/source"
)

func TestEstimator_Sine(t *testing.T) {
	cfg := config.SpectrumConfig{Enabled: true, FFTSize: 4096, MinHz: 100, MaxHz: 5000}
	e := New(cfg)
	t0 := time.Unix(1700000000, 0)

	var est Estimate
	var ok bool
	for i := 0; i < 4096; i++ {
		ts := t0.Add(time.Duration(i) * 10 * time.Microsecond)
		v := math.Sin(2 * math.Pi * 1234 * float64(i) / 100000)
		est, ok = e.Add(source.Sample{Timestamp: ts, Amplitude: v})
		if i < 4095 {
			require.False(t, ok)
		}
	}

	require.True(t, ok)
	assert.InDelta(t, 100000, est.SampleRate, 1e-6)
	assert.InDelta(t, 1234, est.Frequency, 15)
	assert.Equal(t, est, e.Latest())

	e.Reset()
	assert.Equal(t, Estimate{}, e.Latest())
}

func TestEstimator_StrobeRate(t *testing.T) {
	mock := source.NewMock(config.MockConfig{
		SampleRate: 100000,
		Period:     3900 * time.Microsecond,
		Amplitudes: []float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.5},
		NoiseLevel: 0.001,
		Seed:       3,
	}, config.SourceConfig{VRef: 1.2})
	require.NoError(t, mock.Connect())
	defer mock.Close()

	e := New(config.Default().Spectrum)

	var est Estimate
	for {
		s, err := mock.Next(context.Background())
		require.NoError(t, err)
		var ok bool
		if est, ok = e.Add(s); ok {
			break
		}
	}

	// Six pulses per 3.9ms cycle
	assert.InDelta(t, 6/0.0039, est.Frequency, 25)
}

func TestEstimator_FlatSignal(t *testing.T) {
	e := New(config.SpectrumConfig{FFTSize: 64, MinHz: 100, MaxHz: 5000})
	t0 := time.Unix(1700000000, 0)

	var ok bool
	for i := 0; i < 64; i++ {
		_, ok = e.Add(source.Sample{Timestamp: t0.Add(time.Duration(i) * 10 * time.Microsecond), Amplitude: 0.25})
	}
	assert.False(t, ok, "no peak in a constant signal")
}
