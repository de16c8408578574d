package gain

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TTR-Hayden/IR-METER-SEER/pkg/config"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/detect"
)

type recordingSetter struct {
	calls []float64
	err   error
}

func (r *recordingSetter) SetGain(g float64) error {
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, g)
	return nil
}

var t0 = time.Unix(1700000000, 0)

func testConfig() (config.GainConfig, config.DetectorConfig) {
	cfg := config.Default()
	cfg.Gain.Initial = 4
	return cfg.Gain, cfg.Detector
}

func TestController_Reset(t *testing.T) {
	g, det := testConfig()
	setter := &recordingSetter{}
	c := New(g, det, setter)

	require.NoError(t, c.Reset())
	assert.Equal(t, []float64{4}, setter.calls)
	assert.Equal(t, 4.0, c.Gain())
	assert.Equal(t, 2, c.State().Step)
	assert.InDelta(t, 0.05, c.Threshold(), 1e-12)

	setter.err = errors.New("port closed")
	assert.Error(t, c.Reset())

	assert.NoError(t, New(g, det, nil).Reset())
}

func TestController_SaturationOnePerDwellWindow(t *testing.T) {
	tests := []struct {
		name  string
		dwell int
		want  []int // cycles (1-based) at which the gain steps down
	}{
		{"dwell 1", 1, []int{3, 6}},
		{"dwell 5", 5, []int{5, 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, det := testConfig()
			g.DwellCycles = tt.dwell
			setter := &recordingSetter{}
			c := New(g, det, setter)

			var changes []int
			for i := 1; i <= 12; i++ {
				d := c.Evaluate(1.19, t0.Add(time.Duration(i)*3900*time.Microsecond), detect.Stats{})
				require.NoError(t, d.Err)
				if d.Changed {
					assert.Equal(t, Saturation, d.Reason)
					assert.Less(t, d.To, d.From)
					changes = append(changes, i)
				}
			}
			assert.Equal(t, tt.want, changes)
			assert.Equal(t, []float64{2, 1}, setter.calls)
			assert.Equal(t, 1.0, c.Gain(), "lowest step reached")
			assert.Equal(t, uint64(12), c.State().Saturations)
		})
	}
}

func TestController_UnderRange(t *testing.T) {
	g, det := testConfig()
	setter := &recordingSetter{}
	c := New(g, det, setter)

	var d Decision
	for i := 0; i < 3; i++ {
		d = c.Evaluate(0.05, t0, detect.Stats{})
	}
	assert.True(t, d.Changed)
	assert.Equal(t, UnderRange, d.Reason)
	assert.Equal(t, 8.0, d.To)
	assert.InDelta(t, 0.05, d.Threshold, 1e-12, "ADC threshold unchanged")
	assert.Equal(t, t0, c.State().LastAdjust)

	for i := 0; i < 10; i++ {
		d = c.Evaluate(0.05, t0, detect.Stats{})
		assert.False(t, d.Changed, "already at the highest step")
	}
}

func TestController_ThresholdFixedAcrossGainSteps(t *testing.T) {
	cfg := config.Default()
	c := New(cfg.Gain, cfg.Detector, nil)
	require.Equal(t, 1.0, c.Gain())

	var d Decision
	for i := 0; i < 3; i++ {
		d = c.Evaluate(0.08, t0, detect.Stats{})
	}
	require.True(t, d.Changed)
	assert.Equal(t, 2.0, d.To)
	assert.InDelta(t, cfg.Detector.Threshold, d.Threshold, 1e-12)

	// Referred to the photodiode the threshold halves, so a 0.04 V pulse
	// that missed at unity gain now crosses.
	assert.InDelta(t, cfg.Detector.Threshold/2, d.Threshold/c.Gain(), 1e-12)
	assert.Less(t, 0.04, cfg.Detector.Threshold)
	assert.Greater(t, 0.04*c.Gain(), d.Threshold)
}

func TestController_InRangeResetsCounters(t *testing.T) {
	g, det := testConfig()
	c := New(g, det, &recordingSetter{})

	for i := 0; i < 10; i++ {
		peak := 1.19
		if i%3 == 2 {
			peak = 0.6
		}
		assert.False(t, c.Evaluate(peak, t0, detect.Stats{}).Changed)
	}
	assert.Equal(t, 4.0, c.Gain())
}

func TestController_SetterFailureKeepsGain(t *testing.T) {
	g, det := testConfig()
	setter := &recordingSetter{err: errors.New("write failed")}
	c := New(g, det, setter)

	var d Decision
	for i := 0; i < 3; i++ {
		d = c.Evaluate(1.19, t0, detect.Stats{})
	}
	assert.Error(t, d.Err)
	assert.False(t, d.Changed)
	assert.Equal(t, 4.0, c.Gain())

	setter.err = nil
	d = c.Evaluate(1.19, t0, detect.Stats{})
	assert.True(t, d.Changed, "retried on the next cycle")
}

func TestController_NoiseFloorRaisesThreshold(t *testing.T) {
	g, det := testConfig()
	c := New(g, det, nil)

	d := c.Evaluate(0.6, t0, detect.Stats{Mean: 0.1, StdDev: 0.05, N: 100})
	assert.InDelta(t, 0.3, d.Threshold, 1e-12)

	d = c.Evaluate(0.6, t0, detect.Stats{Mean: 0.01, StdDev: 0.001, N: 100})
	assert.InDelta(t, 0.05, d.Threshold, 1e-12)

	d = c.Evaluate(0.6, t0, detect.Stats{Mean: 5, StdDev: 5, N: 1})
	assert.InDelta(t, 0.05, d.Threshold, 1e-12, "too few baseline samples")
}

func TestController_SetTolerances(t *testing.T) {
	g, det := testConfig()
	c := New(g, det, nil)

	tol := config.Default().Tolerances()
	tol.HighWatermark = 0.5
	tol.DwellCycles = 4
	c.SetTolerances(tol)

	var changed []int
	for i := 1; i <= 8; i++ {
		if c.Evaluate(0.7, t0, detect.Stats{}).Changed {
			changed = append(changed, i)
		}
	}
	assert.Equal(t, []int{4, 8}, changed)
}
