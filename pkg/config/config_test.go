package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, "/dev/ttyACM0", cfg.Source.Port)
	assert.Equal(t, 1.2, cfg.Source.VRef)
	assert.Equal(t, 3900*time.Microsecond, cfg.Sync.NominalPeriod)
	assert.Equal(t, []int{700, 800, 850, 900, 970, 1050}, cfg.Sync.Wavelengths)
	assert.Equal(t, 12, cfg.Sync.LockConfirm)
	assert.Equal(t, 4, cfg.Sync.ResyncConfirm)
	assert.Equal(t, 0.15, cfg.Sync.CVThreshold)
	assert.Equal(t, 1, cfg.Gain.DwellCycles)
	assert.Equal(t, float64(1), cfg.Gain.Initial)
	assert.Equal(t, float64(45), cfg.Output.BatchHz)
	assert.Equal(t, 3*time.Second, cfg.Detector.SignalLostTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestDefault_WavelengthsNotShared(t *testing.T) {
	cfg := Default()
	cfg.Sync.Wavelengths[0] = 650

	assert.Equal(t, 700, DefaultWavelengths[0])
	assert.Equal(t, 700, Default().Sync.Wavelengths[0])
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, "/dev/ttyACM0", cfg.Source.Port)
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	_, err = tmpfile.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())
	return tmpfile.Name()
}

func TestLoad_ValidYAML(t *testing.T) {
	name := writeTemp(t, `
source:
  port: "/dev/ttyUSB1"
  vref: 2.5

detector:
  threshold: 0.08
  signal_lost_timeout: 1500ms

sync:
  nominal_period: 4ms
  wavelengths: [1050, 970, 900, 850, 800, 700]
  lock_confirm: 18

gain:
  steps: [1, 2, 4, 8, 16]
  dwell_cycles: 5

output:
  batch_hz: 20
`)

	cfg, err := Load(name)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB1", cfg.Source.Port)
	assert.Equal(t, 2.5, cfg.Source.VRef)
	assert.Equal(t, 0.08, cfg.Detector.Threshold)
	assert.Equal(t, 1500*time.Millisecond, cfg.Detector.SignalLostTimeout)
	assert.Equal(t, 4*time.Millisecond, cfg.Sync.NominalPeriod)
	assert.Equal(t, []int{1050, 970, 900, 850, 800, 700}, cfg.Sync.Wavelengths)
	assert.Equal(t, 18, cfg.Sync.LockConfirm)
	assert.Equal(t, []float64{1, 2, 4, 8, 16}, cfg.Gain.Steps)
	assert.Equal(t, 5, cfg.Gain.DwellCycles)
	assert.Equal(t, float64(20), cfg.Output.BatchHz)
}

func TestLoad_InvalidYAML(t *testing.T) {
	name := writeTemp(t, "invalid: yaml: content: [")

	cfg, err := Load(name)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_PartialYAML(t *testing.T) {
	name := writeTemp(t, `
source:
  port: "/dev/ttyACM3"
`)

	cfg, err := Load(name)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM3", cfg.Source.Port)
	// Should use defaults for missing fields
	assert.Equal(t, 0.05, cfg.Detector.Threshold)
	assert.Equal(t, 12, cfg.Sync.LockConfirm)
	assert.Equal(t, 256, cfg.Output.QueueCapacity)
	assert.Len(t, cfg.Sync.Wavelengths, Slots)
	assert.Equal(t, []float64{1, 2, 4, 8}, cfg.Gain.Steps)
}

func TestLoad_ExplicitZerosFallBackToDefaults(t *testing.T) {
	name := writeTemp(t, `
sync:
  lock_confirm: 0
  wavelengths: []
gain:
  steps: []
`)

	cfg, err := Load(name)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Sync.LockConfirm)
	assert.Len(t, cfg.Sync.Wavelengths, Slots)
	assert.NotEmpty(t, cfg.Gain.Steps)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	name := writeTemp(t, `
sync:
  wavelengths: [700, 800, 850]
`)

	cfg, err := Load(name)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestSave(t *testing.T) {
	cfg := Default()
	cfg.Source.Port = "/dev/ttyUSB0"
	cfg.Sync.NominalPeriod = 5 * time.Millisecond
	cfg.Gain.Steps = []float64{1, 2, 4, 8, 16, 32}

	name := writeTemp(t, "")

	require.NoError(t, cfg.Save(name))

	loaded, err := Load(name)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", loaded.Source.Port)
	assert.Equal(t, 5*time.Millisecond, loaded.Sync.NominalPeriod)
	assert.Equal(t, []float64{1, 2, 4, 8, 16, 32}, loaded.Gain.Steps)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"non-positive threshold", func(c *Config) { c.Detector.Threshold = 0 }},
		{"hysteresis too large", func(c *Config) { c.Detector.Hysteresis = 1 }},
		{"extractor min above max", func(c *Config) { c.Extractor.LockMin = 2 }},
		{"wrong wavelength count", func(c *Config) { c.Sync.Wavelengths = []int{700} }},
		{"gain steps not ascending", func(c *Config) { c.Gain.Steps = []float64{1, 4, 2} }},
		{"gain step not a power of two", func(c *Config) { c.Gain.Steps = []float64{1, 3} }},
		{"gain step below one", func(c *Config) { c.Gain.Steps = []float64{0.5, 1}; c.Gain.Initial = 1 }},
		{"gain step above PGA range", func(c *Config) { c.Gain.Steps = []float64{1, 256} }},
		{"batch frequency too high", func(c *Config) { c.Output.BatchHz = 60 }},
		{"zero queue", func(c *Config) { c.Output.QueueCapacity = 0 }},
		{"widen below one", func(c *Config) { c.Sync.WidenFactor = 0.5 }},
		{"watermarks inverted", func(c *Config) { c.Gain.LowWatermark = 0.95 }},
		{"initial gain not a step", func(c *Config) { c.Gain.Initial = 3 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTolerances(t *testing.T) {
	cfg := Default()
	tol := cfg.Tolerances()

	assert.Equal(t, Tolerances{
		SlotTolerance: 0.2,
		LockConfirm:   12,
		ResyncConfirm: 4,
		CVThreshold:   0.15,
		DwellCycles:   1,
		HighWatermark: 0.9,
		LowWatermark:  0.1,
	}, tol)

	tol.LockConfirm = 6
	tol.DwellCycles = 3
	require.NoError(t, cfg.ApplyTolerances(tol))
	assert.Equal(t, 6, cfg.Sync.LockConfirm)
	assert.Equal(t, 3, cfg.Gain.DwellCycles)

	tol.ResyncConfirm = 10 // above lock_confirm
	assert.Error(t, cfg.ApplyTolerances(tol))
	assert.Equal(t, 4, cfg.Sync.ResyncConfirm, "rejected tolerances must not be applied")
}
