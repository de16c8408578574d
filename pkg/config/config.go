package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Slots is the number of wavelength slots in one strobe cycle.
const Slots = 6

// MaxGain is the highest PGA multiplier. Gain steps must be powers of two
// from 1 to MaxGain.
const MaxGain = 128

// Config represents the application configuration.
type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Detector  DetectorConfig  `yaml:"detector"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Sync      SyncConfig      `yaml:"sync"`
	Quality   QualityConfig   `yaml:"quality"`
	Gain      GainConfig      `yaml:"gain"`
	Output    OutputConfig    `yaml:"output"`
	Spectrum  SpectrumConfig  `yaml:"spectrum"`
	API       APIConfig       `yaml:"api"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Mock      MockConfig      `yaml:"mock"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SourceConfig contains the sample source (serial MCU bridge) configuration.
type SourceConfig struct {
	Port       string  `yaml:"port"`
	BaudRate   int     `yaml:"baud_rate"`
	BufferSize int     `yaml:"buffer_size"`
	VRef       float64 `yaml:"vref"` // ADC reference voltage (V)
}

// DetectorConfig contains edge detector parameters.
type DetectorConfig struct {
	Threshold         float64       `yaml:"threshold"`  // Detection threshold in ADC volts, fixed across gain steps
	Hysteresis        float64       `yaml:"hysteresis"` // Fraction of threshold
	SignalLostTimeout time.Duration `yaml:"signal_lost_timeout"`
	StatsWindow       int           `yaml:"stats_window"` // Baseline samples in rolling statistics
	NoiseSigma        float64       `yaml:"noise_sigma"`  // Minimum threshold distance from noise mean, in sigmas
}

// ExtractorConfig contains pulse width plausibility bounds, as multiples of
// the expected pulse width.
type ExtractorConfig struct {
	SearchMin float64 `yaml:"search_min"`
	SearchMax float64 `yaml:"search_max"`
	LockMin   float64 `yaml:"lock_min"`
	LockMax   float64 `yaml:"lock_max"`
}

// SyncConfig contains cycle synchronizer parameters.
type SyncConfig struct {
	NominalPeriod     time.Duration `yaml:"nominal_period"`
	Wavelengths       []int         `yaml:"wavelengths"`    // Slot order, nm
	SlotTolerance     float64       `yaml:"slot_tolerance"` // Fraction of slot interval
	LockConfirm       int           `yaml:"lock_confirm"`   // Intervals required to lock
	ResyncConfirm     int           `yaml:"resync_confirm"` // Intervals required to re-lock
	CVThreshold       float64       `yaml:"cv_threshold"`
	MaxDriftMisses    int           `yaml:"max_drift_misses"`
	MaxResyncAttempts int           `yaml:"max_resync_attempts"`
	PriorTolerance    float64       `yaml:"prior_tolerance"` // Allowed deviation from the prior slot interval
	PhaseGain         float64       `yaml:"phase_gain"`
	FrequencyGain     float64       `yaml:"frequency_gain"`
	WidenFactor       float64       `yaml:"widen_factor"`
}

// QualityConfig contains quality scorer weights.
type QualityConfig struct {
	TimingWeight    float64 `yaml:"timing_weight"`
	PatternWeight   float64 `yaml:"pattern_weight"`
	ReferenceCycles int     `yaml:"reference_cycles"`
}

// GainConfig contains gain controller parameters.
type GainConfig struct {
	Steps         []float64 `yaml:"steps"`          // Available PGA multipliers, ascending powers of two up to MaxGain
	Initial       float64   `yaml:"initial"`        // Multiplier applied at session start
	FullScale     float64   `yaml:"full_scale"`     // ADC full-scale input (V)
	HighWatermark float64   `yaml:"high_watermark"` // Fraction of full scale
	LowWatermark  float64   `yaml:"low_watermark"`  // Fraction of full scale
	Consecutive   int       `yaml:"consecutive"`    // Cycles beyond a watermark before stepping
	DwellCycles   int       `yaml:"dwell_cycles"`   // Minimum cycles between adjustments
}

// OutputConfig contains record queue parameters.
type OutputConfig struct {
	QueueCapacity  int     `yaml:"queue_capacity"`
	BatchHz        float64 `yaml:"batch_hz"` // Consumer drain frequency
	EventsCapacity int     `yaml:"events_capacity"`
}

// SpectrumConfig contains strobe rate estimator parameters.
type SpectrumConfig struct {
	Enabled bool    `yaml:"enabled"`
	FFTSize int     `yaml:"fft_size"`
	MinHz   float64 `yaml:"min_hz"`
	MaxHz   float64 `yaml:"max_hz"`
}

// APIConfig contains the HTTP control API configuration.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// MQTTConfig contains record publisher configuration.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

// MockConfig contains mock source configuration.
type MockConfig struct {
	SampleRate float64       `yaml:"sample_rate"` // Samples per second
	Period     time.Duration `yaml:"period"`      // Strobe cycle period
	PulseWidth time.Duration `yaml:"pulse_width"` // 0 = period/12
	Amplitudes []float64     `yaml:"amplitudes"`  // Per-slot amplitude at unity gain (V)
	NoiseLevel float64       `yaml:"noise_level"` // Gaussian noise sigma (V)
	Jitter     time.Duration `yaml:"jitter"`      // Max pulse start jitter
	SpikeEvery int           `yaml:"spike_every"` // Inject a single-sample spike every N samples (0 = off)
	Cycles     int           `yaml:"cycles"`      // Cycles before end-of-stream (0 = endless)
	Seed       int64         `yaml:"seed"`
	Realtime   bool          `yaml:"realtime"` // Pace generation to wall clock
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Tolerances is the runtime-adjustable subset of the configuration.
type Tolerances struct {
	SlotTolerance float64 `yaml:"slot_tolerance" json:"slot_tolerance"`
	LockConfirm   int     `yaml:"lock_confirm" json:"lock_confirm"`
	ResyncConfirm int     `yaml:"resync_confirm" json:"resync_confirm"`
	CVThreshold   float64 `yaml:"cv_threshold" json:"cv_threshold"`
	DwellCycles   int     `yaml:"dwell_cycles" json:"dwell_cycles"`
	HighWatermark float64 `yaml:"high_watermark" json:"high_watermark"`
	LowWatermark  float64 `yaml:"low_watermark" json:"low_watermark"`
}

// DefaultWavelengths is the LED rotation order in nanometres.
var DefaultWavelengths = []int{700, 800, 850, 900, 970, 1050}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			Port:       "/dev/ttyACM0",
			BaudRate:   921600,
			BufferSize: 4096,
			VRef:       1.2,
		},
		Detector: DetectorConfig{
			Threshold:         0.05,
			Hysteresis:        0.05,
			SignalLostTimeout: 3 * time.Second,
			StatsWindow:       256,
			NoiseSigma:        4,
		},
		Extractor: ExtractorConfig{
			SearchMin: 0.4,
			SearchMax: 2.5,
			LockMin:   0.7,
			LockMax:   1.4,
		},
		Sync: SyncConfig{
			NominalPeriod:     3900 * time.Microsecond, // 256 Hz
			Wavelengths:       append([]int(nil), DefaultWavelengths...),
			SlotTolerance:     0.2,
			LockConfirm:       12,
			ResyncConfirm:     4,
			CVThreshold:       0.15,
			MaxDriftMisses:    3,
			MaxResyncAttempts: 3,
			PriorTolerance:    0.2,
			PhaseGain:         0.1,
			FrequencyGain:     0.02,
			WidenFactor:       2,
		},
		Quality: QualityConfig{
			TimingWeight:    0.5,
			PatternWeight:   0.5,
			ReferenceCycles: 8,
		},
		Gain: GainConfig{
			Steps:         []float64{1, 2, 4, 8},
			Initial:       1,
			FullScale:     1.2,
			HighWatermark: 0.9,
			LowWatermark:  0.1,
			Consecutive:   3,
			DwellCycles:   1,
		},
		Output: OutputConfig{
			QueueCapacity:  256,
			BatchHz:        45,
			EventsCapacity: 64,
		},
		Spectrum: SpectrumConfig{
			Enabled: true,
			FFTSize: 4096,
			MinHz:   100,
			MaxHz:   5000,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		MQTT: MQTTConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     1883,
			Topic:    "pulseseer",
			ClientID: "pulseseer",
		},
		Mock: MockConfig{
			SampleRate: 100000,
			Period:     3900 * time.Microsecond,
			Amplitudes: []float64{1.0, 0.8, 0.6, 0.4, 0.2, 0.1},
			NoiseLevel: 0.001,
			Seed:       1,
			Realtime:   true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults fills zero-valued fields with default values.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Source.Port == "" {
		c.Source.Port = def.Source.Port
	}
	if c.Source.BaudRate == 0 {
		c.Source.BaudRate = def.Source.BaudRate
	}
	if c.Source.BufferSize == 0 {
		c.Source.BufferSize = def.Source.BufferSize
	}
	if c.Source.VRef == 0 {
		c.Source.VRef = def.Source.VRef
	}

	if c.Detector.Threshold == 0 {
		c.Detector.Threshold = def.Detector.Threshold
	}
	if c.Detector.Hysteresis == 0 {
		c.Detector.Hysteresis = def.Detector.Hysteresis
	}
	if c.Detector.SignalLostTimeout == 0 {
		c.Detector.SignalLostTimeout = def.Detector.SignalLostTimeout
	}
	if c.Detector.StatsWindow == 0 {
		c.Detector.StatsWindow = def.Detector.StatsWindow
	}
	if c.Detector.NoiseSigma == 0 {
		c.Detector.NoiseSigma = def.Detector.NoiseSigma
	}

	if c.Extractor == (ExtractorConfig{}) {
		c.Extractor = def.Extractor
	}

	if c.Sync.NominalPeriod == 0 {
		c.Sync.NominalPeriod = def.Sync.NominalPeriod
	}
	if len(c.Sync.Wavelengths) == 0 {
		c.Sync.Wavelengths = def.Sync.Wavelengths
	}
	if c.Sync.SlotTolerance == 0 {
		c.Sync.SlotTolerance = def.Sync.SlotTolerance
	}
	if c.Sync.LockConfirm == 0 {
		c.Sync.LockConfirm = def.Sync.LockConfirm
	}
	if c.Sync.ResyncConfirm == 0 {
		c.Sync.ResyncConfirm = def.Sync.ResyncConfirm
	}
	if c.Sync.CVThreshold == 0 {
		c.Sync.CVThreshold = def.Sync.CVThreshold
	}
	if c.Sync.MaxDriftMisses == 0 {
		c.Sync.MaxDriftMisses = def.Sync.MaxDriftMisses
	}
	if c.Sync.MaxResyncAttempts == 0 {
		c.Sync.MaxResyncAttempts = def.Sync.MaxResyncAttempts
	}
	if c.Sync.PriorTolerance == 0 {
		c.Sync.PriorTolerance = def.Sync.PriorTolerance
	}
	if c.Sync.WidenFactor == 0 {
		c.Sync.WidenFactor = def.Sync.WidenFactor
	}

	if c.Quality.TimingWeight == 0 && c.Quality.PatternWeight == 0 {
		c.Quality.TimingWeight = def.Quality.TimingWeight
		c.Quality.PatternWeight = def.Quality.PatternWeight
	}
	if c.Quality.ReferenceCycles == 0 {
		c.Quality.ReferenceCycles = def.Quality.ReferenceCycles
	}

	if len(c.Gain.Steps) == 0 {
		c.Gain.Steps = def.Gain.Steps
	}
	if c.Gain.Initial == 0 {
		c.Gain.Initial = c.Gain.Steps[0]
	}
	if c.Gain.FullScale == 0 {
		c.Gain.FullScale = def.Gain.FullScale
	}
	if c.Gain.HighWatermark == 0 {
		c.Gain.HighWatermark = def.Gain.HighWatermark
	}
	if c.Gain.LowWatermark == 0 {
		c.Gain.LowWatermark = def.Gain.LowWatermark
	}
	if c.Gain.Consecutive == 0 {
		c.Gain.Consecutive = def.Gain.Consecutive
	}
	if c.Gain.DwellCycles == 0 {
		c.Gain.DwellCycles = def.Gain.DwellCycles
	}

	if c.Output.QueueCapacity == 0 {
		c.Output.QueueCapacity = def.Output.QueueCapacity
	}
	if c.Output.BatchHz == 0 {
		c.Output.BatchHz = def.Output.BatchHz
	}
	if c.Output.EventsCapacity == 0 {
		c.Output.EventsCapacity = def.Output.EventsCapacity
	}

	if c.Spectrum.FFTSize == 0 {
		c.Spectrum.FFTSize = def.Spectrum.FFTSize
	}
	if c.Spectrum.MaxHz == 0 {
		c.Spectrum.MinHz = def.Spectrum.MinHz
		c.Spectrum.MaxHz = def.Spectrum.MaxHz
	}

	if c.API.Listen == "" {
		c.API.Listen = def.API.Listen
	}

	if c.MQTT.Host == "" {
		c.MQTT.Host = def.MQTT.Host
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = def.MQTT.Port
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = def.MQTT.Topic
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = def.MQTT.ClientID
	}

	if c.Mock.SampleRate == 0 {
		c.Mock.SampleRate = def.Mock.SampleRate
	}
	if c.Mock.Period == 0 {
		c.Mock.Period = def.Mock.Period
	}
	if len(c.Mock.Amplitudes) == 0 {
		c.Mock.Amplitudes = def.Mock.Amplitudes
	}

	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

// Validate checks field ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.Source.VRef <= 0 {
		return fmt.Errorf("source.vref must be positive, got %v", c.Source.VRef)
	}
	if c.Detector.Threshold <= 0 {
		return fmt.Errorf("detector.threshold must be positive, got %v", c.Detector.Threshold)
	}
	if c.Detector.Hysteresis < 0 || c.Detector.Hysteresis >= 1 {
		return fmt.Errorf("detector.hysteresis must be in [0,1), got %v", c.Detector.Hysteresis)
	}
	if c.Detector.StatsWindow < 2 {
		return fmt.Errorf("detector.stats_window must be at least 2, got %d", c.Detector.StatsWindow)
	}
	e := c.Extractor
	if e.SearchMin <= 0 || e.SearchMin >= e.SearchMax || e.LockMin <= 0 || e.LockMin >= e.LockMax {
		return fmt.Errorf("extractor bounds must satisfy 0 < min < max, got %+v", e)
	}
	if c.Sync.NominalPeriod <= 0 {
		return fmt.Errorf("sync.nominal_period must be positive, got %v", c.Sync.NominalPeriod)
	}
	if len(c.Sync.Wavelengths) != Slots {
		return fmt.Errorf("sync.wavelengths must list %d wavelengths, got %d", Slots, len(c.Sync.Wavelengths))
	}
	if c.Sync.MaxDriftMisses < 1 || c.Sync.MaxResyncAttempts < 1 {
		return fmt.Errorf("sync.max_drift_misses and sync.max_resync_attempts must be at least 1")
	}
	if c.Sync.WidenFactor < 1 {
		return fmt.Errorf("sync.widen_factor must be at least 1, got %v", c.Sync.WidenFactor)
	}
	if c.Quality.TimingWeight < 0 || c.Quality.PatternWeight < 0 || c.Quality.TimingWeight+c.Quality.PatternWeight == 0 {
		return fmt.Errorf("quality weights must be non-negative and not both zero")
	}
	if len(c.Gain.Steps) == 0 {
		return fmt.Errorf("gain.steps must not be empty")
	}
	for i, s := range c.Gain.Steps {
		if s <= 0 || (i > 0 && s <= c.Gain.Steps[i-1]) {
			return fmt.Errorf("gain.steps must be positive and strictly ascending, got %v", c.Gain.Steps)
		}
	}
	for _, s := range c.Gain.Steps {
		if e := math.Log2(s); s < 1 || s > MaxGain || e != math.Trunc(e) {
			return fmt.Errorf("gain.steps must be powers of two from 1 to %d, got %v", MaxGain, c.Gain.Steps)
		}
	}
	if !containsStep(c.Gain.Steps, c.Gain.Initial) {
		return fmt.Errorf("gain.initial must be one of gain.steps, got %v", c.Gain.Initial)
	}
	if c.Gain.FullScale <= 0 {
		return fmt.Errorf("gain.full_scale must be positive, got %v", c.Gain.FullScale)
	}
	if c.Output.QueueCapacity < 1 {
		return fmt.Errorf("output.queue_capacity must be at least 1, got %d", c.Output.QueueCapacity)
	}
	if c.Output.BatchHz < 1 || c.Output.BatchHz > 50 {
		return fmt.Errorf("output.batch_hz must be in [1,50], got %v", c.Output.BatchHz)
	}
	if c.Spectrum.Enabled && (c.Spectrum.FFTSize < 16 || c.Spectrum.MinHz >= c.Spectrum.MaxHz) {
		return fmt.Errorf("spectrum requires fft_size >= 16 and min_hz < max_hz")
	}
	return c.Tolerances().Validate()
}

// Tolerances returns the runtime-adjustable subset of the configuration.
func (c *Config) Tolerances() Tolerances {
	return Tolerances{
		SlotTolerance: c.Sync.SlotTolerance,
		LockConfirm:   c.Sync.LockConfirm,
		ResyncConfirm: c.Sync.ResyncConfirm,
		CVThreshold:   c.Sync.CVThreshold,
		DwellCycles:   c.Gain.DwellCycles,
		HighWatermark: c.Gain.HighWatermark,
		LowWatermark:  c.Gain.LowWatermark,
	}
}

// ApplyTolerances validates t and copies it into the configuration.
func (c *Config) ApplyTolerances(t Tolerances) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c.Sync.SlotTolerance = t.SlotTolerance
	c.Sync.LockConfirm = t.LockConfirm
	c.Sync.ResyncConfirm = t.ResyncConfirm
	c.Sync.CVThreshold = t.CVThreshold
	c.Gain.DwellCycles = t.DwellCycles
	c.Gain.HighWatermark = t.HighWatermark
	c.Gain.LowWatermark = t.LowWatermark
	return nil
}

// Validate checks tolerance ranges.
func (t Tolerances) Validate() error {
	if t.SlotTolerance <= 0 || t.SlotTolerance >= 0.5 {
		return fmt.Errorf("slot_tolerance must be in (0,0.5), got %v", t.SlotTolerance)
	}
	if t.LockConfirm < 2 {
		return fmt.Errorf("lock_confirm must be at least 2, got %d", t.LockConfirm)
	}
	if t.ResyncConfirm < 2 || t.ResyncConfirm > t.LockConfirm {
		return fmt.Errorf("resync_confirm must be in [2,lock_confirm], got %d", t.ResyncConfirm)
	}
	if t.CVThreshold <= 0 || t.CVThreshold >= 1 {
		return fmt.Errorf("cv_threshold must be in (0,1), got %v", t.CVThreshold)
	}
	if t.DwellCycles < 1 {
		return fmt.Errorf("dwell_cycles must be at least 1, got %d", t.DwellCycles)
	}
	if t.LowWatermark <= 0 || t.HighWatermark > 1 || t.LowWatermark >= t.HighWatermark {
		return fmt.Errorf("watermarks must satisfy 0 < low < high <= 1, got low=%v high=%v", t.LowWatermark, t.HighWatermark)
	}
	return nil
}

func containsStep(steps []float64, v float64) bool {
	for _, s := range steps {
		if s == v {
			return true
		}
	}
	return false
}
