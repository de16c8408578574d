package source

import (
	"context"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/TTR-Hayden/IR-METER-SEER/pkg/config"
)

// Mock generates a synthetic strobed 6-wavelength photodiode signal.
//
// Slot j of every cycle carries a rectangular pulse of the configured width
// starting at j*period/6 (plus optional jitter). Amplitudes are scaled by the
// current PGA gain, clipped at the ADC full scale and quantized to 24 bits.
// The stream is fully determined by the configuration and seed.
type Mock struct {
	cfg        config.MockConfig
	vref       float64
	gainCode   uint8
	period     time.Duration
	slot       time.Duration
	width      time.Duration
	sampleStep float64 // nanoseconds per sample
	limit      int64   // total samples, 0 = endless

	mu        sync.Mutex
	rng       *rand.Rand
	start     time.Time
	index     int64
	cycle     int64
	jitter    [config.Slots]time.Duration
	connected bool
}

// NewMock creates a new mock source at unity gain. The ADC reference is taken
// from the source configuration.
func NewMock(cfg config.MockConfig, src config.SourceConfig) *Mock {
	def := config.Default()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.Mock.SampleRate
	}
	if cfg.Period <= 0 {
		cfg.Period = def.Mock.Period
	}
	if len(cfg.Amplitudes) == 0 {
		cfg.Amplitudes = def.Mock.Amplitudes
	}
	vref := src.VRef
	if vref <= 0 {
		vref = def.Source.VRef
	}

	width := cfg.PulseWidth
	if width <= 0 {
		width = cfg.Period / (2 * config.Slots)
	}

	m := &Mock{
		cfg:        cfg,
		vref:       vref,
		period:     cfg.Period,
		slot:       cfg.Period / config.Slots,
		width:      width,
		sampleStep: float64(time.Second) / cfg.SampleRate,
		cycle:      -1,
	}
	if cfg.Cycles > 0 {
		m.limit = int64(float64(cfg.Cycles) * float64(cfg.Period) / m.sampleStep)
	}
	return m
}

// Connect starts the synthetic stream. Sample timestamps are anchored at the
// wall clock time of the call.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return errors.New("already connected")
	}

	m.connected = true
	m.start = time.Now()
	m.index = 0
	m.cycle = -1
	m.gainCode = 0
	m.rng = rand.New(rand.NewSource(m.cfg.Seed))

	return nil
}

// Close stops the mock source.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// SetGain changes the simulated PGA gain for subsequent samples.
func (m *Mock) SetGain(multiplier float64) error {
	code, err := GainCode(multiplier)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	m.gainCode = code
	return nil
}

// Next returns the next synthetic sample, pacing to the wall clock when
// configured as realtime.
func (m *Mock) Next(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return Sample{}, ErrNotConnected
	}
	if m.limit > 0 && m.index >= m.limit {
		m.mu.Unlock()
		return Sample{}, io.EOF
	}
	sample := m.generateSample()
	m.index++
	realtime := m.cfg.Realtime
	m.mu.Unlock()

	if realtime {
		if wait := time.Until(sample.Timestamp); wait > time.Millisecond {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return Sample{}, ctx.Err()
			}
		}
	}

	return sample, nil
}

// generateSample computes the sample at the current index. Caller holds mu.
func (m *Mock) generateSample() Sample {
	elapsed := time.Duration(float64(m.index) * m.sampleStep)

	cycle := int64(elapsed / m.period)
	if cycle != m.cycle {
		m.cycle = cycle
		for j := range m.jitter {
			m.jitter[j] = 0
			if m.cfg.Jitter > 0 {
				m.jitter[j] = time.Duration(m.rng.Int63n(int64(m.cfg.Jitter) + 1))
			}
		}
	}

	offset := elapsed - time.Duration(cycle)*m.period
	slot := int(offset / m.slot)
	if slot >= config.Slots {
		slot = config.Slots - 1
	}
	inSlot := offset - time.Duration(slot)*m.slot - m.jitter[slot]

	gain := GainMultiplier(m.gainCode)
	level := 0.0
	if inSlot >= 0 && inSlot < m.width && slot < len(m.cfg.Amplitudes) {
		level = m.cfg.Amplitudes[slot]
	}
	if m.cfg.SpikeEvery > 0 && m.index > 0 && m.index%int64(m.cfg.SpikeEvery) == 0 {
		level += 0.5 * m.vref / gain
	}

	v := level * gain
	if m.cfg.NoiseLevel > 0 {
		v += m.rng.NormFloat64() * m.cfg.NoiseLevel
	}

	return Sample{
		Timestamp: m.start.Add(elapsed),
		Amplitude: codeToVoltage(m.quantize(v), m.vref),
		GainCode:  m.gainCode,
	}
}

// quantize converts a voltage to a clipped 24-bit ADC code.
func (m *Mock) quantize(v float64) int32 {
	code := math.Round(v / m.vref * FullScaleCode)
	if code >= FullScaleCode {
		code = FullScaleCode - 1
	} else if code < -FullScaleCode {
		code = -FullScaleCode
	}
	return int32(code)
}
