// Package cycle aligns pulses into 6-slot strobe cycles.
//
// The synchronizer is a three state machine. SEARCHING collects inter-pulse
// intervals until a window of LockConfirm intervals is regular enough (CV
// below CVThreshold); the mean interval becomes the slot interval. LOCKED
// predicts the slot of every pulse from the tracked phase and interval, and
// emits a Cycle once slot 5 is filled or a pulse of a later cycle arrives.
// Repeated drift drops to RESYNCING, which re-locks on a shorter window if the
// interval still matches the prior one. A search that follows a loss keeps the
// slot identity of the previous lock.
package cycle

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/TTR-Hayden/IR-METER-SEER/pkg/config"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/pulse"
)

// State of the synchronizer.
type State int

const (
	Searching State = iota
	Locked
	Resyncing
)

func (s State) String() string {
	switch s {
	case Searching:
		return "SEARCHING"
	case Locked:
		return "LOCKED"
	case Resyncing:
		return "RESYNCING"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Slot is one wavelength position of a cycle.
type Slot struct {
	Pulse     pulse.Pulse
	Expected  time.Time     // Predicted pulse start
	Offset    time.Duration // Observed minus predicted start
	Amplitude float64       // Input-referred amplitude (V)
	Missing   bool          // No pulse; Amplitude carries the last valid value
}

// Cycle is one completed rotation of the six LEDs.
type Cycle struct {
	Number    uint64
	Start     time.Time
	Period    time.Duration
	Tolerance float64 // Slot tolerance fraction in effect for this cycle
	Slots     [config.Slots]Slot
}

// SlotInterval returns the spacing between slots.
func (c Cycle) SlotInterval() time.Duration {
	return c.Period / config.Slots
}

// Peak returns the highest raw pulse peak of the cycle.
func (c Cycle) Peak() float64 {
	peak := 0.0
	for _, s := range c.Slots {
		if !s.Missing && s.Pulse.Peak > peak {
			peak = s.Pulse.Peak
		}
	}
	return peak
}

// Amplitudes returns the per-slot amplitudes.
func (c Cycle) Amplitudes() [config.Slots]float64 {
	var out [config.Slots]float64
	for i, s := range c.Slots {
		out[i] = s.Amplitude
	}
	return out
}

// MissingMask returns which slots were not filled by a real pulse.
func (c Cycle) MissingMask() [config.Slots]bool {
	var out [config.Slots]bool
	for i, s := range c.Slots {
		out[i] = s.Missing
	}
	return out
}

// Transition describes a state change.
type Transition struct {
	From   State
	To     State
	Reason string
}

// SyncState is a snapshot of the synchronizer.
type SyncState struct {
	State          State         `json:"state"`
	Period         time.Duration `json:"period"`
	Phase          time.Time     `json:"phase"`
	IntervalMean   time.Duration `json:"interval_mean"`
	IntervalCV     float64       `json:"interval_cv"`
	DriftMisses    int           `json:"drift_misses"`
	ResyncAttempts int           `json:"resync_attempts"`
}

// Result reports what happened to a pushed pulse.
type Result struct {
	Cycles     []Cycle // Completed cycles, oldest first
	Assigned   bool
	Slot       int
	Duplicate  bool // A pulse lost a slot tie-break
	DriftMiss  bool
	Skipped    int  // Cycles passed without any real pulse
	Discarded  bool // In-flight cycle dropped
	Transition *Transition
}

type mark struct {
	level   float64
	ordinal int
}

// Synchronizer owns the SyncState. It is not safe for concurrent use.
type Synchronizer struct {
	cfg     config.SyncConfig
	nominal time.Duration
	state   State

	window    []float64 // Inter-pulse intervals (ns)
	recent    []mark
	lastStart time.Time
	havePulse bool
	ordinal   int
	mean      float64
	cv        float64

	interval    float64 // Slot interval (ns)
	cycleStart  time.Time
	number      uint64
	cur         Cycle
	filled      [config.Slots]bool
	real        int
	lastValid   [config.Slots]float64
	known       bool // lastValid holds levels of a committed rotation
	driftMisses int
	widen       int

	prior          float64
	resyncAttempts int
	lastSlot       int
	lastHit        time.Time
}

// New creates a synchronizer in SEARCHING.
func New(cfg config.SyncConfig) *Synchronizer {
	return &Synchronizer{
		cfg:     cfg,
		nominal: cfg.NominalPeriod,
	}
}

// Push assigns a pulse.
func (s *Synchronizer) Push(p pulse.Pulse) Result {
	var res Result
	switch s.state {
	case Searching:
		s.search(p, &res)
	case Locked:
		s.track(p, &res)
	case Resyncing:
		s.resync(p, &res)
	}
	return res
}

func (s *Synchronizer) search(p pulse.Pulse, res *Result) {
	s.observe(p, s.cfg.LockConfirm)
	s.recent = append(s.recent, mark{level: p.Level, ordinal: s.ordinal})
	if len(s.recent) > s.cfg.LockConfirm+1 {
		s.recent = append(s.recent[:0], s.recent[1:]...)
	}
	s.ordinal++

	if len(s.window) < s.cfg.LockConfirm {
		return
	}
	mean, cv := s.windowStats()
	if cv >= s.cfg.CVThreshold {
		return
	}

	offset := s.rotation(p, mean)
	slot := (s.ordinal - 1 + offset) % config.Slots
	for _, m := range s.recent {
		s.lastValid[(m.ordinal+offset)%config.Slots] = m.level
	}
	s.known = true
	s.interval = mean
	s.cycleStart = p.Start.Add(-duration(float64(slot) * mean))
	s.clearWindow()
	s.recent = s.recent[:0]
	s.transition(res, Locked, "interval window regular")
	s.beginCycle()
	s.assign(p, slot, 0, p.Start, res)
}

// rotation returns the slot of the first pulse of the lock window. Without
// history the rotation starts at slot 0. After a loss the window levels are
// matched against the last emitted levels; when no rotation clearly wins,
// slot identity is carried by timing from the last assigned pulse as long as
// p still falls on the old slot grid.
func (s *Synchronizer) rotation(p pulse.Pulse, mean float64) int {
	if !s.known {
		return 0
	}

	got := make([]float64, len(s.recent))
	ref := make([]float64, len(s.recent))
	for i, m := range s.recent {
		got[i] = m.level
	}
	best, second := -1, math.Inf(1)
	bestDist := math.Inf(1)
	for r := 0; r < config.Slots; r++ {
		for i, m := range s.recent {
			ref[i] = s.lastValid[(m.ordinal+r)%config.Slots]
		}
		d := floats.Distance(got, ref, 2)
		switch {
		case d < bestDist:
			second = bestDist
			best, bestDist = r, d
		case d < second:
			second = d
		}
	}
	if bestDist < 0.5*second {
		return best
	}

	steps := float64(p.Start.Sub(s.lastHit)) / mean
	n := math.Round(steps)
	if math.Abs(steps-n) > s.cfg.SlotTolerance {
		return 0
	}
	slot := (s.lastSlot + int(n)) % config.Slots
	return ((slot-(s.ordinal-1))%config.Slots + config.Slots) % config.Slots
}

func (s *Synchronizer) track(p pulse.Pulse, res *Result) {
	b := s.interval
	elapsed := float64(p.Start.Sub(s.cycleStart))
	n := int(math.Round(elapsed / b))
	dev := elapsed - float64(n)*b

	if math.Abs(dev) > s.tolerance()*b {
		res.DriftMiss = true
		s.driftMisses++
		if s.driftMisses >= s.cfg.MaxDriftMisses {
			s.loseLock(p, res)
		}
		return
	}
	if n < 0 {
		// Belongs to a slot of an already emitted cycle
		res.Duplicate = true
		return
	}
	s.driftMisses = 0

	if n >= config.Slots {
		s.rollover(n/config.Slots, res)
		n %= config.Slots
	}
	if s.filled[n] && abs(duration(dev)) >= abs(s.cur.Slots[n].Offset) {
		res.Duplicate = true
		return
	}

	expected := s.cycleStart.Add(duration(float64(n) * s.interval))
	s.cycleStart = s.cycleStart.Add(duration(s.cfg.PhaseGain * dev))
	if n > 0 {
		s.interval += s.cfg.FrequencyGain * dev / float64(n)
	}
	s.assign(p, n, duration(dev), expected, res)
}

func (s *Synchronizer) resync(p pulse.Pulse, res *Result) {
	s.observe(p, s.cfg.ResyncConfirm)
	if len(s.window) < s.cfg.ResyncConfirm {
		return
	}

	mean, cv := s.windowStats()
	if cv < s.cfg.CVThreshold && math.Abs(mean-s.prior) <= s.cfg.PriorTolerance*s.prior {
		steps := int(math.Round(float64(p.Start.Sub(s.lastHit)) / mean))
		slot := ((s.lastSlot+steps)%config.Slots + config.Slots) % config.Slots
		s.interval = mean
		s.cycleStart = p.Start.Add(-duration(float64(slot) * mean))
		s.clearWindow()
		s.resyncAttempts = 0
		s.driftMisses = 0
		s.transition(res, Locked, "relocked on prior interval")
		s.beginCycle()
		s.assign(p, slot, 0, p.Start, res)
		return
	}

	s.resyncAttempts++
	if s.resyncAttempts >= s.cfg.MaxResyncAttempts {
		s.transition(res, Searching, "resync attempts exhausted")
		s.startSearch()
		s.search(p, res)
		return
	}
	// The next window starts at this pulse.
	s.window = s.window[:0]
}

func (s *Synchronizer) assign(p pulse.Pulse, slot int, dev time.Duration, expected time.Time, res *Result) {
	if s.filled[slot] {
		res.Duplicate = true
		if abs(dev) >= abs(s.cur.Slots[slot].Offset) {
			return
		}
	} else {
		s.filled[slot] = true
		s.real++
	}

	s.cur.Slots[slot] = Slot{
		Pulse:     p,
		Expected:  expected,
		Offset:    dev,
		Amplitude: p.Level,
	}
	res.Assigned = true
	res.Slot = slot
	s.lastSlot = slot
	s.lastHit = p.Start

	if slot == config.Slots-1 {
		s.finish(res)
		s.advance(1)
	}
}

// rollover closes the in-flight cycle when a pulse of a later cycle arrives.
func (s *Synchronizer) rollover(cycles int, res *Result) {
	s.finish(res)
	for i := 1; i < cycles; i++ {
		res.Skipped++
		s.tickWiden()
	}
	s.advance(cycles)
}

func (s *Synchronizer) finish(res *Result) {
	defer s.tickWiden()

	if s.real == 0 {
		res.Skipped++
		return
	}

	c := s.cur
	c.Start = s.cycleStart
	c.Period = duration(config.Slots * s.interval)
	c.Tolerance = s.tolerance()
	for j := range c.Slots {
		if s.filled[j] {
			s.lastValid[j] = c.Slots[j].Amplitude
		}
	}
	s.known = true
	for j := range c.Slots {
		if !s.filled[j] {
			c.Slots[j] = Slot{
				Expected:  s.cycleStart.Add(duration(float64(j) * s.interval)),
				Amplitude: s.lastValid[j],
				Missing:   true,
			}
		}
	}
	s.number++
	c.Number = s.number
	res.Cycles = append(res.Cycles, c)
}

func (s *Synchronizer) advance(cycles int) {
	s.cycleStart = s.cycleStart.Add(duration(float64(cycles*config.Slots) * s.interval))
	s.beginCycle()
}

func (s *Synchronizer) beginCycle() {
	s.cur = Cycle{}
	s.filled = [config.Slots]bool{}
	s.real = 0
}

func (s *Synchronizer) loseLock(p pulse.Pulse, res *Result) {
	res.Discarded = s.real > 0
	s.beginCycle()
	s.prior = s.interval
	s.resyncAttempts = 0
	s.driftMisses = 0
	s.widen = 0
	s.clearWindow()
	s.transition(res, Resyncing, "sustained drift")
	s.observe(p, s.cfg.ResyncConfirm)
}

func (s *Synchronizer) startSearch() {
	s.clearWindow()
	s.recent = s.recent[:0]
	s.ordinal = 0
	s.driftMisses = 0
	s.resyncAttempts = 0
	s.widen = 0
}

func (s *Synchronizer) transition(res *Result, to State, reason string) {
	res.Transition = &Transition{From: s.state, To: to, Reason: reason}
	s.state = to
}

// observe appends the interval to the previous pulse, keeping the last size.
func (s *Synchronizer) observe(p pulse.Pulse, size int) {
	if s.havePulse {
		s.window = append(s.window, float64(p.Start.Sub(s.lastStart)))
		if len(s.window) > size {
			s.window = append(s.window[:0], s.window[len(s.window)-size:]...)
		}
	}
	s.havePulse = true
	s.lastStart = p.Start
}

func (s *Synchronizer) clearWindow() {
	s.window = s.window[:0]
	s.havePulse = false
}

func (s *Synchronizer) windowStats() (mean, cv float64) {
	mean, std := stat.MeanStdDev(s.window, nil)
	cv = math.Inf(1)
	if mean > 0 {
		cv = std / mean
	}
	s.mean, s.cv = mean, cv
	return mean, cv
}

func (s *Synchronizer) tolerance() float64 {
	t := s.cfg.SlotTolerance
	if s.widen > 0 {
		t *= s.cfg.WidenFactor
	}
	return math.Min(t, 0.5)
}

func (s *Synchronizer) tickWiden() {
	if s.widen > 0 {
		s.widen--
	}
}

// SignalLost discards the in-flight cycle and restarts the search.
func (s *Synchronizer) SignalLost() Result {
	var res Result
	res.Discarded = s.Discard()
	if s.state != Searching {
		s.transition(&res, Searching, "signal lost")
	}
	s.startSearch()
	return res
}

// Discard drops the in-flight cycle. It reports whether it held any pulse.
func (s *Synchronizer) Discard() bool {
	had := s.real > 0
	s.beginCycle()
	return had
}

// State returns the current state.
func (s *Synchronizer) State() State {
	return s.state
}

// ExpectedPeriod returns the cycle period the pipeline should expect.
func (s *Synchronizer) ExpectedPeriod() time.Duration {
	switch s.state {
	case Locked:
		return duration(config.Slots * s.interval)
	case Resyncing:
		return duration(config.Slots * s.prior)
	default:
		return s.nominal
	}
}

// Tight reports whether pulse width bounds should be tight.
func (s *Synchronizer) Tight() bool {
	return s.state == Locked && s.widen == 0
}

// Widen multiplies the slot tolerance by WidenFactor for the next cycles.
func (s *Synchronizer) Widen(cycles int) {
	if cycles > s.widen {
		s.widen = cycles
	}
}

// Tolerance returns the slot tolerance fraction currently in effect.
func (s *Synchronizer) Tolerance() float64 {
	return s.tolerance()
}

// Snapshot returns a copy of the live state.
func (s *Synchronizer) Snapshot() SyncState {
	st := SyncState{
		State:          s.state,
		Period:         s.ExpectedPeriod(),
		IntervalMean:   duration(s.mean),
		IntervalCV:     s.cv,
		DriftMisses:    s.driftMisses,
		ResyncAttempts: s.resyncAttempts,
	}
	if s.state == Locked {
		st.Phase = s.cycleStart
		st.IntervalMean = duration(s.interval)
	}
	return st
}

// SetTolerances applies runtime tolerances. Windows shrink on the next pulse.
func (s *Synchronizer) SetTolerances(t config.Tolerances) {
	s.cfg.SlotTolerance = t.SlotTolerance
	s.cfg.LockConfirm = t.LockConfirm
	s.cfg.ResyncConfirm = t.ResyncConfirm
	s.cfg.CVThreshold = t.CVThreshold
}

// Reset clears all state and returns to SEARCHING.
func (s *Synchronizer) Reset() {
	*s = *New(s.cfg)
}

func duration(ns float64) time.Duration {
	return time.Duration(math.Round(ns))
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
