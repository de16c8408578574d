// Package engine runs the acquisition pipeline: source, edge detector, pulse
// extractor, cycle synchronizer, quality scorer and gain controller.
//
// Run owns all pipeline state on a single goroutine. Other goroutines talk
// to it through the record queue, the events channel, immutable Status
// snapshots and control requests applied between samples.
package engine

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/TTR-Hayden/IR-METER-SEER/pkg/config"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/cycle"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/detect"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/diag"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/gain"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/pulse"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/quality"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/record"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/source"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/spectrum"
)

var (
	// ErrSourceExhausted is the terminal status when the source reports end of stream.
	ErrSourceExhausted = errors.New("sample source exhausted")
	// ErrRunning is returned by Run when a session is already active.
	ErrRunning = errors.New("engine already running")
	// ErrControlBusy is returned when too many control requests are pending.
	ErrControlBusy = errors.New("control queue full")
)

const (
	statusEvery     = 1024 // samples between status snapshots
	controlCapacity = 16
)

// Status is an immutable snapshot of the pipeline for presentation.
type Status struct {
	Session          string          `json:"session"`
	Started          time.Time       `json:"started"`
	Updated          time.Time       `json:"updated"`
	Running          bool            `json:"running"`
	Ended            bool            `json:"ended"`
	Err              string          `json:"error,omitempty"`
	Sync             cycle.SyncState `json:"sync"`
	Gain             gain.GainState  `json:"gain"`
	Threshold        float64         `json:"threshold"`
	Counters         diag.Snapshot   `json:"counters"`
	SamplesPerSecond float64         `json:"samples_per_second"`
	CyclesPerSecond  float64         `json:"cycles_per_second"`
	StrobeHz         float64         `json:"strobe_hz"`
	QueueLen         int             `json:"queue_len"`
}

type control func(e *Engine)

// Engine is the acquisition pipeline for one sample source.
type Engine struct {
	src         source.Source
	log         log.Logger
	wavelengths [config.Slots]int
	capacity    int

	det   *detect.Detector
	ext   *pulse.Extractor
	sync  *cycle.Synchronizer
	score *quality.Scorer
	ctrl  *gain.Controller
	spec  *spectrum.Estimator

	counters diag.Counters
	events   chan diag.Event
	controls chan control
	records  atomic.Pointer[record.Queue]
	status   atomic.Pointer[Status]
	tol      atomic.Pointer[config.Tolerances]
	running  atomic.Bool

	queue       *record.Queue
	dropped     uint64 // Records dropped by closed queues of earlier sessions
	session     string
	started     time.Time
	seq         uint64
	sps         diag.RateMeter
	cps         diag.RateMeter
	strobeHz    float64
	sinceStatus int
}

// New creates an engine. The configuration is expected to be validated.
func New(cfg *config.Config, src source.Source, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.New()
	}

	e := &Engine{
		src:      src,
		log:      logger.New("module", "engine"),
		capacity: cfg.Output.QueueCapacity,
		events:   make(chan diag.Event, cfg.Output.EventsCapacity),
		controls: make(chan control, controlCapacity),
	}
	copy(e.wavelengths[:], cfg.Sync.Wavelengths)

	e.det = detect.New(cfg.Detector)
	e.sync = cycle.New(cfg.Sync)
	e.ext = pulse.New(cfg.Extractor, e.sync)
	e.score = quality.New(cfg.Quality)
	e.ctrl = gain.New(cfg.Gain, cfg.Detector, src)
	if cfg.Spectrum.Enabled {
		e.spec = spectrum.New(cfg.Spectrum)
	}

	tol := cfg.Tolerances()
	e.tol.Store(&tol)
	e.queue = record.NewQueue(e.capacity)
	e.records.Store(e.queue)
	e.status.Store(&Status{})

	return e
}

// Records returns the queue of the current (or last) session.
func (e *Engine) Records() *record.Queue {
	return e.records.Load()
}

// Latest returns the most recent record of the current session.
func (e *Engine) Latest() (record.WavelengthRecord, bool) {
	return e.Records().Latest()
}

// Events returns the diagnostic event stream. Events are dropped, and
// counted, when the consumer falls behind.
func (e *Engine) Events() <-chan diag.Event {
	return e.events
}

// Status returns the latest status snapshot.
func (e *Engine) Status() Status {
	return *e.status.Load()
}

// Tolerances returns the runtime tolerances last accepted.
func (e *Engine) Tolerances() config.Tolerances {
	return *e.tol.Load()
}

// Reset clears SyncState and GainState and returns to SEARCHING. It is applied
// by the acquisition goroutine before the next sample.
func (e *Engine) Reset() error {
	return e.post(func(e *Engine) {
		e.reset()
	})
}

// SetTolerances validates t and schedules it for the acquisition goroutine.
func (e *Engine) SetTolerances(t config.Tolerances) error {
	if err := t.Validate(); err != nil {
		return errors.Wrap(err, "invalid tolerances")
	}
	if err := e.post(func(e *Engine) {
		e.sync.SetTolerances(t)
		e.ctrl.SetTolerances(t)
		e.emit(diag.Event{Time: time.Now(), Kind: diag.Tolerances})
		e.log.Info("Tolerances updated", "tolerances", t)
	}); err != nil {
		return err
	}
	e.tol.Store(&t)
	return nil
}

func (e *Engine) post(c control) error {
	select {
	case e.controls <- c:
		return nil
	default:
		return ErrControlBusy
	}
}

// Run processes samples until the context is cancelled or the source ends.
// A cancelled context is a clean stop and returns nil. Source exhaustion
// returns ErrSourceExhausted, any other source error is returned wrapped.
// The record queue is closed with the same status.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer e.running.Store(false)

	if err := e.begin(); err != nil {
		return e.end(errors.Wrap(err, "start session"))
	}

	for {
		e.applyControls()

		s, err := e.src.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return e.end(nil)
			case errors.Is(err, io.EOF):
				return e.end(ErrSourceExhausted)
			default:
				return e.end(errors.Wrap(err, "sample source fault"))
			}
		}

		e.process(s)
	}
}

func (e *Engine) begin() error {
	select {
	case <-e.queue.Done():
		e.dropped += e.queue.Dropped()
		e.queue = record.NewQueue(e.capacity)
		e.records.Store(e.queue)
	default:
	}

	e.session = uuid.NewString()
	e.started = time.Now()
	e.seq = 0

	e.log.Info("Acquisition started", "session", e.session)
	e.emit(diag.Event{Time: e.started, Kind: diag.SessionStart})

	err := e.resetPipeline()
	e.publishStatus()
	return err
}

func (e *Engine) end(status error) error {
	if e.sync.Discard() {
		e.counters.DiscardedCycles.Add(1)
	}
	e.ext.Abort()

	ev := diag.Event{Time: time.Now(), Kind: diag.SessionEnd}
	if status != nil {
		ev.Message = status.Error()
		e.log.Warn("Acquisition ended", "session", e.session, "err", status)
	} else {
		e.log.Info("Acquisition stopped", "session", e.session)
	}
	e.emit(ev)

	st := e.snapshot()
	st.Running = false
	st.Ended = true
	if status != nil {
		st.Err = status.Error()
	}
	e.status.Store(st)

	e.queue.Close(status)
	return status
}

func (e *Engine) applyControls() {
	for {
		select {
		case c := <-e.controls:
			c(e)
		default:
			return
		}
	}
}

func (e *Engine) reset() {
	if e.sync.Discard() {
		e.counters.DiscardedCycles.Add(1)
	}
	if err := e.resetPipeline(); err != nil {
		e.log.Warn("Reset could not restore gain", "err", err)
	}
	e.emit(diag.Event{Time: time.Now(), Kind: diag.Reset})
	e.log.Info("Pipeline reset", "session", e.session)
	e.publishStatus()
}

func (e *Engine) resetPipeline() error {
	e.det.Reset()
	e.ext.Reset()
	e.sync.Reset()
	e.score.Reset()
	if e.spec != nil {
		e.spec.Reset()
	}
	e.sps.Reset()
	e.cps.Reset()
	e.strobeHz = 0

	err := e.ctrl.Reset()
	e.det.SetThreshold(e.ctrl.Threshold())
	return err
}

func (e *Engine) process(s source.Sample) {
	e.counters.Samples.Add(1)
	e.sps.Tick(s.Timestamp)
	if e.spec != nil {
		if est, ok := e.spec.Add(s); ok {
			e.strobeHz = est.Frequency
		}
	}

	res := e.det.Process(s)
	if res.SignalLost {
		e.signalLost(s.Timestamp)
	}

	switch {
	case res.Detected && res.Edge.Direction == detect.Rising:
		e.ext.Open(res.Edge)
		e.ext.Observe(s)
	case res.Detected:
		p, err := e.ext.Close(res.Edge)
		switch {
		case err == nil:
			e.pulse(p)
		case errors.Is(err, pulse.ErrNotOpen):
		default:
			e.counters.DroppedPulses.Add(1)
			e.log.Debug("Pulse rejected", "width", p.Width, "err", err)
		}
	case e.ext.Active():
		e.ext.Observe(s)
	}

	e.sinceStatus++
	if e.sinceStatus >= statusEvery {
		e.publishStatus()
	}
}

func (e *Engine) pulse(p pulse.Pulse) {
	e.counters.Pulses.Add(1)
	r := e.sync.Push(p)
	e.account(r, p.Start)
	for _, c := range r.Cycles {
		e.complete(c)
	}
}

func (e *Engine) account(r cycle.Result, at time.Time) {
	if r.Duplicate {
		e.counters.RejectedDuplicates.Add(1)
	}
	if r.DriftMiss {
		e.counters.DriftMisses.Add(1)
	}
	if r.Skipped > 0 {
		e.counters.SkippedCycles.Add(uint64(r.Skipped))
	}
	if r.Discarded {
		e.counters.DiscardedCycles.Add(1)
	}
	if t := r.Transition; t != nil {
		e.counters.StateTransitions.Add(1)
		e.log.Info("Sync state changed", "from", t.From, "to", t.To, "reason", t.Reason)
		e.emit(diag.Event{
			Time:    at,
			Kind:    diag.StateChange,
			From:    t.From.String(),
			To:      t.To.String(),
			Message: t.Reason,
		})
	}
}

func (e *Engine) complete(c cycle.Cycle) {
	sc := e.score.Score(c, c.Tolerance)
	e.seq++
	e.queue.Push(record.WavelengthRecord{
		Seq:          e.seq,
		Session:      e.session,
		Timestamp:    c.Start,
		Wavelengths:  e.wavelengths,
		Amplitudes:   c.Amplitudes(),
		Missing:      c.MissingMask(),
		Quality:      sc.Quality,
		TimingScore:  sc.Timing,
		PatternScore: sc.Pattern,
		Gain:         e.ctrl.Gain(),
	})
	e.counters.Cycles.Add(1)
	e.cps.Tick(c.Start)

	d := e.ctrl.Evaluate(c.Peak(), c.Start, e.det.Stats())
	e.det.SetThreshold(d.Threshold)
	if d.Err != nil {
		e.log.Warn("Gain change failed", "from", d.From, "reason", d.Reason, "err", d.Err)
		e.emit(diag.Event{Time: c.Start, Kind: diag.GainError, Gain: d.From, Message: d.Err.Error()})
	}
	if d.Changed {
		e.counters.GainChanges.Add(1)
		e.sync.Widen(1)
		e.log.Info("Gain changed", "from", d.From, "to", d.To, "reason", d.Reason, "threshold", d.Threshold)
		e.emit(diag.Event{
			Time:      c.Start,
			Kind:      diag.GainChange,
			Gain:      d.To,
			Threshold: d.Threshold,
			Message:   string(d.Reason),
		})
	}

	e.publishStatus()
}

func (e *Engine) signalLost(at time.Time) {
	e.counters.SignalLost.Add(1)
	if e.ext.Abort() {
		e.counters.DroppedPulses.Add(1)
	}
	r := e.sync.SignalLost()
	e.account(r, at)
	e.log.Warn("Signal lost", "at", at)
	e.emit(diag.Event{Time: at, Kind: diag.SignalLost})
	e.publishStatus()
}

func (e *Engine) emit(ev diag.Event) {
	ev.Session = e.session
	select {
	case e.events <- ev:
	default:
		e.counters.EventsDropped.Add(1)
	}
}

func (e *Engine) publishStatus() {
	e.status.Store(e.snapshot())
	e.sinceStatus = 0
}

func (e *Engine) snapshot() *Status {
	st := &Status{
		Session:          e.session,
		Started:          e.started,
		Updated:          time.Now(),
		Running:          e.running.Load(),
		Sync:             e.sync.Snapshot(),
		Gain:             e.ctrl.State(),
		Threshold:        e.det.Threshold(),
		Counters:         e.counters.Snapshot(),
		SamplesPerSecond: e.sps.Rate(),
		CyclesPerSecond:  e.cps.Rate(),
		StrobeHz:         e.strobeHz,
		QueueLen:         e.queue.Len(),
	}
	st.Counters.RecordsDropped = e.dropped + e.queue.Dropped()
	return st
}
