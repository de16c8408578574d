// Package diag holds the pipeline's cumulative diagnostic counters and the
// diagnostic events published to the logging collaborator.
package diag

import (
	"sync/atomic"
	"time"
)

// Kind classifies a diagnostic event.
type Kind string

const (
	SessionStart Kind = "session_start"
	SessionEnd   Kind = "session_end"
	StateChange  Kind = "state_change"
	SignalLost   Kind = "signal_lost"
	GainChange   Kind = "gain_change"
	GainError    Kind = "gain_error"
	Reset        Kind = "reset"
	Tolerances   Kind = "tolerances"
)

// Event is a diagnostic event.
type Event struct {
	Time      time.Time `json:"time"`
	Session   string    `json:"session"`
	Kind      Kind      `json:"kind"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Gain      float64   `json:"gain,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Counters are updated by the acquisition goroutine and read concurrently.
type Counters struct {
	Samples            atomic.Uint64
	Pulses             atomic.Uint64
	DroppedPulses      atomic.Uint64
	RejectedDuplicates atomic.Uint64
	DriftMisses        atomic.Uint64
	StateTransitions   atomic.Uint64
	SignalLost         atomic.Uint64
	GainChanges        atomic.Uint64
	Cycles             atomic.Uint64
	SkippedCycles      atomic.Uint64
	DiscardedCycles    atomic.Uint64
	EventsDropped      atomic.Uint64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Samples            uint64 `json:"samples"`
	Pulses             uint64 `json:"pulses"`
	DroppedPulses      uint64 `json:"dropped_pulses"`
	RejectedDuplicates uint64 `json:"rejected_duplicates"`
	DriftMisses        uint64 `json:"drift_misses"`
	StateTransitions   uint64 `json:"state_transitions"`
	SignalLost         uint64 `json:"signal_lost"`
	GainChanges        uint64 `json:"gain_changes"`
	Cycles             uint64 `json:"cycles"`
	SkippedCycles      uint64 `json:"skipped_cycles"`
	DiscardedCycles    uint64 `json:"discarded_cycles"`
	RecordsDropped     uint64 `json:"records_dropped"`
	EventsDropped      uint64 `json:"events_dropped"`
}

// Snapshot copies the counters. RecordsDropped is owned by the record queue
// and filled in by the caller.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Samples:            c.Samples.Load(),
		Pulses:             c.Pulses.Load(),
		DroppedPulses:      c.DroppedPulses.Load(),
		RejectedDuplicates: c.RejectedDuplicates.Load(),
		DriftMisses:        c.DriftMisses.Load(),
		StateTransitions:   c.StateTransitions.Load(),
		SignalLost:         c.SignalLost.Load(),
		GainChanges:        c.GainChanges.Load(),
		Cycles:             c.Cycles.Load(),
		SkippedCycles:      c.SkippedCycles.Load(),
		DiscardedCycles:    c.DiscardedCycles.Load(),
		EventsDropped:      c.EventsDropped.Load(),
	}
}

// RateMeter estimates an event rate over windows of at least one second of
// stream time.
type RateMeter struct {
	start time.Time
	count uint64
	rate  float64
}

// Tick counts one event at ts and returns the latest rate estimate.
func (r *RateMeter) Tick(ts time.Time) float64 {
	if r.start.IsZero() {
		r.start = ts
		return r.rate
	}
	r.count++
	if elapsed := ts.Sub(r.start); elapsed >= time.Second {
		r.rate = float64(r.count) / elapsed.Seconds()
		r.start = ts
		r.count = 0
	}
	return r.rate
}

// Rate returns the latest estimate.
func (r *RateMeter) Rate() float64 {
	return r.rate
}

// Reset clears the meter.
func (r *RateMeter) Reset() {
	*r = RateMeter{}
}
