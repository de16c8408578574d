// Package record defines the wavelength record emitted once per cycle and the
// bounded queue that hands records to the consumer.
package record

import (
	"sync"
	"time"

	"github.com/TTR-Hayden/IR-METER-SEER/pkg/config"
)

// WavelengthRecord is the per-cycle measurement. It is immutable once pushed.
type WavelengthRecord struct {
	Seq          uint64                `json:"seq"`
	Session      string                `json:"session"`
	Timestamp    time.Time             `json:"timestamp"`
	Wavelengths  [config.Slots]int     `json:"wavelengths"`
	Amplitudes   [config.Slots]float64 `json:"amplitudes"`
	Missing      [config.Slots]bool    `json:"missing"`
	Quality      float64               `json:"quality"`
	TimingScore  float64               `json:"timing_score"`
	PatternScore float64               `json:"pattern_score"`
	Gain         float64               `json:"gain"`
}

// Queue is a bounded single-producer single-consumer queue. When full, Push
// drops the oldest unread record.
type Queue struct {
	mu      sync.Mutex
	buf     []WavelengthRecord
	head    int
	n       int
	dropped uint64
	last    WavelengthRecord
	hasLast bool

	notify chan struct{}
	done   chan struct{}
	closed bool
	err    error
}

// NewQueue creates a queue holding at most capacity records.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buf:    make([]WavelengthRecord, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends r. It reports whether an older record was dropped to make
// room. Pushing to a closed queue is a no-op.
func (q *Queue) Push(r WavelengthRecord) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	dropped := false
	if q.n == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		q.dropped++
		dropped = true
	}
	q.buf[(q.head+q.n)%len(q.buf)] = r
	q.n++
	q.last = r
	q.hasLast = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Drain appends all queued records to dst, oldest first, and empties the queue.
func (q *Queue) Drain(dst []WavelengthRecord) []WavelengthRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := 0; i < q.n; i++ {
		dst = append(dst, q.buf[(q.head+i)%len(q.buf)])
	}
	q.head = 0
	q.n = 0
	return dst
}

// Len returns the number of unread records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Dropped returns the number of records dropped on overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Latest returns the most recently pushed record, drained or not.
func (q *Queue) Latest() (WavelengthRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last, q.hasLast
}

// Notify is signalled after pushes. Signals coalesce.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Close marks the end of the session with a terminal status. Records already
// queued can still be drained. Only the first call has an effect.
func (q *Queue) Close(status error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.err = status
	close(q.done)
}

// Done is closed when the producer has finished.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Err returns the terminal status passed to Close; nil for a clean stop.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}
