package main

import (
	"time"

	log "github.com/inconshreveable/log15"

	"github.com/TTR-Hayden/IR-METER-SEER/pkg/diag"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/engine"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/publish"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/record"
)

const statsInterval = time.Second

// consumer drains the record queue at a fixed rate, forwards records and
// events to the publisher and prints periodic rate statistics.
type consumer struct {
	eng      *engine.Engine
	pub      *publish.Publisher
	interval time.Duration
	log      log.Logger

	batch     []record.WavelengthRecord
	delivered uint64
	lastStats time.Time
}

func newConsumer(eng *engine.Engine, pub *publish.Publisher, batchHz float64) *consumer {
	return &consumer{
		eng:      eng,
		pub:      pub,
		interval: time.Duration(float64(time.Second) / batchHz),
		log:      log.New("module", "consumer"),
	}
}

// run returns once the session has ended and the queue is drained.
func (c *consumer) run() {
	q := c.eng.Records()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.lastStats = time.Now()
	for {
		select {
		case <-ticker.C:
			c.drain(q)
		case <-q.Done():
			c.drain(q)
			return
		}
	}
}

func (c *consumer) drain(q *record.Queue) {
	c.batch = q.Drain(c.batch[:0])
	if len(c.batch) > 0 {
		c.delivered += uint64(len(c.batch))
		last := c.batch[len(c.batch)-1]
		c.log.Debug("Records", "n", len(c.batch), "seq", last.Seq, "quality", last.Quality, "amplitudes", last.Amplitudes)
		if c.pub != nil {
			if err := c.pub.PublishRecords(c.batch); err != nil {
				c.log.Warn("Failed to publish records", "err", err)
			}
		}
	}

	c.forwardEvents()

	if now := time.Now(); now.Sub(c.lastStats) >= statsInterval {
		c.lastStats = now
		st := c.eng.Status()
		c.log.Info("Stats",
			"sps", int(st.SamplesPerSecond),
			"cps", int(st.CyclesPerSecond),
			"strobe_hz", int(st.StrobeHz),
			"state", st.Sync.State,
			"gain", st.Gain.Gain,
			"dropped", st.Counters.RecordsDropped)
	}
}

func (c *consumer) forwardEvents() {
	for {
		select {
		case ev := <-c.eng.Events():
			c.logEvent(ev)
			if c.pub != nil {
				if err := c.pub.PublishEvent(ev); err != nil {
					c.log.Warn("Failed to publish event", "kind", ev.Kind, "err", err)
				}
			}
		default:
			return
		}
	}
}

func (c *consumer) logEvent(ev diag.Event) {
	switch ev.Kind {
	case diag.SignalLost, diag.GainError:
		c.log.Warn("Event", "kind", ev.Kind, "msg", ev.Message)
	default:
		c.log.Debug("Event", "kind", ev.Kind, "from", ev.From, "to", ev.To, "gain", ev.Gain, "msg", ev.Message)
	}
}
