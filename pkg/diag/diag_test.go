package diag

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters_Snapshot(t *testing.T) {
	var c Counters
	c.Samples.Add(100)
	c.DroppedPulses.Add(2)
	c.RejectedDuplicates.Add(1)
	c.GainChanges.Add(3)

	s := c.Snapshot()
	assert.Equal(t, uint64(100), s.Samples)
	assert.Equal(t, uint64(2), s.DroppedPulses)
	assert.Equal(t, uint64(1), s.RejectedDuplicates)
	assert.Equal(t, uint64(3), s.GainChanges)
	assert.Zero(t, s.RecordsDropped)

	c.Samples.Add(1)
	assert.Equal(t, uint64(100), s.Samples, "snapshot is a copy")
}

func TestEvent_JSON(t *testing.T) {
	ev := Event{
		Time:    time.Date(2024, 4, 5, 10, 0, 0, 0, time.UTC),
		Session: "abc",
		Kind:    StateChange,
		From:    "SEARCHING",
		To:      "LOCKED",
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"time":"2024-04-05T10:00:00Z","session":"abc","kind":"state_change","from":"SEARCHING","to":"LOCKED"}`, string(data))
}

func TestRateMeter(t *testing.T) {
	var r RateMeter
	t0 := time.Unix(1700000000, 0)

	// One event every 10ms
	for i := 0; i < 100; i++ {
		r.Tick(t0.Add(time.Duration(i) * 10 * time.Millisecond))
	}
	assert.Zero(t, r.Rate(), "no full window yet")

	r.Tick(t0.Add(time.Second))
	assert.InDelta(t, 100, r.Rate(), 1e-9)

	for i := 101; i <= 300; i++ {
		r.Tick(t0.Add(time.Duration(i) * 10 * time.Millisecond))
	}
	assert.InDelta(t, 100, r.Rate(), 1e-9)

	r.Reset()
	assert.Zero(t, r.Rate())
}
