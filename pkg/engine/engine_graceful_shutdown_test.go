package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TTR-Hayden/IR-METER-SEER/pkg/cycle"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/diag"
)

func TestEngine_GracefulShutdown(t *testing.T) {
	cfg := testConfig(0)
	cfg.Mock.Realtime = true
	e := New(cfg, newMock(t, cfg), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return e.Records().Len() >= 5
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, e.Run(ctx), ErrRunning)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	q := e.Records()
	select {
	case <-q.Done():
	default:
		t.Fatal("record queue not closed")
	}
	assert.NoError(t, q.Err())

	st := e.Status()
	assert.True(t, st.Ended)
	assert.False(t, st.Running)
	assert.Empty(t, st.Err)
	assert.Equal(t, st.Counters.Cycles, uint64(q.Len())+q.Dropped())

	recs := q.Drain(nil)
	for i, r := range recs {
		assert.Equal(t, uint64(i+1), r.Seq, "no partial or reordered cycles")
	}
}

func TestEngine_ResetWhileRunning(t *testing.T) {
	cfg := testConfig(0)
	cfg.Mock.Realtime = true
	e := New(cfg, newMock(t, cfg), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return e.Status().Sync.State == cycle.Locked
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Reset())

	// A reset returns to SEARCHING; the next lock follows the reset event.
	resetSeen, relocked := false, false
	require.Eventually(t, func() bool {
		for _, ev := range drainEvents(e) {
			switch {
			case ev.Kind == diag.Reset:
				resetSeen = true
			case resetSeen && ev.Kind == diag.StateChange && ev.To == cycle.Locked.String():
				relocked = true
			}
		}
		return relocked
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, e.Status().Counters.StateTransitions, uint64(2))
}
