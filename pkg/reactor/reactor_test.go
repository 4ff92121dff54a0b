package reactor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runFor(t *testing.T, r *Reactor, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	r.Run(ctx)
}

func TestSubmitRunsOnLoop(t *testing.T) {
	r := New()
	done := make(chan struct{})
	go func() {
		r.Submit(func() { close(done) })
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go r.Run(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted callback never ran")
	}
}

func TestOneShotTimerFires(t *testing.T) {
	r := New()
	var fired atomic.Bool
	h := r.CreateTimer(func() { fired.Store(true) }, MissedDiscard)
	h.Start(time.Now().Add(20*time.Millisecond), 0)

	runFor(t, r, 200*time.Millisecond)
	assert.True(t, fired.Load())
}

func TestPeriodicTimerFiresMultipleTimes(t *testing.T) {
	r := New()
	var count atomic.Int32
	h := r.CreateTimer(func() { count.Add(1) }, MissedDiscard)
	h.Start(time.Now().Add(10*time.Millisecond), 20*time.Millisecond)

	runFor(t, r, 120*time.Millisecond)
	require.GreaterOrEqual(t, int(count.Load()), 2)
}

func TestStopPreventsFurtherFires(t *testing.T) {
	r := New()
	var count atomic.Int32
	h := r.CreateTimer(func() { count.Add(1) }, MissedDiscard)
	h.Start(time.Now().Add(10*time.Millisecond), 10*time.Millisecond)

	go func() {
		time.Sleep(30 * time.Millisecond)
		h.Stop()
	}()

	runFor(t, r, 150*time.Millisecond)
	n := count.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, count.Load())
}
