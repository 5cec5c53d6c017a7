package reactor

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReturnsImmediatelyWithNoWatchers(t *testing.T) {
	r := New()
	done := make(chan error, 1)
	go func() { done <- r.Run(0) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return with no active watchers")
	}
}

func TestTimerWatcherFiresOnce(t *testing.T) {
	r := New()
	fired := 0
	tw := r.NewTimerWatcher(5*time.Millisecond, 0, func() { fired++ })
	tw.Start()

	// A one-shot timer deactivates itself after firing, so Run returns
	// on its own once no watchers remain.
	err := r.Run(0)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

func TestTimerWatcherRepeatsUntilStopped(t *testing.T) {
	r := New()
	fired := 0
	var tw *TimerWatcher
	tw = r.NewTimerWatcher(2*time.Millisecond, 2*time.Millisecond, func() {
		fired++
		if fired == 3 {
			tw.Stop()
		}
	})
	tw.Start()

	err := r.Run(0)
	require.NoError(t, err)
	assert.Equal(t, 3, fired)
}

func TestIdleWatcherRunsUntilStopped(t *testing.T) {
	r := New()
	var idle *IdleWatcher
	count := 0
	idle = r.NewIdleWatcher(func() {
		count++
		if count == 5 {
			idle.Stop()
		}
	})
	idle.Start()

	err := r.Run(0)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestPrepareWatcherRunsEveryIterationBeforePoll(t *testing.T) {
	r := New()
	var prep *PrepareWatcher
	var fired int
	prep = r.NewPrepareWatcher(func() {
		fired++
		if fired == 4 {
			prep.Stop()
		}
	})
	prep.Start()
	// keep the loop iterating independently of the prepare watcher's
	// own active-count contribution.
	var idle *IdleWatcher
	idle = r.NewIdleWatcher(func() {
		if fired >= 4 {
			idle.Stop()
		}
	})
	idle.Start()

	err := r.Run(0)
	require.NoError(t, err)
	assert.Equal(t, 4, fired)
}

func TestCheckWatcherRunsAfterEachIteration(t *testing.T) {
	r := New()
	var order []string
	tw := r.NewTimerWatcher(2*time.Millisecond, 0, func() {
		order = append(order, "timer")
	})
	tw.Start()

	var check *CheckWatcher
	check = r.NewCheckWatcher(func() {
		order = append(order, "check")
		check.Stop()
	})
	check.Start()

	err := r.Run(0)
	require.NoError(t, err)
	require.Len(t, order, 2)
	assert.Equal(t, []string{"timer", "check"}, order)
}

func TestStopEndsRunWithNilError(t *testing.T) {
	r := New()
	idle := r.NewIdleWatcher(func() {})
	idle.Start()

	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Stop()
	}()

	err := r.Run(0)
	require.NoError(t, err)
}

func TestStopErrorEndsRunWithThatError(t *testing.T) {
	r := New()
	idle := r.NewIdleWatcher(func() {})
	idle.Start()

	boom := assertErr("boom")
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.StopError(boom)
	}()

	err := r.Run(0)
	assert.Equal(t, boom, err)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestRunNowaitReturnsWhenNothingReady(t *testing.T) {
	r := New()
	fired := false
	tw := r.NewTimerWatcher(time.Hour, 0, func() { fired = true })
	tw.Start()

	err := r.Run(RunNowait)
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestFdWatcherFiresOnReadableEnd(t *testing.T) {
	rp, wp, err := os.Pipe()
	require.NoError(t, err)
	defer rp.Close()
	defer wp.Close()

	r := New()
	ready := make(chan PollEvents, 1)
	var fw *FdWatcher
	fw = r.NewFdWatcher(int(rp.Fd()), PollIn, func(ev PollEvents) {
		fw.Stop()
		ready <- ev
	})
	fw.Start()

	_, err = wp.Write([]byte("x"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Run(0) }()

	select {
	case ev := <-ready:
		assert.NotZero(t, ev&PollIn)
	case <-time.After(2 * time.Second):
		t.Fatal("fd watcher did not fire")
	}
	require.NoError(t, <-done)
}
