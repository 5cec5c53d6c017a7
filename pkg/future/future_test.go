package future

import (
	"errors"
	"testing"
	"time"

	"github.com/flux-framework/flux-go/pkg/errno"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBlocksUntilFulfilled(t *testing.T) {
	f := New(nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Fulfill(42)
	}()
	v, err := f.Get(0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestGetTimesOut(t *testing.T) {
	f := New(nil)
	_, err := f.Get(10 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.TimedOut))
}

func TestFulfillErrorPropagates(t *testing.T) {
	f := New(nil)
	f.FulfillError(errno.New(errno.NoEnt, "missing"))
	_, err := f.Get(0)
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.NoEnt))
}

func TestThenRunsOnFulfillment(t *testing.T) {
	f := New(nil)
	ch := make(chan interface{}, 1)
	f.Then(func(f *Future) {
		v, _ := f.Get(0)
		ch <- v
	})
	f.Fulfill("done")
	select {
	case v := <-ch:
		assert.Equal(t, "done", v)
	case <-time.After(time.Second):
		t.Fatal("continuation did not run")
	}
}

func TestThenOnAlreadyFulfilledRunsSynchronously(t *testing.T) {
	f := New(nil)
	f.Fulfill(7)
	called := false
	f.Then(func(f *Future) { called = true })
	assert.True(t, called)
}

func TestResetAllowsAnotherFulfillmentOnStreamingFuture(t *testing.T) {
	f := New(nil)
	f.SetAutoReset(true)
	f.Fulfill(1)
	f.Reset()
	assert.Equal(t, Pending, f.State())
	f.Fulfill(2)
	v, err := f.Get(0)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestResetOnNonStreamingFutureLatchesInvalidArg(t *testing.T) {
	f := New(nil)
	f.Fulfill(1)
	f.Reset()
	assert.Equal(t, Pending, f.State())

	_, err := f.Get(0)
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.InvalidArg))

	// the latch persists even across a later Fulfill: Reset on a
	// non-streaming Future is a permanent logic error, not a one-shot
	// warning.
	f.Fulfill(2)
	_, err = f.Get(0)
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.InvalidArg))
}

func TestDestroyRunsCallbackOnce(t *testing.T) {
	calls := 0
	f := New(func() { calls++ })
	f.Destroy()
	f.Destroy()
	assert.Equal(t, 1, calls)
}

func TestDestroyWithoutCallbackCancelsDirectly(t *testing.T) {
	f := New(nil)
	f.Destroy()
	assert.Equal(t, Cancelled, f.State())
}

func TestDestroyAfterFulfillDoesNotCancel(t *testing.T) {
	f := New(nil)
	f.Fulfill(1)
	f.Destroy()
	assert.Equal(t, Fulfilled, f.State())
}

func TestWaitAllFulfillsWithAllValues(t *testing.T) {
	a, b := New(nil), New(nil)
	composite := WaitAll(a, b)
	a.Fulfill(1)
	b.Fulfill(2)
	v, err := composite.Get(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1, 2}, v)
}

func TestWaitAllReturnsFirstError(t *testing.T) {
	a, b := New(nil), New(nil)
	composite := WaitAll(a, b)
	a.FulfillError(errors.New("boom-a"))
	b.Fulfill(2)
	_, err := composite.Get(time.Second)
	require.Error(t, err)
	assert.Equal(t, "boom-a", err.Error())
}

func TestAndThenChainsProducer(t *testing.T) {
	first := New(nil)
	composite := AndThen(first, func(v interface{}) *Future {
		next := New(nil)
		next.Fulfill(v.(int) * 10)
		return next
	})
	first.Fulfill(4)
	v, err := composite.Get(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 40, v)
}
