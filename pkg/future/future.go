// Package future implements the Future type from spec §4.6: a
// single-fulfilment (or, for streaming futures, reset-and-refill)
// value/error cell with a reactor-driven continuation.
package future

import (
	"sync"
	"time"

	"github.com/flux-framework/flux-go/pkg/errno"
	"go.uber.org/atomic"
)

// State is one of Pending, Fulfilled, or Cancelled.
type State int

const (
	Pending State = iota
	Fulfilled
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Future represents a pending value or error, optionally refillable
// (streaming) via Reset. Construction is internal to the operations
// that create them (RPC, timers); callers of this package use New
// directly only when building a new kind of producer.
type Future struct {
	mu        sync.Mutex
	cond      *sync.Cond
	state     State
	value     interface{}
	err       error
	fulfilled atomic.Bool

	cont      func(*Future)
	contArmed bool
	autoReset bool

	// resetMisuse records a Reset called on a non-streaming Future:
	// §4.6 makes that a logic error, surfaced as errno.InvalidArg on
	// the next Get instead of letting it block forever.
	resetMisuse bool

	destroyFn func()
	destroyed bool
}

// New returns a Pending Future. destroy, if non-nil, is invoked
// exactly once by Destroy (e.g. to cancel an underlying RPC and free
// its matchtag).
func New(destroy func()) *Future {
	f := &Future{destroyFn: destroy}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Fulfill transitions a Pending (or just-Reset) Future to Fulfilled
// with value, running any armed continuation. Fulfilling a Future
// that is already Fulfilled is a no-op, matching the engine's
// single-producer assumption per reset cycle.
func (f *Future) Fulfill(value interface{}) {
	f.mu.Lock()
	if f.state == Fulfilled {
		f.mu.Unlock()
		return
	}
	f.state = Fulfilled
	f.value = value
	f.err = nil
	f.fulfilled.Store(true)
	cont := f.armedCont()
	f.mu.Unlock()
	f.cond.Broadcast()
	if cont != nil {
		cont(f)
		f.autoResetIfArmed()
	}
}

// FulfillError transitions to Fulfilled carrying err instead of a value.
func (f *Future) FulfillError(err error) {
	f.mu.Lock()
	if f.state == Fulfilled {
		f.mu.Unlock()
		return
	}
	f.state = Fulfilled
	f.value = nil
	f.err = err
	f.fulfilled.Store(true)
	cont := f.armedCont()
	f.mu.Unlock()
	f.cond.Broadcast()
	if cont != nil {
		cont(f)
		f.autoResetIfArmed()
	}
}

func (f *Future) autoResetIfArmed() {
	f.mu.Lock()
	auto := f.autoReset
	f.mu.Unlock()
	if auto {
		f.Reset()
	}
}

// SetAutoReset marks this Future as streaming: once Fulfilled and an
// armed continuation has run, the runtime immediately resets it to
// Pending so the next delivery can arrive without an explicit Reset
// call from the caller. A delivery with no armed continuation stays
// Fulfilled until the caller's Get and Reset. Used by pkg/rpc for
// STREAMING responses.
func (f *Future) SetAutoReset(auto bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoReset = auto
}

func (f *Future) armedCont() func(*Future) {
	if f.contArmed {
		f.contArmed = false
		return f.cont
	}
	return nil
}

// Get blocks until Fulfilled or timeout elapses (timeout <= 0 means no
// timeout), returning ETIMEDOUT in the latter case.
func (f *Future) Get(timeout time.Duration) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.resetMisuse {
		return nil, errno.New(errno.InvalidArg, "future: reset called on a non-streaming future")
	}

	if timeout <= 0 {
		for f.state == Pending {
			f.cond.Wait()
		}
	} else {
		deadline := time.Now().Add(timeout)
		for f.state == Pending {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, errno.New(errno.TimedOut, "future: timed out after %s", timeout)
			}
			timer := time.AfterFunc(remaining, func() {
				f.mu.Lock()
				f.cond.Broadcast()
				f.mu.Unlock()
			})
			f.cond.Wait()
			timer.Stop()
		}
	}

	switch f.state {
	case Cancelled:
		return nil, errno.New(errno.InvalidArg, "future was cancelled")
	case Fulfilled:
		return f.value, f.err
	default:
		return nil, errno.New(errno.InvalidArg, "future in unexpected state %s", f.state)
	}
}

// Then arms cb to run the next time this Future (or the Future
// produced by its next reset cycle) is fulfilled. If it is already
// Fulfilled, cb runs synchronously before Then returns. At most one
// continuation is armed at a time.
func (f *Future) Then(cb func(*Future)) {
	f.mu.Lock()
	if f.state == Fulfilled {
		f.mu.Unlock()
		cb(f)
		return
	}
	f.cont = cb
	f.contArmed = true
	f.mu.Unlock()
}

// Reset clears a Fulfilled Future back to Pending so a streaming
// producer can deliver its next value. Reset on a Future that was
// never marked streaming by its producer (SetAutoReset(true)) is a
// logic error: the Future is left Pending but latched so every
// subsequent Get returns errno.InvalidArg immediately instead of
// blocking for a delivery that will never come.
func (f *Future) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Fulfilled {
		return
	}
	if !f.autoReset {
		f.resetMisuse = true
	}
	f.state = Pending
	f.value = nil
	f.err = nil
	f.fulfilled.Store(false)
}

// IsFulfilled reports the fulfilled flag without blocking, safe to
// call from any goroutine (e.g. a reactor callback deciding whether to
// poll again).
func (f *Future) IsFulfilled() bool { return f.fulfilled.Load() }

// State returns the current state.
func (f *Future) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Destroy runs the destroy callback exactly once (e.g. sending a
// cancel control message for an in-flight RPC, or stopping an
// eventlog watch). If the underlying operation delivers no further
// terminal error (no destroy callback was given), Destroy marks a
// still-Pending Future Cancelled directly; otherwise the operation
// itself is responsible for the Future's final state (for example,
// fulfilling it with errno.NoData once the operation's cancellation
// is confirmed).
func (f *Future) Destroy() {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	f.destroyed = true
	fn := f.destroyFn
	if fn == nil && f.state == Pending {
		f.state = Cancelled
	}
	f.mu.Unlock()
	f.cond.Broadcast()
	if fn != nil {
		fn()
	}
}
