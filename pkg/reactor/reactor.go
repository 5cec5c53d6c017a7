// Package reactor implements the single-threaded, cooperative event
// loop from spec §4.4: fd, timer, signal, and prepare/check/idle
// watchers, driven to completion by Run.
package reactor

import (
	"container/heap"
	"os"
	"os/signal"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// PollEvents is a bitset of the poll(2) events a Watcher cares about.
type PollEvents uint32

const (
	PollIn  PollEvents = unix.POLLIN
	PollOut PollEvents = unix.POLLOUT
	PollErr PollEvents = unix.POLLERR
)

// watcher is the internal representation shared by every exported
// watcher kind; callbacks are closures rather than void*-userdata
// (spec §9's rewrite note).
type watcher struct {
	active bool
	stop   func()
}

// Reactor is a single-threaded cooperative event loop bound to one
// Handle. All watcher callbacks run on the goroutine that calls Run.
type Reactor struct {
	mu sync.Mutex

	watchers map[int]*watcher
	nextID   int

	timers  timerHeap
	events  chan event
	done    chan struct{}
	running bool

	prepare []*PrepareWatcher
	check   []*CheckWatcher

	stopErr error
}

type event struct {
	fire func()
}

// New returns an idle Reactor bound to no watchers.
func New() *Reactor {
	return &Reactor{
		watchers: make(map[int]*watcher),
		events:   make(chan event, 64),
	}
}

// RunFlags modifies Run's blocking behavior.
type RunFlags int

const (
	// RunOnce processes at most one ready batch of events then returns,
	// rather than looping until no watchers remain.
	RunOnce RunFlags = 1 << iota
	// RunNowait returns immediately if nothing is presently ready.
	RunNowait
)

// Run executes the loop until no active watchers remain, or until
// Stop/StopError is called. It returns the error passed to StopError,
// or nil. A Reactor with no active watchers returns nil immediately
// (spec §8 boundary behaviour).
func (r *Reactor) Run(flags RunFlags) error {
	r.mu.Lock()
	r.running = true
	r.stopErr = nil
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	for {
		r.mu.Lock()
		active := r.activeCountLocked()
		stopErr := r.stopErr
		r.mu.Unlock()
		if stopErr != nil {
			return stopErr
		}
		if active == 0 {
			return nil
		}

		r.runPrepareWatchers()

		var timeout <-chan time.Time
		var timerC <-chan time.Time
		if d, ok := r.nextTimerDelay(); ok {
			timer := time.NewTimer(d)
			defer timer.Stop()
			timerC = timer.C
		}
		if flags&RunNowait != 0 {
			t := time.NewTimer(0)
			defer t.Stop()
			timeout = t.C
		}

		select {
		case ev := <-r.events:
			ev.fire()
		case <-timerC:
			r.fireDueTimers()
		case <-timeout:
			if flags&RunNowait != 0 {
				return nil
			}
		}

		r.runCheckWatchers()

		if flags&RunOnce != 0 {
			return nil
		}
	}
}

// Stop ends the loop after the current callback returns, with a nil
// result from Run.
func (r *Reactor) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.watchers {
		delete(r.watchers, id)
	}
}

// StopError ends the loop after the current callback returns, with
// Run returning err.
func (r *Reactor) StopError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopErr = err
}

func (r *Reactor) activeCountLocked() int {
	n := 0
	for _, w := range r.watchers {
		if w.active {
			n++
		}
	}
	return n
}

func (r *Reactor) register(stop func()) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = &watcher{active: true, stop: stop}
	return id
}

func (r *Reactor) deactivate(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.watchers[id]; ok {
		w.active = false
	}
}

func (r *Reactor) post(fire func()) {
	select {
	case r.events <- event{fire: fire}:
	default:
		// events buffer is generously sized for a single-threaded
		// reactor; a full buffer means a caller is posting far faster
		// than the loop can drain, which is a programming error rather
		// than something to silently drop.
		log.Warn("reactor: event queue full, blocking post")
		r.events <- event{fire: fire}
	}
}

// FdWatcher fires cb whenever fd becomes ready for any of events.
type FdWatcher struct {
	r      *Reactor
	id     int
	fd     int
	events PollEvents
	cb     func(PollEvents)
	stopCh chan struct{}
}

// NewFdWatcher creates (but does not start) a watcher on fd.
func (r *Reactor) NewFdWatcher(fd int, events PollEvents, cb func(PollEvents)) *FdWatcher {
	return &FdWatcher{r: r, fd: fd, events: events, cb: cb}
}

// Start begins polling fd in a dedicated goroutine, posting ready
// events back onto the reactor's single-threaded callback queue.
func (w *FdWatcher) Start() {
	if w.stopCh != nil {
		return
	}
	w.stopCh = make(chan struct{})
	w.id = w.r.register(func() { close(w.stopCh) })
	go w.poll()
}

func (w *FdWatcher) poll() {
	pfd := []unix.PollFd{{Fd: int32(w.fd), Events: int16(w.events)}}
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}
		n, err := unix.Poll(pfd, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			w.r.post(func() { w.cb(PollErr) })
			return
		}
		if n > 0 {
			revents := PollEvents(pfd[0].Revents)
			w.r.post(func() { w.cb(revents) })
		}
	}
}

// Stop halts polling; it is safe to call multiple times.
func (w *FdWatcher) Stop() {
	if w.stopCh == nil {
		return
	}
	w.r.deactivate(w.id)
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}

// TimerWatcher fires cb after `after`, then every `repeat` thereafter
// (repeat == 0 means one-shot).
type TimerWatcher struct {
	r       *Reactor
	id      int
	cb      func()
	repeat  time.Duration
	entry   *timerEntry
	started bool
}

func (r *Reactor) NewTimerWatcher(after, repeat time.Duration, cb func()) *TimerWatcher {
	return &TimerWatcher{r: r, cb: cb, repeat: repeat, entry: &timerEntry{delay: after}}
}

func (t *TimerWatcher) Start() {
	if t.started {
		return
	}
	t.started = true
	t.id = t.r.register(func() { t.entry.active = false })
	t.entry.active = true
	t.entry.deadline = time.Now().Add(t.entry.delay)
	t.entry.fire = func() {
		t.cb()
		if t.repeat > 0 && t.entry.active {
			t.entry.deadline = time.Now().Add(t.repeat)
			t.r.mu.Lock()
			heap.Push(&t.r.timers, t.entry)
			t.r.mu.Unlock()
		} else {
			t.r.deactivate(t.id)
		}
	}
	t.r.mu.Lock()
	heap.Push(&t.r.timers, t.entry)
	t.r.mu.Unlock()
}

func (t *TimerWatcher) Stop() {
	if !t.started {
		return
	}
	t.entry.active = false
	t.r.deactivate(t.id)
}

type timerEntry struct {
	delay    time.Duration
	deadline time.Time
	active   bool
	fire     func()
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

func (r *Reactor) nextTimerDelay() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.timers.Len() > 0 && !r.timers[0].active {
		heap.Pop(&r.timers)
	}
	if r.timers.Len() == 0 {
		return 0, false
	}
	d := time.Until(r.timers[0].deadline)
	if d < 0 {
		d = 0
	}
	return d, true
}

func (r *Reactor) fireDueTimers() {
	now := time.Now()
	for {
		r.mu.Lock()
		if r.timers.Len() == 0 || r.timers[0].deadline.After(now) {
			r.mu.Unlock()
			return
		}
		e := heap.Pop(&r.timers).(*timerEntry)
		r.mu.Unlock()
		if e.active {
			e.fire()
		}
	}
}

// SignalWatcher fires cb when signum is received, using os/signal's
// channel-based notification as the idiomatic Go equivalent of a
// signalfd (spec §9's rewrite note: no static signal handlers).
type SignalWatcher struct {
	r      *Reactor
	id     int
	sig    os.Signal
	cb     func(os.Signal)
	ch     chan os.Signal
	stopCh chan struct{}
}

func (r *Reactor) NewSignalWatcher(sig os.Signal, cb func(os.Signal)) *SignalWatcher {
	return &SignalWatcher{r: r, sig: sig, cb: cb}
}

func (s *SignalWatcher) Start() {
	if s.ch != nil {
		return
	}
	s.ch = make(chan os.Signal, 1)
	s.stopCh = make(chan struct{})
	signal.Notify(s.ch, s.sig)
	s.id = s.r.register(func() { close(s.stopCh) })
	go func() {
		for {
			select {
			case sig := <-s.ch:
				s.r.post(func() { s.cb(sig) })
			case <-s.stopCh:
				signal.Stop(s.ch)
				return
			}
		}
	}()
}

func (s *SignalWatcher) Stop() {
	if s.ch == nil {
		return
	}
	s.r.deactivate(s.id)
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// PrepareWatcher fires cb once at the start of every loop iteration,
// before the reactor polls for the next event, the classic libev/
// czmq "prepare" hook (spec §4.4). Typical use: flush buffered
// outbound data before the loop might block waiting for input.
type PrepareWatcher struct {
	r      *Reactor
	id     int
	cb     func()
	active bool
}

func (r *Reactor) NewPrepareWatcher(cb func()) *PrepareWatcher {
	return &PrepareWatcher{r: r, cb: cb}
}

func (w *PrepareWatcher) Start() {
	if w.active {
		return
	}
	w.active = true
	w.id = w.r.register(func() { w.active = false })
	w.r.mu.Lock()
	w.r.prepare = append(w.r.prepare, w)
	w.r.mu.Unlock()
}

func (w *PrepareWatcher) Stop() {
	if !w.active {
		return
	}
	w.active = false
	w.r.deactivate(w.id)
}

func (r *Reactor) runPrepareWatchers() {
	r.mu.Lock()
	ws := append([]*PrepareWatcher(nil), r.prepare...)
	r.mu.Unlock()
	for _, w := range ws {
		if w.active {
			w.cb()
		}
	}
}

// CheckWatcher fires cb once at the end of every loop iteration,
// after the reactor has processed whatever event/timer woke it, the
// libev/czmq "check" counterpart to PrepareWatcher. Typical use:
// drain data a poll just made available before the loop iterates
// again.
type CheckWatcher struct {
	r      *Reactor
	id     int
	cb     func()
	active bool
}

func (r *Reactor) NewCheckWatcher(cb func()) *CheckWatcher {
	return &CheckWatcher{r: r, cb: cb}
}

func (w *CheckWatcher) Start() {
	if w.active {
		return
	}
	w.active = true
	w.id = w.r.register(func() { w.active = false })
	w.r.mu.Lock()
	w.r.check = append(w.r.check, w)
	w.r.mu.Unlock()
}

func (w *CheckWatcher) Stop() {
	if !w.active {
		return
	}
	w.active = false
	w.r.deactivate(w.id)
}

func (r *Reactor) runCheckWatchers() {
	r.mu.Lock()
	ws := append([]*CheckWatcher(nil), r.check...)
	r.mu.Unlock()
	for _, w := range ws {
		if w.active {
			w.cb()
		}
	}
}

// IdleWatcher fires cb on every loop iteration in which nothing else
// was ready, and keeps the reactor from blocking indefinitely.
type IdleWatcher struct {
	r  *Reactor
	id int
	cb func()
}

func (r *Reactor) NewIdleWatcher(cb func()) *IdleWatcher {
	return &IdleWatcher{r: r, cb: cb}
}

func (i *IdleWatcher) Start() {
	i.id = i.r.register(func() {})
	i.r.post(i.loop)
}

func (i *IdleWatcher) loop() {
	i.r.mu.Lock()
	w, ok := i.r.watchers[i.id]
	i.r.mu.Unlock()
	if !ok || !w.active {
		return
	}
	i.cb()
	i.r.post(i.loop)
}

func (i *IdleWatcher) Stop() {
	i.r.deactivate(i.id)
}
