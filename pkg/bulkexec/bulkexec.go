// Package bulkexec implements the bulk subprocess exec fan-out from
// spec §4.10: a rexec request per rank, aggregated lifecycle
// callbacks, stdin credit-based flow control, and signal broadcast
// with the IMP's SIGKILL→SIGUSR1 remap.
package bulkexec

import (
	"fmt"
	"io"
	"sync"
	"syscall"

	"github.com/aalpar/deheap"
	"github.com/flux-framework/flux-go/pkg/errno"
	log "github.com/sirupsen/logrus"
)

// RunState is a rank's lifecycle state.
type RunState int

const (
	Init RunState = iota
	Running
	Exited
	Failed
)

func (s RunState) String() string {
	switch s {
	case Init:
		return "init"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Cmd describes the subprocess to fan out.
type Cmd struct {
	Argv []string
	Env  []string
	Cwd  string
}

// Ops carries the aggregated lifecycle callbacks a caller wants
// invoked; any may be left nil.
type Ops struct {
	OnStart        func(rank int)
	OnStateChange  func(rank int, state RunState)
	OnExit         func(ranks []int, code int)
	OnComplete     func()
	OnOutput       func(rank int, stream string, data []byte)
	OnCredit       func(rank int, stream string, bytes int)
	OnError        func(rank int, err error)
}

// creditEntry is one rank's current stdin credit balance, ordered by
// (credits, rank) so the min-heap's root is always the rank currently
// limiting how much the driver may write.
type creditEntry struct {
	rank    int
	credits int
	index   int
}

type creditHeap []*creditEntry

func (h creditHeap) Len() int { return len(h) }
func (h creditHeap) Less(i, j int) bool {
	if h[i].credits != h[j].credits {
		return h[i].credits < h[j].credits
	}
	return h[i].rank < h[j].rank
}
func (h creditHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *creditHeap) Push(x interface{}) {
	e := x.(*creditEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *creditHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Exec drives a bulk rexec fan-out across ranks. It is the
// single-caller-goroutine driver described in §5: the reactor (or,
// here, the goroutine that calls Exec) owns all state mutation.
type Exec struct {
	service string
	ranks   []int
	cmd     Cmd
	ops     Ops
	imp     bool
	maxPerLoop int

	mu         sync.Mutex
	states     map[int]RunState
	exitCodes  map[int]int
	credits    creditHeap
	creditIdx  map[int]*creditEntry
	stdin      io.Reader
	cancelled  bool
}

// New constructs a bulk exec driver. imp indicates the local process
// is running under the IMP, which remaps SIGKILL to SIGUSR1.
func New(service string, ranks []int, cmd Cmd, stdin io.Reader, ops Ops, imp bool) *Exec {
	e := &Exec{
		service:    service,
		ranks:      append([]int(nil), ranks...),
		cmd:        cmd,
		ops:        ops,
		imp:        imp,
		maxPerLoop: len(ranks),
		states:     make(map[int]RunState, len(ranks)),
		exitCodes:  make(map[int]int, len(ranks)),
		creditIdx:  make(map[int]*creditEntry, len(ranks)),
		stdin:      stdin,
	}
	for _, r := range ranks {
		e.states[r] = Init
	}
	return e
}

// PumpStdin reads from the driver's stdin reader and invokes write
// with batches sized to the current minimum credit across all ranks,
// subtracting the batch size from every rank's balance afterward
// (broadcast writes preserve the heap's sort order). It returns when
// stdin is exhausted, when Cancel has been called, or as soon as the
// minimum credit is 0; it does not wait for OnCredit to raise the
// minimum again, so reading resumes only on a later PumpStdin call.
func (e *Exec) PumpStdin(write func(batch []byte) error) error {
	if e.stdin == nil {
		return nil
	}
	buf := make([]byte, 4096)
	for {
		e.mu.Lock()
		cancelled := e.cancelled
		min := e.minCreditLocked()
		e.mu.Unlock()
		if cancelled {
			return nil
		}
		if min <= 0 {
			// stdin reader is stopped until credit arrives; OnCredit
			// does not currently signal a waiter here, so callers
			// driving this from a reactor idle watcher should re-invoke
			// PumpStdin's batch step on every OnCredit callback instead
			// of relying on this method to block-and-wait.
			return nil
		}
		n := min
		if n > len(buf) {
			n = len(buf)
		}
		read, err := e.stdin.Read(buf[:n])
		if read > 0 {
			if werr := write(buf[:read]); werr != nil {
				return werr
			}
			e.spendCredits(read)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errno.New(errno.ConnReset, "bulkexec: stdin read: %v", err)
		}
	}
}

// SetMaxPerLoop records n as the per-iteration limit on new rexec
// requests. Exec issues no rexec requests itself, and nothing in this
// package reads the value.
func (e *Exec) SetMaxPerLoop(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxPerLoop = n
}

// Cancel marks the run cancelled, which makes PumpStdin return before
// its next read. Exec issues no rexec requests itself, so Cancel stops
// no commands and sends nothing to ranks already started.
func (e *Exec) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = true
}

func (e *Exec) setState(rank int, s RunState) {
	e.mu.Lock()
	e.states[rank] = s
	e.mu.Unlock()
	if e.ops.OnStateChange != nil {
		e.ops.OnStateChange(rank, s)
	}
	if s == Running && e.ops.OnStart != nil {
		e.ops.OnStart(rank)
	}
}

// OnOutput feeds output observed for rank/stream into the aggregated
// callback; exported so a transport layer (e.g. the RPC response
// handler reading rexec stream frames) can drive it without bulkexec
// owning the wire format itself.
func (e *Exec) OnOutput(rank int, stream string, data []byte) {
	if e.ops.OnOutput != nil {
		e.ops.OnOutput(rank, stream, data)
	}
}

// OnCredit records a new credit advertisement from rank and re-sorts
// the heap. Returns the new minimum across all ranks so the caller can
// decide how many stdin bytes to release.
func (e *Exec) OnCredit(rank int, stream string, bytes int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if entry, ok := e.creditIdx[rank]; ok {
		entry.credits = bytes
		deheap.Fix(&e.credits, entry.index)
	} else {
		entry := &creditEntry{rank: rank, credits: bytes}
		deheap.Push(&e.credits, entry)
		e.creditIdx[rank] = entry
	}

	if e.ops.OnCredit != nil {
		e.ops.OnCredit(rank, stream, bytes)
	}
	return e.minCreditLocked()
}

func (e *Exec) minCreditLocked() int {
	if e.credits.Len() < len(e.ranks) {
		// a rank that has not advertised credit yet counts as 0.
		return 0
	}
	return e.credits[0].credits
}

// MinCredit returns the current minimum credit across all ranks
// without mutating anything.
func (e *Exec) MinCredit() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.minCreditLocked()
}

// spendCredits subtracts n from every rank's balance after a stdin
// write batch, preserving heap order since the subtraction is uniform.
func (e *Exec) spendCredits(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.creditIdx {
		entry.credits -= n
	}
	deheap.Init(&e.credits)
}

// SetExit records a rank's terminal exit code or signal (when
// signaled is true, code is the terminating signal number, mapped
// here to 128+signal per shell convention) and runs
// OnExit/OnComplete bookkeeping once every rank has reported.
func (e *Exec) SetExit(rank int, code int, signaled bool) {
	mapped := code
	if signaled {
		mapped = 128 + code
	}
	e.mu.Lock()
	e.exitCodes[rank] = mapped
	state := Exited
	if mapped != 0 {
		state = Failed
	}
	e.states[rank] = state
	allDone := len(e.exitCodes) == len(e.ranks)
	e.mu.Unlock()

	if e.ops.OnStateChange != nil {
		e.ops.OnStateChange(rank, state)
	}
	if e.ops.OnExit != nil {
		e.ops.OnExit([]int{rank}, mapped)
	}
	if allDone && e.ops.OnComplete != nil {
		e.ops.OnComplete()
	}
}

// SetError records a transport/dispatch errno for rank and maps it to
// the shell-convention exit code from spec §4.10.
func (e *Exec) SetError(rank int, err error) {
	if e.ops.OnError != nil {
		e.ops.OnError(rank, err)
	}
	e.SetExit(rank, errnoToExitCode(err), false)
}

func errnoToExitCode(err error) int {
	code, ok := errno.Code(err)
	if !ok {
		return 1
	}
	switch code {
	case errno.Perm, errno.Access:
		return 126
	case errno.NoEnt:
		return 127
	case errno.HostUnreach:
		return 68
	default:
		return 1
	}
}

// AggregateExitCode returns the max of every recorded per-rank exit
// code, the spec's aggregation rule.
func (e *Exec) AggregateExitCode() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	max := 0
	for _, code := range e.exitCodes {
		if code > max {
			max = code
		}
	}
	return max
}

// Signal returns the signal number to deliver for signum. Under the
// IMP, SIGKILL is remapped to SIGUSR1 since the IMP does not allow an
// unprivileged caller to deliver SIGKILL directly. Signal sends
// nothing itself, and the ranks argument is not used.
func (e *Exec) Signal(ranks []int, signum syscall.Signal) syscall.Signal {
	if e.imp && signum == syscall.SIGKILL {
		log.Debug("bulkexec: remapping SIGKILL to SIGUSR1 under IMP")
		signum = syscall.SIGUSR1
	}
	return signum
}

// State returns rank's current lifecycle state.
func (e *Exec) State(rank int) RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[rank]
}

// Service returns the rexec service topic prefix this driver targets,
// e.g. "rexec" for ctx.Call(fmt.Sprintf("%s.exec", e.service), ...).
func (e *Exec) Service() string { return e.service }

// RexecTopic is the request topic used to start a rank's subprocess.
func (e *Exec) RexecTopic() string { return fmt.Sprintf("%s.exec", e.service) }
