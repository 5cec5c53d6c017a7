// Package handle implements the per-connection Handle from spec §4.3:
// the owner of a Connector, a matchtag pool, a dispatcher, a reactor,
// and a small auxiliary-slot map, all destroyed together by Close.
package handle

import (
	"net"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/flux-framework/flux-go/pkg/connector"
	"github.com/flux-framework/flux-go/pkg/connector/local"
	"github.com/flux-framework/flux-go/pkg/connector/loop"
	"github.com/flux-framework/flux-go/pkg/connector/shmem"
	"github.com/flux-framework/flux-go/pkg/dispatcher"
	"github.com/flux-framework/flux-go/pkg/errno"
	"github.com/flux-framework/flux-go/pkg/matchtag"
	"github.com/flux-framework/flux-go/pkg/message"
	"github.com/flux-framework/flux-go/pkg/reactor"
	"github.com/flux-framework/flux-go/pkg/rpc"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// URIEnvVar is the well-known environment variable consulted by Open
// when uri is empty (spec §6).
const URIEnvVar = "FLUX_URI"

// TraceEnvVar, when set to a non-empty value, turns on send/recv
// tracing for every handle opened in the process, matching the
// teacher's env-var-driven verbosity knobs.
const TraceEnvVar = "FLUX_HANDLE_TRACE"

// OpenFlags modify Open's behaviour.
type OpenFlags int

const (
	// Trace writes a one-line summary of every send/recv to the log
	// at debug level, regardless of FLUX_HANDLE_TRACE.
	Trace OpenFlags = 1 << iota
)

type auxSlot struct {
	value   interface{}
	destroy func(interface{})
}

// ErrorHandler is invoked on transport failures (spec §4.3
// comms_error_set). If unset, the default behaviour logs the error
// and marks the handle fatal.
type ErrorHandler func(err error)

// Handle owns exactly one Connector, one matchtag Pool, one Reactor,
// and one Dispatcher. It is safe for concurrent use: Send/Recv/aux
// operations take an internal lock, matching the spec's single
// logical owner with multiple observers (e.g. reactor callbacks)
// model.
type Handle struct {
	id   string
	uri  string
	conn connector.Connector

	tags   *matchtag.Pool
	reactr *reactor.Reactor
	disp   *dispatcher.Dispatcher

	trace bool

	mu          sync.Mutex
	aux         map[string]auxSlot
	auxOrder    []string // insertion order, for Close's reverse teardown
	subs        map[string]int // topic-prefix refcount
	deferred    []*message.Message
	recvCond    *sync.Cond // guards deferred/commsErr/closed for blocked Recv callers
	commsErr    error      // terminal pump error, surfaced to parked Recv callers
	errHandler  ErrorHandler
	fatal       atomic.Bool
	closed      bool

	rpcOnce sync.Once
	rpcCtx  *rpc.Context
}

// Open opens a handle against uri. If uri is empty, it reads
// URIEnvVar. Open connects loop:// and local://<path> (or
// unix://<path>); shmem:// and ws:// URIs are rejected with
// errno.InvalidArg, since those connectors are built with
// NewWithConnector.
func Open(uri string, flags OpenFlags) (*Handle, error) {
	if uri == "" {
		uri = os.Getenv(URIEnvVar)
	}
	if uri == "" {
		return nil, errno.New(errno.InvalidArg, "no uri given and %s unset", URIEnvVar)
	}

	conn, err := dial(uri)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		id:     uuid.NewString(),
		uri:    uri,
		conn:   conn,
		tags:   matchtag.New(0),
		reactr: reactor.New(),
		aux:    make(map[string]auxSlot),
		subs:   make(map[string]int),
		trace:  flags&Trace != 0 || os.Getenv(TraceEnvVar) != "",
	}
	h.recvCond = sync.NewCond(&h.mu)
	h.disp = dispatcher.New(h)
	go h.pump()
	return h, nil
}

func dial(rawuri string) (connector.Connector, error) {
	u, err := url.Parse(rawuri)
	if err != nil {
		return nil, errno.New(errno.InvalidArg, "parse uri %q: %v", rawuri, err)
	}
	switch u.Scheme {
	case "loop":
		return loop.New(), nil
	case "shmem":
		// shmem is an in-process pair; Open alone cannot manufacture a
		// peer, so the shmem scheme is only meaningful when the peer
		// side was created with shmem.Pair and handed to a Handle via
		// NewWithConnector.
		return nil, errno.New(errno.InvalidArg, "shmem:// requires NewWithConnector")
	case "local", "unix":
		c, err := local.Dial(u.Path)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "ws", "wss":
		return nil, errno.New(errno.InvalidArg, "ws:// requires an established *websocket.Conn; use NewWithConnector")
	default:
		return nil, errno.New(errno.InvalidArg, "unrecognized uri scheme %q", u.Scheme)
	}
}

// NewWithConnector builds a Handle around an already-established
// Connector (used for shmem pairs, websocket connections handed off
// from an HTTP upgrade, or tests).
func NewWithConnector(uri string, conn connector.Connector, flags OpenFlags) *Handle {
	h := &Handle{
		id:     uuid.NewString(),
		uri:    uri,
		conn:   conn,
		tags:   matchtag.New(0),
		reactr: reactor.New(),
		aux:    make(map[string]auxSlot),
		subs:   make(map[string]int),
		trace:  flags&Trace != 0 || os.Getenv(TraceEnvVar) != "",
	}
	h.recvCond = sync.NewCond(&h.mu)
	h.disp = dispatcher.New(h)
	go h.pump()
	return h
}

// ID returns a process-local identifier for this handle, useful for
// log correlation.
func (h *Handle) ID() string { return h.id }

// Reactor returns the handle's shared reactor (destroyed with Close).
func (h *Handle) Reactor() *reactor.Reactor { return h.reactr }

// Dispatcher returns the handle's message dispatcher.
func (h *Handle) Dispatcher() *dispatcher.Dispatcher { return h.disp }

// RPC returns this handle's RPC context, creating it on first use. One
// Context is shared by every caller of a given Handle, matching the
// spec's one-matchtag-pool-per-handle model.
func (h *Handle) RPC() *rpc.Context {
	h.rpcOnce.Do(func() { h.rpcCtx = rpc.New(h) })
	return h.rpcCtx
}

// MatchtagAlloc allocates a matchtag, never returning 0.
func (h *Handle) MatchtagAlloc() (uint32, error) { return h.tags.Alloc() }

// MatchtagFree returns t to the pool.
func (h *Handle) MatchtagFree(t uint32) { h.tags.Free(t) }

// MatchtagAvail reports how many matchtags remain available.
func (h *Handle) MatchtagAvail() uint32 { return h.tags.Avail() }

// Send transmits m, optionally tracing it first.
func (h *Handle) Send(m *message.Message) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errno.New(errno.ConnReset, "handle closed")
	}
	fatal := h.fatal.Load()
	h.mu.Unlock()
	if fatal {
		return errno.New(errno.ConnReset, "handle in fatal comms-error state")
	}

	if h.trace {
		log.WithFields(log.Fields{
			"handle": h.id, "dir": "send", "kind": m.Kind(), "topic": m.Topic(),
		}).Debug("flux handle trace")
	}

	if err := h.conn.Send(m); err != nil {
		h.reportError(err)
		return err
	}
	return nil
}

// Recv returns the next message matching spec. The handle's pump
// goroutine is the only reader of the underlying Connector; Recv just
// waits on the deferred FIFO the pump (and any earlier Defer call)
// feeds, so messages a prior RecvAny skipped are never lost and
// concurrent Recv callers each see every message exactly once.
func (h *Handle) Recv(spec connector.MatchSpec) (*message.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		for i, m := range h.deferred {
			if spec.Matches(m) {
				h.deferred = append(h.deferred[:i], h.deferred[i+1:]...)
				return m, nil
			}
		}
		if h.commsErr != nil {
			return nil, h.commsErr
		}
		if h.closed {
			return nil, errno.New(errno.ConnReset, "handle closed")
		}
		h.recvCond.Wait()
	}
}

// RecvAny returns the next message of any kind/topic/matchtag.
func (h *Handle) RecvAny() (*message.Message, error) {
	return h.Recv(connector.MatchSpec{AnyKind: true})
}

// Defer puts m back for a later Recv/RecvAny call whose spec matches
// it, preserving arrival order among deferred messages.
func (h *Handle) Defer(m *message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deferred = append(h.deferred, m)
	h.recvCond.Broadcast()
}

// pump is the handle's sole reader of the underlying Connector: the
// §4.4 "MessageHandler (dispatcher-level)" reactor watcher, run here
// as a dedicated goroutine rather than posted through the Reactor so
// it keeps delivering RPC replies and events even for handles whose
// owner never calls Reactor().Run. Every inbound message is offered to
// the Dispatcher first; a message no registered handler claims falls
// through to the deferred FIFO for an explicit Recv/RecvAny.
func (h *Handle) pump() {
	for {
		m, err := h.conn.Recv(connector.MatchSpec{AnyKind: true})
		if err != nil {
			h.mu.Lock()
			closed := h.closed
			h.commsErr = err
			h.recvCond.Broadcast()
			h.mu.Unlock()
			if !closed {
				h.reportError(err)
			}
			return
		}
		if h.trace {
			log.WithFields(log.Fields{
				"handle": h.id, "dir": "recv", "kind": m.Kind(), "topic": m.Topic(),
			}).Debug("flux handle trace")
		}
		if h.disp.Dispatch(m) {
			continue
		}
		h.mu.Lock()
		h.deferred = append(h.deferred, m)
		h.recvCond.Broadcast()
		h.mu.Unlock()
	}
}

// EventSubscribe informs the broker of interest in topics with the
// given prefix and tracks it locally so the dispatcher knows which
// prefixes should be delivered. Ref-counted: two subscriptions to the
// same prefix require two unsubscribes.
//
// The legacy "api.event.subscribe.<prefix>" encoded-topic form is not
// accepted here; callers pass the bare prefix.
func (h *Handle) EventSubscribe(prefix string) error {
	if prefix == "" {
		return errno.New(errno.InvalidArg, "empty subscription prefix")
	}
	if strings.HasPrefix(prefix, "api.event.subscribe.") {
		return errno.New(errno.InvalidArg, "legacy subscribe form %q not accepted", prefix)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[prefix] == 0 {
		m, err := message.Encode(message.Control, "event.subscribe", []byte(prefix))
		if err != nil {
			return err
		}
		if err := h.conn.Send(m); err != nil {
			return err
		}
	}
	h.subs[prefix]++
	return nil
}

// EventUnsubscribe decrements the refcount for prefix, informing the
// broker once it reaches zero.
func (h *Handle) EventUnsubscribe(prefix string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.subs[prefix]
	if !ok || n == 0 {
		return errno.New(errno.InvalidArg, "not subscribed to %q", prefix)
	}
	n--
	if n == 0 {
		delete(h.subs, prefix)
		m, err := message.Encode(message.Control, "event.unsubscribe", []byte(prefix))
		if err != nil {
			return err
		}
		return h.conn.Send(m)
	}
	h.subs[prefix] = n
	return nil
}

// AuxSet attaches value under key, running destroy on any value
// previously set under key. Passing a nil value removes the slot
// (running its destructor). Destructors run exactly once.
func (h *Handle) AuxSet(key string, value interface{}, destroy func(interface{})) {
	h.mu.Lock()
	old, had := h.aux[key]
	if value == nil {
		delete(h.aux, key)
		h.removeAuxOrderLocked(key)
	} else {
		if !had {
			h.auxOrder = append(h.auxOrder, key)
		}
		h.aux[key] = auxSlot{value: value, destroy: destroy}
	}
	h.mu.Unlock()
	if had && old.destroy != nil {
		old.destroy(old.value)
	}
}

func (h *Handle) removeAuxOrderLocked(key string) {
	for i, k := range h.auxOrder {
		if k == key {
			h.auxOrder = append(h.auxOrder[:i], h.auxOrder[i+1:]...)
			return
		}
	}
}

// AuxGet returns the value set under key, if any.
func (h *Handle) AuxGet(key string) (interface{}, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	slot, ok := h.aux[key]
	if !ok {
		return nil, false
	}
	return slot.value, true
}

// CommsErrorSet installs cb to be invoked on transport failures,
// replacing the default log-and-mark-fatal behaviour.
func (h *Handle) CommsErrorSet(cb ErrorHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errHandler = cb
}

// Fatal reports whether a prior transport failure has put this handle
// into its terminal error state.
func (h *Handle) Fatal() bool { return h.fatal.Load() }

func (h *Handle) reportError(err error) {
	h.mu.Lock()
	cb := h.errHandler
	h.mu.Unlock()
	if cb != nil {
		cb(err)
		return
	}
	log.WithError(err).WithField("handle", h.id).Error("flux handle comms error")
	h.fatal.Store(true)
	h.reactr.StopError(err)
}

// Close destroys auxiliaries in reverse insertion order, then the
// reactor's watchers, then the connector. Close is idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	slots := make([]auxSlot, len(h.auxOrder))
	for i, k := range h.auxOrder {
		slots[i] = h.aux[k]
	}
	h.aux = nil
	h.auxOrder = nil
	h.recvCond.Broadcast()
	h.mu.Unlock()

	for i := len(slots) - 1; i >= 0; i-- {
		if slots[i].destroy != nil {
			slots[i].destroy(slots[i].value)
		}
	}
	h.reactr.Stop()
	return h.conn.Close()
}

// DialUnixListener is a small helper for local-mode servers: it opens
// a UNIX listener at path, removing any stale socket file first, for
// use with connector/local.Accept per accepted connection.
func DialUnixListener(path string) (*net.UnixListener, error) {
	_ = os.Remove(path)
	addr := &net.UnixAddr{Name: path, Net: "unix"}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, errno.New(errno.ConnReset, "listen %s: %v", path, err)
	}
	return l, nil
}
