// Package rpc implements the matchtag-correlated request/response
// protocol from spec §4.7 on top of a Handle's dispatcher: one
// outstanding Future per allocated matchtag, with STREAMING and
// NORESPONSE flag handling and cancel-on-destroy.
package rpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/flux-framework/flux-go/pkg/connector"
	"github.com/flux-framework/flux-go/pkg/dispatcher"
	"github.com/flux-framework/flux-go/pkg/errno"
	"github.com/flux-framework/flux-go/pkg/future"
	"github.com/flux-framework/flux-go/pkg/message"
	"github.com/prometheus/client_golang/prometheus"
)

// Nodeid selects which broker rank a request is routed to.
type Nodeid int32

const (
	// Any lets the local broker pick a route (typically "send
	// upstream"), the default for most services.
	Any Nodeid = -1
	// Upstream explicitly routes to the parent.
	Upstream Nodeid = -2
)

// Flag mirrors message.Flag for the subset meaningful to RPC calls.
type Flag = message.Flag

const (
	NoResponse = message.NoResponse
	Streaming  = message.Streaming
)

// Handle is the subset of *handle.Handle that rpc needs: enough to
// send, allocate/free matchtags, and register a dispatcher handler,
// without importing pkg/handle (avoiding an import cycle, since
// handle already wires up a dispatcher per Handle).
type Handle interface {
	Send(m *message.Message) error
	MatchtagAlloc() (uint32, error)
	MatchtagFree(tag uint32)
	Dispatcher() *dispatcher.Dispatcher
}

type pendingCall struct {
	future    *future.Future
	streaming bool
	start     time.Time
}

// Context multiplexes RPC responses for one Handle across possibly
// many outstanding calls, keyed by matchtag.
type Context struct {
	h   Handle
	mu  sync.Mutex
	inflight map[uint32]*pendingCall

	latency prometheus.Histogram
}

// New registers a dispatcher handler on h that completes Futures
// returned by Call as responses arrive. One Context should be created
// per Handle (pkg/handle creates one lazily via Handle.RPC).
func New(h Handle) *Context {
	c := &Context{
		h:        h,
		inflight: make(map[uint32]*pendingCall),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flux_rpc_latency_seconds",
			Help:    "RPC round-trip latency observed by the calling handle.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	h.Dispatcher().Register(
		connector.MatchSpec{Kind: message.Response, AnyKind: false},
		c.onResponse,
		dispatcher.HandlerOpts{},
	)
	return c
}

// Latency exposes the RPC latency histogram for registration with a
// prometheus registry (see pkg/metrics).
func (c *Context) Latency() prometheus.Histogram { return c.latency }

// Call issues an RPC to topic with payload, routed per nodeid, and
// returns a Future fulfilled by the matching response(s).
func (c *Context) Call(topic string, payload []byte, nodeid Nodeid, flags Flag) (*future.Future, error) {
	if flags&NoResponse != 0 && flags&Streaming != 0 {
		return nil, errno.New(errno.InvalidArg, "NORESPONSE and STREAMING are mutually exclusive")
	}

	req, err := message.Encode(message.Request, topic, payload)
	if err != nil {
		return nil, err
	}
	req.SetFlags(flags)
	req.PushRoute(nodeidRoute(nodeid))

	if flags&NoResponse != 0 {
		f := future.New(nil)
		if err := c.h.Send(req); err != nil {
			return nil, err
		}
		f.Fulfill(nil)
		return f, nil
	}

	tag, err := c.h.MatchtagAlloc()
	if err != nil {
		return nil, err
	}
	req.SetMatchtag(tag)

	streaming := flags&Streaming != 0

	var f *future.Future
	f = future.New(func() {
		// destroy: cancel the in-flight call and free the matchtag
		// once the server's ENODATA (or a transport reset) is observed;
		// here we free eagerly and best-effort notify the peer, which
		// is sufficient for the in-process/loopback connectors this
		// module ships and matches the spec's boundary case of
		// destroying a Future that never produced a response.
		cancel, cerr := message.Encode(message.Control, fmt.Sprintf("%s.cancel", topic), nil)
		if cerr == nil {
			cancel.SetMatchtag(tag)
			_ = c.h.Send(cancel)
		}
		c.mu.Lock()
		delete(c.inflight, tag)
		c.mu.Unlock()
		c.h.MatchtagFree(tag)
	})
	if streaming {
		f.SetAutoReset(true)
	}

	c.mu.Lock()
	c.inflight[tag] = &pendingCall{future: f, streaming: streaming, start: time.Now()}
	c.mu.Unlock()

	if err := c.h.Send(req); err != nil {
		c.mu.Lock()
		delete(c.inflight, tag)
		c.mu.Unlock()
		c.h.MatchtagFree(tag)
		return nil, err
	}

	return f, nil
}

func (c *Context) onResponse(m *message.Message) {
	tag := m.Matchtag()
	c.mu.Lock()
	call, ok := c.inflight[tag]
	c.mu.Unlock()
	if !ok {
		return
	}

	c.latency.Observe(time.Since(call.start).Seconds())

	if code, has := m.Errno(); has {
		if code == errno.NoData && call.streaming {
			call.future.FulfillError(errno.New(errno.NoData, "rpc stream ended"))
			c.mu.Lock()
			delete(c.inflight, tag)
			c.mu.Unlock()
			c.h.MatchtagFree(tag)
			return
		}
		call.future.FulfillError(errno.New(code, "rpc %s", m.Topic()))
		if !call.streaming {
			c.mu.Lock()
			delete(c.inflight, tag)
			c.mu.Unlock()
			c.h.MatchtagFree(tag)
		}
		return
	}

	payload, _ := m.Payload()
	call.future.Fulfill(payload)
	if !call.streaming {
		c.mu.Lock()
		delete(c.inflight, tag)
		c.mu.Unlock()
		c.h.MatchtagFree(tag)
	}
}

func nodeidRoute(n Nodeid) string {
	switch n {
	case Any:
		return "any"
	case Upstream:
		return "upstream"
	default:
		return fmt.Sprintf("rank:%d", n)
	}
}
