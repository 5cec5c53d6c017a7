package rpc

import (
	"testing"
	"time"

	"github.com/flux-framework/flux-go/pkg/dispatcher"
	"github.com/flux-framework/flux-go/pkg/errno"
	"github.com/flux-framework/flux-go/pkg/future"
	"github.com/flux-framework/flux-go/pkg/matchtag"
	"github.com/flux-framework/flux-go/pkg/message"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackHandle is the smallest Handle implementation that can drive
// rpc.Context end to end without a real connector: Send loops the
// message straight into the same dispatcher instead of crossing a
// transport, so a Request sent by the test itself is what the
// dispatcher later answers.
type loopbackHandle struct {
	tags *matchtag.Pool
	disp *dispatcher.Dispatcher
	sent []*message.Message
}

func newLoopbackHandle() *loopbackHandle {
	h := &loopbackHandle{tags: matchtag.New(8)}
	h.disp = dispatcher.New(h)
	return h
}

func (h *loopbackHandle) Send(m *message.Message) error {
	h.sent = append(h.sent, m)
	return nil
}
func (h *loopbackHandle) MatchtagAlloc() (uint32, error) { return h.tags.Alloc() }
func (h *loopbackHandle) MatchtagFree(tag uint32)        { h.tags.Free(tag) }
func (h *loopbackHandle) Dispatcher() *dispatcher.Dispatcher { return h.disp }

func (h *loopbackHandle) respond(topic string, tag uint32, payload []byte, code errno.Errno, hasErrno bool) {
	resp, err := message.Encode(message.Response, topic, payload)
	if err != nil {
		panic(err)
	}
	resp.SetMatchtag(tag)
	if hasErrno {
		_ = resp.SetErrno(code)
	}
	resp.SetCred(message.Cred{Rolemask: message.RoleOwner})
	h.disp.Dispatch(resp)
}

func TestCallRejectsNoResponseAndStreamingTogether(t *testing.T) {
	h := newLoopbackHandle()
	c := New(h)
	_, err := c.Call("attr.get", nil, Any, NoResponse|Streaming)
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.InvalidArg))
}

func TestCallNoResponseFulfillsImmediately(t *testing.T) {
	h := newLoopbackHandle()
	c := New(h)
	f, err := c.Call("event.pub", []byte("x"), Any, NoResponse)
	require.NoError(t, err)
	v, err := f.Get(0)
	require.NoError(t, err)
	assert.Nil(t, v)
	require.Len(t, h.sent, 1)
}

func TestCallFulfillsOnMatchingResponse(t *testing.T) {
	h := newLoopbackHandle()
	c := New(h)
	f, err := c.Call("attr.get", []byte("req"), Any, 0)
	require.NoError(t, err)
	require.Len(t, h.sent, 1)
	tag := h.sent[0].Matchtag()

	h.respond("attr.get", tag, []byte("resp"), 0, false)

	v, err := f.Get(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("resp"), v)
}

func TestCallPropagatesErrnoResponse(t *testing.T) {
	h := newLoopbackHandle()
	c := New(h)
	f, err := c.Call("attr.get", nil, Any, 0)
	require.NoError(t, err)
	tag := h.sent[0].Matchtag()

	h.respond("attr.get", tag, nil, errno.NoEnt, true)

	_, err = f.Get(time.Second)
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.NoEnt))
}

func TestStreamingCallDeliversMultipleEntriesThenNoData(t *testing.T) {
	h := newLoopbackHandle()
	c := New(h)
	f, err := c.Call("attr.list", nil, Any, Streaming)
	require.NoError(t, err)
	tag := h.sent[0].Matchtag()

	// The future auto-resets to Pending right after each continuation
	// runs, so a consumer driven by continuations arms its next one
	// with Then before the next response arrives.
	var deliveries [][]byte
	var lastErr error
	armNext := func() {
		f.Then(func(fut *future.Future) {
			v, err := fut.Get(0)
			if err != nil {
				lastErr = err
				return
			}
			deliveries = append(deliveries, v.([]byte))
		})
	}

	armNext()
	h.respond("attr.list", tag, []byte("one"), 0, false)
	armNext()
	h.respond("attr.list", tag, []byte("two"), 0, false)
	armNext()
	h.respond("attr.list", tag, nil, errno.NoData, true)

	require.Equal(t, [][]byte{[]byte("one"), []byte("two")}, deliveries)
	require.Error(t, lastErr)
	assert.True(t, errno.Is(lastErr, errno.NoData))
}

func TestDestroySendsCancelAndFreesMatchtag(t *testing.T) {
	h := newLoopbackHandle()
	c := New(h)
	f, err := c.Call("attr.get", nil, Any, 0)
	require.NoError(t, err)
	before := h.tags.Avail()

	f.Destroy()

	require.Len(t, h.sent, 2)
	assert.Equal(t, "attr.get.cancel", h.sent[1].Topic())
	assert.Equal(t, before+1, h.tags.Avail())
}

func TestLatencyObservesRoundTrip(t *testing.T) {
	h := newLoopbackHandle()
	c := New(h)
	f, err := c.Call("attr.get", nil, Any, 0)
	require.NoError(t, err)
	tag := h.sent[0].Matchtag()
	h.respond("attr.get", tag, nil, 0, false)
	_, err = f.Get(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, testutil.CollectAndCount(c.Latency()))
}
