package handle

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/flux-framework/flux-go/pkg/connector"
	"github.com/flux-framework/flux-go/pkg/connector/shmem"
	"github.com/flux-framework/flux-go/pkg/errno"
	"github.com/flux-framework/flux-go/pkg/message"
	"github.com/flux-framework/flux-go/pkg/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recvWithDeadline runs a blocking Recv in the background and reports
// ETIMEDOUT if it hasn't matched within d, the test-level stand-in for
// a connector that has no built-in recv deadline of its own.
func recvWithDeadline(h *Handle, spec connector.MatchSpec, d time.Duration) (*message.Message, error) {
	type result struct {
		m   *message.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := h.Recv(spec)
		ch <- result{m, err}
	}()
	select {
	case r := <-ch:
		return r.m, r.err
	case <-time.After(d):
		return nil, errno.New(errno.TimedOut, "recv: deadline exceeded")
	}
}

// TestScenarioEventEcho covers spec.md §8 scenario 1: subscribe,
// publish, receive, unsubscribe, then confirm no further event
// arrives within a short deadline.
func TestScenarioEventEcho(t *testing.T) {
	a, b := shmem.Pair()
	h := NewWithConnector("shmem://a", a, 0)
	defer h.Close()
	defer b.Close()

	require.NoError(t, h.EventSubscribe("heartbeat.pulse"))
	// drain the subscribe control message the broker side would consume.
	_, err := b.Recv(connector.MatchSpec{AnyKind: true})
	require.NoError(t, err)

	evt, err := message.Encode(message.Event, "heartbeat.pulse", nil)
	require.NoError(t, err)
	require.NoError(t, b.Send(evt))

	got, err := h.Recv(connector.MatchSpec{Kind: message.Event, TopicGlob: "heartbeat.*"})
	require.NoError(t, err)
	assert.Equal(t, "heartbeat.pulse", got.Topic())

	require.NoError(t, h.EventUnsubscribe("heartbeat.pulse"))
	_, err = b.Recv(connector.MatchSpec{AnyKind: true})
	require.NoError(t, err)

	// Nothing further is published, so a bounded wait for another
	// heartbeat.pulse event times out instead of ever being delivered.
	_, err = recvWithDeadline(h, connector.MatchSpec{Kind: message.Event, TopicGlob: "heartbeat.*"}, 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.TimedOut))
}

type attrGetReq struct {
	Name string `json:"name"`
}

type attrGetResp struct {
	Value string `json:"value"`
}

// TestScenarioAttrRPC covers spec.md §8 scenario 2: a successful
// attr.get round trip and a second call that fails with ENOENT.
func TestScenarioAttrRPC(t *testing.T) {
	a, b := shmem.Pair()
	h := NewWithConnector("shmem://a", a, 0)
	defer h.Close()
	defer b.Close()

	go serveAttrGet(t, b)

	req, err := json.Marshal(attrGetReq{Name: "rank"})
	require.NoError(t, err)
	f, err := h.RPC().Call("attr.get", req, rpc.Any, 0)
	require.NoError(t, err)

	v, err := f.Get(time.Second)
	require.NoError(t, err)
	var resp attrGetResp
	require.NoError(t, json.Unmarshal(v.([]byte), &resp))
	assert.Equal(t, "0", resp.Value)

	req2, err := json.Marshal(attrGetReq{Name: "bogus"})
	require.NoError(t, err)
	f2, err := h.RPC().Call("attr.get", req2, rpc.Any, 0)
	require.NoError(t, err)

	_, err = f2.Get(time.Second)
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.NoEnt))
}

// serveAttrGet is a minimal fake broker: it answers exactly two
// attr.get requests, the first with {"value":"0"}, the second with
// ENOENT, mirroring scenario 2's two calls.
func serveAttrGet(t *testing.T, b connector.Connector) {
	t.Helper()
	for i := 0; i < 2; i++ {
		req, err := b.Recv(connector.MatchSpec{Kind: message.Request})
		if err != nil {
			return
		}
		var got attrGetReq
		payload, _ := req.Payload()
		_ = json.Unmarshal(payload, &got)

		if got.Name == "bogus" {
			resp, _ := message.Encode(message.Response, req.Topic(), nil)
			resp.SetMatchtag(req.Matchtag())
			resp.SetCred(message.Cred{Rolemask: message.RoleOwner})
			_ = resp.SetErrno(errno.NoEnt)
			_ = b.Send(resp)
			continue
		}
		body, _ := json.Marshal(attrGetResp{Value: "0"})
		resp, _ := message.Encode(message.Response, req.Topic(), body)
		resp.SetMatchtag(req.Matchtag())
		resp.SetCred(message.Cred{Rolemask: message.RoleOwner})
		_ = b.Send(resp)
	}
}

type jobListEntry struct {
	ID string `json:"id"`
}

// TestScenarioStreamingList covers spec.md §8 scenario 3: a STREAMING
// RPC that yields several job objects, then ENODATA once the stream
// ends, and confirms destroying the Future early sends a cancel
// control message.
func TestScenarioStreamingList(t *testing.T) {
	a, b := shmem.Pair()
	h := NewWithConnector("shmem://a", a, 0)
	defer h.Close()
	defer b.Close()

	f, err := h.RPC().Call("job-list.list", nil, rpc.Any, rpc.Streaming)
	require.NoError(t, err)

	req, err := b.Recv(connector.MatchSpec{Kind: message.Request})
	require.NoError(t, err)
	tag := req.Matchtag()

	send := func(id string) {
		body, _ := json.Marshal(jobListEntry{ID: id})
		resp, _ := message.Encode(message.Response, req.Topic(), body)
		resp.SetMatchtag(tag)
		resp.SetCred(message.Cred{Rolemask: message.RoleOwner})
		require.NoError(t, b.Send(resp))
	}

	send("job1")
	v1, err := f.Get(time.Second)
	require.NoError(t, err)
	var e1 jobListEntry
	require.NoError(t, json.Unmarshal(v1.([]byte), &e1))
	assert.Equal(t, "job1", e1.ID)
	f.Reset()

	send("job2")
	v2, err := f.Get(time.Second)
	require.NoError(t, err)
	var e2 jobListEntry
	require.NoError(t, json.Unmarshal(v2.([]byte), &e2))
	assert.Equal(t, "job2", e2.ID)
	f.Reset()

	// end the stream with ENODATA.
	eof, _ := message.Encode(message.Response, req.Topic(), nil)
	eof.SetMatchtag(tag)
	eof.SetCred(message.Cred{Rolemask: message.RoleOwner})
	_ = eof.SetErrno(errno.NoData)
	require.NoError(t, b.Send(eof))

	_, err = f.Get(time.Second)
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.NoData))

	// A second streaming call, destroyed early, must send a cancel
	// control message carrying the same matchtag.
	f2, err := h.RPC().Call("job-list.list", nil, rpc.Any, rpc.Streaming)
	require.NoError(t, err)
	req2, err := b.Recv(connector.MatchSpec{Kind: message.Request})
	require.NoError(t, err)

	f2.Destroy()
	cancel, err := b.Recv(connector.MatchSpec{Kind: message.Control})
	require.NoError(t, err)
	assert.Equal(t, req2.Matchtag(), cancel.Matchtag())
}
