package loop

import (
	"testing"
	"time"

	"github.com/flux-framework/flux-go/pkg/connector"
	"github.com/flux-framework/flux-go/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendRecvRoundTrip(t *testing.T) {
	c := New()
	defer c.Close()

	m, err := message.Encode(message.Event, "heartbeat.pulse", []byte("1"))
	require.NoError(t, err)
	require.NoError(t, c.Send(m))

	got, err := c.Recv(connector.MatchSpec{AnyKind: true})
	require.NoError(t, err)
	assert.Equal(t, "heartbeat.pulse", got.Topic())
}

func TestRecvFiltersByMatchSpec(t *testing.T) {
	c := New()
	defer c.Close()

	m1, _ := message.Encode(message.Event, "a.topic", nil)
	m2, _ := message.Encode(message.Event, "b.topic", nil)
	require.NoError(t, c.Send(m1))
	require.NoError(t, c.Send(m2))

	got, err := c.Recv(connector.MatchSpec{AnyKind: true, TopicGlob: "b.*"})
	require.NoError(t, err)
	assert.Equal(t, "b.topic", got.Topic())
}

func TestRecvBlocksUntilCloseReturnsError(t *testing.T) {
	c := New()
	done := make(chan error, 1)
	go func() {
		_, err := c.Recv(connector.MatchSpec{AnyKind: true})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after Close")
	}
}
