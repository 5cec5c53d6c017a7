// Package shmem implements a Connector pair that exchanges messages
// between two Handles in the same process without serializing to
// wire bytes, the Go analogue of the original's shared-memory
// interthread transport.
package shmem

import (
	"sync"

	"github.com/flux-framework/flux-go/pkg/connector"
	"github.com/flux-framework/flux-go/pkg/errno"
	"github.com/flux-framework/flux-go/pkg/message"
	"github.com/flux-framework/flux-go/pkg/reactor"
)

// Connector is one end of an in-process message pipe; Send on one end
// makes the message available to Recv on the other.
type Connector struct {
	mu     sync.Mutex
	cond   *sync.Cond
	peer   *Connector
	in     []*message.Message
	closed bool
}

// Pair returns two connected endpoints; messages Sent on one are
// delivered to Recv on the other.
func Pair() (*Connector, *Connector) {
	a := &Connector{}
	b := &Connector{}
	a.cond = sync.NewCond(&a.mu)
	b.cond = sync.NewCond(&b.mu)
	a.peer, b.peer = b, a
	return a, b
}

var _ connector.Connector = (*Connector)(nil)

func (c *Connector) Send(m *message.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errno.New(errno.ConnReset, "shmem connector closed")
	}
	if c.peer == nil {
		return errno.New(errno.ConnReset, "shmem connector unpaired")
	}
	c.peer.mu.Lock()
	defer c.peer.mu.Unlock()
	if c.peer.closed {
		return errno.New(errno.ConnReset, "shmem peer closed")
	}
	c.peer.in = append(c.peer.in, m)
	c.peer.cond.Broadcast()
	return nil
}

func (c *Connector) Recv(spec connector.MatchSpec) (*message.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		for i, m := range c.in {
			if spec.Matches(m) {
				c.in = append(c.in[:i], c.in[i+1:]...)
				return m, nil
			}
		}
		if c.closed {
			return nil, errno.New(errno.ConnReset, "shmem connector closed")
		}
		c.cond.Wait()
	}
}

func (c *Connector) FdWatcher(r *reactor.Reactor, cb func(reactor.PollEvents)) *reactor.FdWatcher {
	return nil
}

func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cond.Broadcast()
	return nil
}
