// Package loop implements a Connector that delivers every sent
// message straight back to the same Handle's Recv queue, the
// simplest connector variant and the one used by pkg/handle's and
// pkg/rpc's unit tests.
package loop

import (
	"sync"

	"github.com/flux-framework/flux-go/pkg/connector"
	"github.com/flux-framework/flux-go/pkg/errno"
	"github.com/flux-framework/flux-go/pkg/message"
	"github.com/flux-framework/flux-go/pkg/reactor"
)

// Connector is a loopback transport: anything Sent becomes available
// to Recv in FIFO order. It never blocks on I/O so FdWatcher always
// returns nil.
type Connector struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*message.Message
	closed bool
}

// New returns an open loopback connector.
func New() *Connector {
	c := &Connector{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

var _ connector.Connector = (*Connector)(nil)

func (c *Connector) Send(m *message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errno.New(errno.ConnReset, "loop connector closed")
	}
	c.queue = append(c.queue, m)
	c.cond.Broadcast()
	return nil
}

func (c *Connector) Recv(spec connector.MatchSpec) (*message.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		for i, m := range c.queue {
			if spec.Matches(m) {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				return m, nil
			}
		}
		if c.closed {
			return nil, errno.New(errno.ConnReset, "loop connector closed")
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
