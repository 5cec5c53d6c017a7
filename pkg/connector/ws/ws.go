// Package ws implements a Connector over a websocket, the concrete
// stand-in for the spec's pluggable ssh/interthread connector slot
// (spec §4.2), used to reach a remote broker through an HTTP(S)
// front end.
package ws

import (
	"sync"

	"github.com/flux-framework/flux-go/pkg/connector"
	"github.com/flux-framework/flux-go/pkg/errno"
	"github.com/flux-framework/flux-go/pkg/message"
	"github.com/flux-framework/flux-go/pkg/reactor"
	"github.com/gorilla/websocket"
)

// Connector wraps a *websocket.Conn, serializing each message as one
// binary websocket frame via the same wire codec used by pkg/connector/local.
type Connector struct {
	conn *websocket.Conn
	wmu  sync.Mutex
	rmu  sync.Mutex

	bufMu    sync.Mutex
	buffered []*message.Message
}

var _ connector.Connector = (*Connector)(nil)

// New wraps an already-established websocket connection (dialed with
// websocket.DefaultDialer, or upgraded server-side with
// websocket.Upgrader — both are the caller's responsibility so this
// package stays transport-establishment agnostic).
func New(conn *websocket.Conn) *Connector {
	return &Connector{conn: conn}
}

func (c *Connector) Send(m *message.Message) error {
	wire, err := m.EncodeWire()
	if err != nil {
		return errno.New(errno.Proto, "encode: %v", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, wire); err != nil {
		return errno.New(errno.ConnReset, "write: %v", err)
	}
	return nil
}

func (c *Connector) Recv(spec connector.MatchSpec) (*message.Message, error) {
	c.bufMu.Lock()
	for i, m := range c.buffered {
		if spec.Matches(m) {
			c.buffered = append(c.buffered[:i], c.buffered[i+1:]...)
			c.bufMu.Unlock()
			return m, nil
		}
	}
	c.bufMu.Unlock()

	for {
		c.rmu.Lock()
		kind, data, err := c.conn.ReadMessage()
		c.rmu.Unlock()
		if err != nil {
			return nil, errno.New(errno.ConnReset, "read: %v", err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		m, err := message.Decode(data)
		if err != nil {
			return nil, err
		}
		if spec.Matches(m) {
			return m, nil
		}
		c.bufMu.Lock()
		c.buffered = append(c.buffered, m)
		c.bufMu.Unlock()
	}
}

// FdWatcher is not supported: gorilla/websocket does not expose a
// pollable descriptor separate from its own read loop, so callers
// drive ws connectors from a dedicated goroutine instead of the
// reactor's fd-watcher path.
func (c *Connector) FdWatcher(r *reactor.Reactor, cb func(reactor.PollEvents)) *reactor.FdWatcher {
	return nil
}

func (c *Connector) Close() error {
	return c.conn.Close()
}
