// Package local implements a Connector over a UNIX domain socket,
// framing messages with the length-prefixed wire codec from
// pkg/message and fetching the peer's credentials via SO_PEERCRED
// during the initial handshake (spec §4.2).
package local

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/flux-framework/flux-go/pkg/connector"
	"github.com/flux-framework/flux-go/pkg/errno"
	"github.com/flux-framework/flux-go/pkg/message"
	"github.com/flux-framework/flux-go/pkg/reactor"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// PeerCred carries the credentials of the process on the other end of
// the socket, captured once at Dial/Accept time.
type PeerCred struct {
	PID int32
	UID uint32
	GID uint32
}

// Connector speaks the framed message codec over a *net.UnixConn.
type Connector struct {
	conn *net.UnixConn
	wmu  sync.Mutex
	rmu  sync.Mutex
	r    *bufio.Reader

	bufMu    sync.Mutex
	buffered []*message.Message

	peer PeerCred
}

var _ connector.Connector = (*Connector)(nil)

// Dial connects to a UNIX socket at path and performs the credentials
// handshake.
func Dial(path string) (*Connector, error) {
	raddr := &net.UnixAddr{Name: path, Net: "unix"}
	conn, err := net.DialUnix("unix", nil, raddr)
	if err != nil {
		return nil, errno.New(errno.ConnReset, "dial %s: %v", path, err)
	}
	return newConnector(conn)
}

// Accept wraps an already-accepted *net.UnixConn (the caller owns the
// listener) and performs the credentials handshake.
func Accept(conn *net.UnixConn) (*Connector, error) {
	return newConnector(conn)
}

func newConnector(conn *net.UnixConn) (*Connector, error) {
	c := &Connector{conn: conn, r: bufio.NewReader(conn)}
	if err := c.fetchPeerCred(); err != nil {
		conn.Close()
		return nil, err
	}
	log.WithFields(log.Fields{
		"pid": c.peer.PID, "uid": c.peer.UID, "gid": c.peer.GID,
	}).Debug("local connector: peer credentials")
	return c, nil
}

func (c *Connector) fetchPeerCred() error {
	raw, err := c.conn.SyscallConn()
	if err != nil {
		return errno.New(errno.Proto, "syscall conn: %v", err)
	}
	var cred *unix.Ucred
	var ctlErr error
	err = raw.Control(func(fd uintptr) {
		cred, ctlErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return errno.New(errno.Proto, "control: %v", err)
	}
	if ctlErr != nil {
		return errno.New(errno.Proto, "SO_PEERCRED: %v", ctlErr)
	}
	c.peer = PeerCred{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}
	return nil
}

// PeerCred returns the credentials captured at connect time.
func (c *Connector) PeerCred() PeerCred { return c.peer }

func (c *Connector) Send(m *message.Message) error {
	wire, err := m.EncodeWire()
	if err != nil {
		return errno.New(errno.Proto, "encode: %v", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(wire)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return errno.New(errno.ConnReset, "write length: %v", err)
	}
	if _, err := c.conn.Write(wire); err != nil {
		return errno.New(errno.ConnReset, "write body: %v", err)
	}
	return nil
}

func (c *Connector) readFrame() (*message.Message, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, errno.New(errno.ConnReset, "read length: %v", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, errno.New(errno.ConnReset, "read body: %v", err)
	}
	return message.Decode(body)
}

// Recv reads frames until one matches spec, buffering any that don't
// (in process order) for a subsequent Recv call. The local connector
// has exactly one reader goroutine per process convention, so this
// buffer is unbounded but typically empty.
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
		m, err := c.readFrame()
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

func (c *Connector) FdWatcher(r *reactor.Reactor, cb func(reactor.PollEvents)) *reactor.FdWatcher {
	sc, err := c.conn.File()
	if err != nil {
		return nil
	}
	return r.NewFdWatcher(int(sc.Fd()), reactor.PollIn, cb)
}

func (c *Connector) Close() error {
	return c.conn.Close()
}
