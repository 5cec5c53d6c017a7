// Package connector defines the transport contract a Handle opens
// against (spec §4.2), plus the built-in `loop`, `shmem`, `local`, and
// `ws` variants implementing it.
package connector

import (
	"github.com/flux-framework/flux-go/pkg/message"
	"github.com/flux-framework/flux-go/pkg/reactor"
)

// MatchSpec narrows which queued messages Recv will return: Kind is
// ignored only when AnyKind is set (the zero Kind is message.Request),
// an empty TopicGlob matches any topic, and Matchtag of 0 means "any
// matchtag".
type MatchSpec struct {
	Kind      message.Kind
	AnyKind   bool
	TopicGlob string
	Matchtag  uint32
}

// Matches reports whether m satisfies the spec.
func (s MatchSpec) Matches(m *message.Message) bool {
	if !s.AnyKind && m.Kind() != s.Kind {
		return false
	}
	if s.TopicGlob != "" && !message.TopicMatch(s.TopicGlob, m.Topic()) {
		return false
	}
	if s.Matchtag != 0 && m.Matchtag() != s.Matchtag {
		return false
	}
	return true
}

// Connector is the transport a Handle is opened against. Implementations
// own a single logical connection to a broker (or, for loop/shmem, to
// an in-process peer) and are not safe for concurrent use from more
// than one goroutine without internal synchronization — the Handle
// that owns a Connector is itself responsible for serializing access.
type Connector interface {
	// Send transmits m. For a Request, the caller has already stamped
	// a matchtag if a response is expected.
	Send(m *message.Message) error

	// Recv blocks until a message matching spec is available or the
	// connector is closed.
	Recv(spec MatchSpec) (*message.Message, error)

	// FdWatcher returns a reactor watcher that fires when Recv would
	// not block, for connectors backed by a pollable descriptor (nil
	// for in-process variants like loop/shmem).
	FdWatcher(r *reactor.Reactor, cb func(reactor.PollEvents)) *reactor.FdWatcher

	// Close releases the connector's resources. Close is idempotent.
	Close() error
}

// ErrClosed-style sentinel lives in pkg/errno as errno.ConnReset so
// every connector variant reports the same taxonomy.
