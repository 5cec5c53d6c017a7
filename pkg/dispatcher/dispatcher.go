// Package dispatcher implements the MessageHandler registry and
// role-based access policy from spec §4.5: handlers are evaluated in
// reverse registration order, and each carries an allow/deny rolemask
// pair resolved against a dispatcher-wide default.
package dispatcher

import (
	"strings"
	"sync"
	"time"

	"github.com/flux-framework/flux-go/pkg/connector"
	"github.com/flux-framework/flux-go/pkg/errno"
	"github.com/flux-framework/flux-go/pkg/message"
	cache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
)

// Sender is the subset of *handle.Handle the dispatcher needs: enough
// to emit an EPERM response without importing pkg/handle (which
// itself imports dispatcher to build one per Handle).
type Sender interface {
	Send(m *message.Message) error
}

// DefaultAllow is the dispatcher-wide default allow mask applied when
// a handler specifies no allow mask of its own.
const DefaultAllow = message.RoleOwner

// Handler binds a MatchSpec and callback to an access policy. Handlers
// are compared by registration order, not by value, so two handlers
// with identical fields are still distinct registrations.
type Handler struct {
	d        *Dispatcher
	id       int
	spec     connector.MatchSpec
	cb       func(*message.Message)
	allow    message.Role
	deny     message.Role
	stopped  bool
}

// Stop deactivates the handler; no further messages are delivered to
// it. Stop is idempotent.
func (h *Handler) Stop() {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	h.stopped = true
}

// Dispatcher evaluates registered handlers against arriving messages.
type Dispatcher struct {
	mu       sync.Mutex
	sender   Sender
	handlers []*Handler
	nextID   int
	globs    *cache.Cache

	denials prometheus.Counter
}

// New returns a Dispatcher that emits EPERM responses through sender.
func New(sender Sender) *Dispatcher {
	d := &Dispatcher{
		sender: sender,
		globs:  cache.New(5*time.Minute, 10*time.Minute),
		denials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flux_dispatcher_denials_total",
			Help: "Requests denied by dispatcher access policy.",
		}),
	}
	return d
}

// Denials exposes the denial counter for registration with a
// prometheus registry (see pkg/metrics).
func (d *Dispatcher) Denials() prometheus.Counter { return d.denials }

// HandlerOpts configures Register.
type HandlerOpts struct {
	Allow message.Role // additional allow bits, ORed with DefaultAllow
	Deny  message.Role // bits revoked from the effective allow mask
}

// Register adds a handler matching spec, evaluated before every
// handler registered earlier (reverse-registration-order delivery).
func (d *Dispatcher) Register(spec connector.MatchSpec, cb func(*message.Message), opts HandlerOpts) *Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := &Handler{
		d:     d,
		id:    d.nextID,
		spec:  spec,
		cb:    cb,
		allow: opts.Allow,
		deny:  opts.Deny,
	}
	d.nextID++
	d.handlers = append(d.handlers, h)
	return h
}

// Dispatch delivers m to the first active, matching handler in
// reverse registration order. It returns true if some handler
// accepted (or was denied and EPERM was sent for) the message; false
// means no handler matched at all, which callers typically treat as
// ENOSYS for requests.
func (d *Dispatcher) Dispatch(m *message.Message) bool {
	d.mu.Lock()
	var chosen *Handler
	for i := len(d.handlers) - 1; i >= 0; i-- {
		h := d.handlers[i]
		if h.stopped {
			continue
		}
		if !d.matches(h.spec, m) {
			continue
		}
		chosen = h
		break
	}
	d.mu.Unlock()

	if chosen == nil {
		return false
	}

	effective := (chosen.allow | DefaultAllow) &^ chosen.deny
	cred := m.Cred()
	if cred.Rolemask&effective == 0 {
		d.denials.Inc()
		if m.Kind() == message.Request {
			d.sendPerm(m)
		}
		// events bypass EPERM generation: silently dropped.
		return true
	}

	chosen.cb(m)
	return true
}

// matches replicates connector.MatchSpec.Matches, except the topic
// comparison runs through a compiled matcher cached by pattern text
// in d.globs rather than re-parsing the glob on every Dispatch call.
func (d *Dispatcher) matches(spec connector.MatchSpec, m *message.Message) bool {
	if !spec.AnyKind && m.Kind() != spec.Kind {
		return false
	}
	if spec.TopicGlob != "" && !d.topicMatch(spec.TopicGlob, m.Topic()) {
		return false
	}
	if spec.Matchtag != 0 && m.Matchtag() != spec.Matchtag {
		return false
	}
	return true
}

func (d *Dispatcher) topicMatch(glob, topic string) bool {
	if cached, ok := d.globs.Get(glob); ok {
		return cached.(func(string) bool)(topic)
	}
	matcher := compileGlob(glob)
	d.globs.SetDefault(glob, matcher)
	return matcher(topic)
}

// compileGlob precomputes what it can about pattern once so repeated
// Dispatch calls against the same registered handler's TopicGlob pay
// for the '*'-backtracking match only when the pattern actually has a
// wildcard; a literal topic (the common case for point-to-point RPC
// services) becomes a direct string comparison.
func compileGlob(pattern string) func(string) bool {
	if !strings.Contains(pattern, "*") {
		return func(topic string) bool { return topic == pattern }
	}
	return func(topic string) bool { return message.TopicMatch(pattern, topic) }
}

func (d *Dispatcher) sendPerm(req *message.Message) {
	resp, err := message.Encode(message.Response, req.Topic(), nil)
	if err != nil {
		return
	}
	resp.SetMatchtag(req.Matchtag())
	_ = resp.SetErrno(errno.Perm)
	_ = d.sender.Send(resp)
}
