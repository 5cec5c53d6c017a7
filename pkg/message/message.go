// Package message implements the Message type from spec §3/§4.1: a
// typed, framed wire unit carrying a topic, payload, credentials,
// matchtag and routing stack.
package message

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/flux-framework/flux-go/pkg/errno"
)

// Kind identifies the role of a Message on the wire.
type Kind int

const (
	Request Kind = iota
	Response
	Event
	Control
)

func (k Kind) String() string {
	switch k {
	case Request:
		return "request"
	case Response:
		return "response"
	case Event:
		return "event"
	case Control:
		return "control"
	default:
		return "unknown"
	}
}

// Flag is a bitset of per-message behavior modifiers.
type Flag uint32

const (
	Private Flag = 1 << iota
	Streaming
	NoResponse
	Upstream
)

// Role is a bit within a Rolemask. OWNER is bit 0, LOCAL is bit 31;
// ALL sets every bit.
type Role uint32

const (
	RoleOwner Role = 1 << 0
	RoleLocal Role = 1 << 31
	RoleAll   Role = 0xFFFFFFFF
)

// Cred carries the sender's identity as understood by the broker.
type Cred struct {
	Userid   uint32
	Rolemask Role
}

// Message is the unit exchanged between a Handle and its Connector.
// A zero Message is not valid; construct one with Encode/Decode.
//
// The raw payload and its JSON view are kept mutually consistent:
// mutating one via SetPayload/SetPayloadJSON invalidates any value
// previously returned by Payload/PayloadJSON (§4.1), enforced here by
// clearing the cached counterpart representation on every mutation.
type Message struct {
	mu sync.Mutex

	kind     Kind
	topic    string
	matchtag uint32
	flags    Flag
	cred     Cred
	routes   []string
	errnum   errno.Errno
	hasErrno bool

	raw     []byte
	rawSet  bool
	jsonVal interface{}
	jsonSet bool
}

// NoMatchtag is the reserved value meaning "no response expected" or
// "not yet assigned".
const NoMatchtag uint32 = 0

// Encode builds a new Message of the given kind and topic. Payload
// may be nil for a message with no body (e.g. a bare event).
func Encode(kind Kind, topic string, payload []byte) (*Message, error) {
	if kind == Response || kind == Control {
		// responses/control messages may reasonably have an empty topic
	} else if topic == "" {
		return nil, errno.New(errno.InvalidArg, "empty topic")
	}
	m := &Message{kind: kind, topic: topic}
	if payload != nil {
		m.raw = append([]byte(nil), payload...)
		m.rawSet = true
	}
	return m, nil
}

// Clone returns a deep, independent copy of m.
func (m *Message) Clone() *Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &Message{
		kind:     m.kind,
		topic:    m.topic,
		matchtag: m.matchtag,
		flags:    m.flags,
		cred:     m.cred,
		routes:   append([]string(nil), m.routes...),
		errnum:   m.errnum,
		hasErrno: m.hasErrno,
		rawSet:   m.rawSet,
		jsonSet:  m.jsonSet,
	}
	if m.rawSet {
		c.raw = append([]byte(nil), m.raw...)
	}
	c.jsonVal = m.jsonVal
	return c
}

func (m *Message) Kind() Kind { return m.kind }

func (m *Message) Topic() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topic
}

func (m *Message) SetTopic(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topic = topic
}

// Payload returns the raw bytes of the message body, decoding them
// from the JSON view first if that is the only representation set.
func (m *Message) Payload() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.rawSet && m.jsonSet {
		b, err := json.Marshal(m.jsonVal)
		if err != nil {
			return nil, errno.New(errno.Proto, "encode json payload: %v", err)
		}
		m.raw = b
		m.rawSet = true
	}
	if !m.rawSet {
		return nil, nil
	}
	return append([]byte(nil), m.raw...), nil
}

// SetPayload replaces the raw payload, invalidating any cached JSON view.
func (m *Message) SetPayload(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = append([]byte(nil), b...)
	m.rawSet = true
	m.jsonSet = false
	m.jsonVal = nil
}

// PayloadJSON unmarshals the payload into v, decoding from the raw
// bytes if that is the only representation set.
func (m *Message) PayloadJSON(v interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.jsonSet && m.rawSet {
		var generic interface{}
		if len(m.raw) > 0 {
			if err := json.Unmarshal(m.raw, &generic); err != nil {
				return errno.New(errno.Proto, "decode json payload: %v", err)
			}
		}
		m.jsonVal = generic
		m.jsonSet = true
	}
	if !m.jsonSet {
		return errno.New(errno.InvalidArg, "message has no payload")
	}
	b, err := json.Marshal(m.jsonVal)
	if err != nil {
		return errno.New(errno.Proto, "re-encode json payload: %v", err)
	}
	return json.Unmarshal(b, v)
}

// SetPayloadJSON replaces the payload with v's JSON encoding,
// invalidating any cached raw view.
func (m *Message) SetPayloadJSON(v interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jsonVal = v
	m.jsonSet = true
	m.rawSet = false
	m.raw = nil
	return nil
}

func (m *Message) Matchtag() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matchtag
}

func (m *Message) SetMatchtag(t uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matchtag = t
}

func (m *Message) Flags() Flag {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags
}

func (m *Message) SetFlags(f Flag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags = f
}

func (m *Message) HasFlag(f Flag) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags&f != 0
}

// SetPrivate sets/clears the PRIVATE flag.
func (m *Message) SetPrivate(private bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if private {
		m.flags |= Private
	} else {
		m.flags &^= Private
	}
}

func (m *Message) Cred() Cred {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred
}

func (m *Message) SetCred(c Cred) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = c
}

// Errno returns the response errno and whether one was set. It is
// EINVAL-by-convention to call on a non-Response message, enforced by
// the caller via Kind().
func (m *Message) Errno() (errno.Errno, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errnum, m.hasErrno
}

func (m *Message) SetErrno(e errno.Errno) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kind != Response {
		return errno.New(errno.InvalidArg, "SetErrno on non-response message")
	}
	m.errnum = e
	m.hasErrno = true
	return nil
}

// PushRoute appends a route identifier, used on the inbound path as a
// message traverses broker hops so a response can retrace the path.
func (m *Message) PushRoute(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = append(m.routes, id)
}

// PopRoute removes and returns the last route identifier pushed.
func (m *Message) PopRoute() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.routes) == 0 {
		return "", false
	}
	last := m.routes[len(m.routes)-1]
	m.routes = m.routes[:len(m.routes)-1]
	return last, true
}

func (m *Message) RouteFirst() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.routes) == 0 {
		return "", false
	}
	return m.routes[0], true
}

func (m *Message) RouteNext(after string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.routes {
		if r == after && i+1 < len(m.routes) {
			return m.routes[i+1], true
		}
	}
	return "", false
}

// TopicMatch reports whether topic matches glob, where '*' matches any
// run of characters (including none) and every other byte, including
// '.', must match literally. The comparison is performed character-
// wise per spec §4.1.
func TopicMatch(glob, topic string) bool {
	return globMatch(glob, topic)
}

func globMatch(pattern, s string) bool {
	// classic greedy-backtracking glob match over '*' only.
	var pIdx, sIdx int
	var starIdx = -1
	var match int
	for sIdx < len(s) {
		if pIdx < len(pattern) && (pattern[pIdx] == s[sIdx]) {
			pIdx++
			sIdx++
		} else if pIdx < len(pattern) && pattern[pIdx] == '*' {
			starIdx = pIdx
			match = sIdx
			pIdx++
		} else if starIdx != -1 {
			pIdx = starIdx + 1
			match++
			sIdx = match
		} else {
			return false
		}
	}
	for pIdx < len(pattern) && pattern[pIdx] == '*' {
		pIdx++
	}
	return pIdx == len(pattern)
}

// HasPrefix is a convenience used by dispatcher/handle subscription
// bookkeeping for plain (non-glob) prefixes.
func HasPrefix(topic, prefix string) bool {
	return strings.HasPrefix(topic, prefix)
}
