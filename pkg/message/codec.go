package message

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"strings"

	"github.com/flux-framework/flux-go/pkg/errno"
)

// wire frame: u32 BE length prefix, then a payload structure of:
//
//	u8  kind
//	u32 flags
//	u32 userid
//	u32 rolemask
//	u32 matchtag
//	u8  hasErrno
//	i32 errno (if hasErrno)
//	u32 topic length, topic bytes (NUL-terminated on the wire per §6)
//	u16 route count, (u32 len + bytes) per route
//	u32 body length, body bytes

// Decode parses a single length-prefixed frame already stripped of
// its outer length prefix (the connector is responsible for framing;
// see pkg/connector/local).
func Decode(b []byte) (*Message, error) {
	r := bytes.NewReader(b)
	m := &Message{}

	var kind uint8
	if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
		return nil, errno.New(errno.Proto, "read kind: %v", err)
	}
	m.kind = Kind(kind)

	var flags uint32
	if err := binary.Read(r, binary.BigEndian, &flags); err != nil {
		return nil, errno.New(errno.Proto, "read flags: %v", err)
	}
	m.flags = Flag(flags)

	var userid, rolemask, matchtag uint32
	if err := binary.Read(r, binary.BigEndian, &userid); err != nil {
		return nil, errno.New(errno.Proto, "read userid: %v", err)
	}
	if err := binary.Read(r, binary.BigEndian, &rolemask); err != nil {
		return nil, errno.New(errno.Proto, "read rolemask: %v", err)
	}
	m.cred = Cred{Userid: userid, Rolemask: Role(rolemask)}
	if err := binary.Read(r, binary.BigEndian, &matchtag); err != nil {
		return nil, errno.New(errno.Proto, "read matchtag: %v", err)
	}
	m.matchtag = matchtag

	var hasErrno uint8
	if err := binary.Read(r, binary.BigEndian, &hasErrno); err != nil {
		return nil, errno.New(errno.Proto, "read errno flag: %v", err)
	}
	if hasErrno != 0 {
		var e int32
		if err := binary.Read(r, binary.BigEndian, &e); err != nil {
			return nil, errno.New(errno.Proto, "read errno: %v", err)
		}
		m.errnum = errno.Errno(e)
		m.hasErrno = true
	}

	topic, err := readString(r)
	if err != nil {
		return nil, errno.New(errno.Proto, "read topic: %v", err)
	}
	m.topic = strings.TrimSuffix(topic, "\x00")

	var routeCount uint16
	if err := binary.Read(r, binary.BigEndian, &routeCount); err != nil {
		return nil, errno.New(errno.Proto, "read route count: %v", err)
	}
	for i := uint16(0); i < routeCount; i++ {
		route, err := readString(r)
		if err != nil {
			return nil, errno.New(errno.Proto, "read route %d: %v", i, err)
		}
		m.routes = append(m.routes, route)
	}

	var bodyLen uint32
	if err := binary.Read(r, binary.BigEndian, &bodyLen); err != nil {
		return nil, errno.New(errno.Proto, "read body length: %v", err)
	}
	if bodyLen > 0 {
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, errno.New(errno.Proto, "read body: %v", err)
		}
		m.raw = body
		m.rawSet = true
	}

	return m, nil
}

// EncodeWire serializes m into the on-wire payload format described in
// §6 (the caller prefixes this with a u32 BE length when framing over
// a byte stream; see pkg/connector/local's Send).
func (m *Message) EncodeWire() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint8(m.kind)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(m.flags)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, m.cred.Userid); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(m.cred.Rolemask)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, m.matchtag); err != nil {
		return nil, err
	}
	if m.hasErrno {
		buf.WriteByte(1)
		if err := binary.Write(&buf, binary.BigEndian, int32(m.errnum)); err != nil {
			return nil, err
		}
	} else {
		buf.WriteByte(0)
	}
	if err := writeString(&buf, m.topic+"\x00"); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(m.routes))); err != nil {
		return nil, err
	}
	for _, r := range m.routes {
		if err := writeString(&buf, r); err != nil {
			return nil, err
		}
	}
	body := m.raw
	if !m.rawSet && m.jsonSet {
		b, err := json.Marshal(m.jsonVal)
		if err != nil {
			return nil, errno.New(errno.Proto, "encode json payload: %v", err)
		}
		body = b
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(body))); err != nil {
		return nil, err
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}
