// wire/pack.go
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrMalformed   = errors.New("wire: malformed message")
	ErrUnknownTag  = errors.New("wire: unknown message tag")
	ErrInvalidPath = errors.New("wire: path must be non-empty ASCII without NUL")
)

// Marshal packs m into the ESHET binary message format, without the frame
// header.
func Marshal(m *Message) ([]byte, error) {
	var buf bytes.Buffer

	tag := byte(m.Tag)
	switch {
	case m.Tag == TagReply && m.IsError:
		tag = tagReplyError
	case m.Tag == TagReplyState && !m.State.IsKnown():
		tag = tagReplyStateUnknown
	case m.Tag == TagStatePush && !m.State.IsKnown():
		tag = tagStatePushUnknown
	}
	buf.WriteByte(tag)

	switch m.Tag {
	case TagHello, TagHelloID:
		buf.WriteByte(m.Version)
		buf.Write(binary.BigEndian.AppendUint16(nil, m.Timeout))
		if m.Tag == TagHelloID {
			return appendValue(&buf, m.Value)
		}
		return buf.Bytes(), nil
	case TagServerHello:
		return buf.Bytes(), nil
	case TagServerHelloID:
		return appendValue(&buf, m.Value)
	case TagEventNotify:
		if err := appendPath(&buf, m.Path); err != nil {
			return nil, err
		}
		return appendValue(&buf, m.Value)
	case TagStatePush:
		if err := appendPath(&buf, m.Path); err != nil {
			return nil, err
		}
		return appendState(&buf, m.State)
	}

	if _, ok := tagNames[m.Tag]; !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, uint8(m.Tag))
	}
	buf.Write(binary.BigEndian.AppendUint16(nil, m.ID))

	switch m.Tag {
	case TagReply:
		return appendValue(&buf, m.Value)
	case TagReplyState:
		return appendState(&buf, m.State)
	case TagPing:
		return buf.Bytes(), nil
	case TagUnregister:
		buf.WriteByte(byte(m.Registration))
		if err := appendPath(&buf, m.Path); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	if err := appendPath(&buf, m.Path); err != nil {
		return nil, err
	}
	switch m.Tag {
	case TagActionCall, TagPropSet, TagSet, TagEventEmit, TagStateChanged:
		return appendValue(&buf, m.Value)
	}
	return buf.Bytes(), nil
}

func appendPath(buf *bytes.Buffer, path string) error {
	if path == "" {
		return ErrInvalidPath
	}
	for i := 0; i < len(path); i++ {
		if path[i] == 0 || path[i] > 0x7f {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	buf.WriteString(path)
	buf.WriteByte(0)
	return nil
}

func appendValue(buf *bytes.Buffer, v any) ([]byte, error) {
	enc, err := EncodeValue(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding value: %w", err)
	}
	buf.Write(enc)
	return buf.Bytes(), nil
}

func appendState(buf *bytes.Buffer, s StateValue) ([]byte, error) {
	v, known := s.Get()
	if !known {
		return buf.Bytes(), nil
	}
	return appendValue(buf, v)
}

// Unmarshal parses a message packed by Marshal. Any trailing bytes, missing
// fields or undecodable values are reported as ErrMalformed.
func Unmarshal(b []byte) (*Message, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	r := &unpacker{buf: b[1:]}
	m := &Message{}
	tag := b[0]

	switch tag {
	case byte(TagHello), byte(TagHelloID):
		m.Tag = Tag(tag)
		m.Version = r.byte()
		m.Timeout = r.uint16()
		if m.Tag == TagHelloID {
			m.Value = r.value()
		}
	case byte(TagServerHello):
		m.Tag = TagServerHello
	case byte(TagServerHelloID):
		m.Tag = TagServerHelloID
		m.Value = r.value()
	case byte(TagReply), tagReplyError:
		m.Tag = TagReply
		m.IsError = tag == tagReplyError
		m.ID = r.uint16()
		m.Value = r.value()
	case byte(TagReplyState):
		m.Tag = TagReplyState
		m.ID = r.uint16()
		m.State = Known(r.value())
	case tagReplyStateUnknown:
		m.Tag = TagReplyState
		m.ID = r.uint16()
	case byte(TagPing):
		m.Tag = TagPing
		m.ID = r.uint16()
	case byte(TagActionRegister), byte(TagPropRegister), byte(TagPropGet), byte(TagGet),
		byte(TagEventRegister), byte(TagEventListen), byte(TagStateRegister),
		byte(TagStateUnknown), byte(TagStateObserve):
		m.Tag = Tag(tag)
		m.ID = r.uint16()
		m.Path = r.path()
	case byte(TagActionCall), byte(TagPropSet), byte(TagSet), byte(TagEventEmit), byte(TagStateChanged):
		m.Tag = Tag(tag)
		m.ID = r.uint16()
		m.Path = r.path()
		m.Value = r.value()
	case byte(TagEventNotify):
		m.Tag = TagEventNotify
		m.Path = r.path()
		m.Value = r.value()
	case byte(TagStatePush):
		m.Tag = TagStatePush
		m.Path = r.path()
		m.State = Known(r.value())
	case tagStatePushUnknown:
		m.Tag = TagStatePush
		m.Path = r.path()
	case byte(TagUnregister):
		m.Tag = TagUnregister
		m.ID = r.uint16()
		m.Registration = Tag(r.byte())
		m.Path = r.path()
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, tag)
	}

	if r.err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, m.Tag, r.err)
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %s: %d trailing bytes", ErrMalformed, m.Tag, len(r.buf))
	}
	return m, nil
}

// unpacker consumes fields from a message body, remembering the first error.
type unpacker struct {
	buf []byte
	err error
}

func (r *unpacker) fail(err error) {
	if r.err == nil {
		r.err = err
	}
	r.buf = nil
}

func (r *unpacker) byte() byte {
	if len(r.buf) < 1 {
		r.fail(errors.New("short message"))
		return 0
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b
}

func (r *unpacker) uint16() uint16 {
	if len(r.buf) < 2 {
		r.fail(errors.New("short message"))
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf)
	r.buf = r.buf[2:]
	return v
}

func (r *unpacker) path() string {
	end := bytes.IndexByte(r.buf, 0)
	if end < 0 {
		r.fail(errors.New("unterminated path"))
		return ""
	}
	p := string(r.buf[:end])
	r.buf = r.buf[end+1:]
	return p
}

// value consumes the rest of the message.
func (r *unpacker) value() any {
	if r.err != nil {
		return nil
	}
	if len(r.buf) == 0 {
		r.fail(errors.New("missing value"))
		return nil
	}
	v, err := DecodeValue(r.buf)
	if err != nil {
		r.fail(err)
		return nil
	}
	r.buf = nil
	return v
}
