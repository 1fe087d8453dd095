// wire/message.go
package wire

import "fmt"

// Tag identifies the kind of a protocol message. Its value is the first byte
// of the packed message. Messages which have a known and an unknown (or ok and
// error) form share the tag of the first form; the second byte value is chosen
// from Message.State or Message.IsError when packing.
type Tag uint8

const (
	TagHello         Tag = 0x01 // client: version, timeout
	TagHelloID       Tag = 0x02 // client: version, timeout, client id
	TagServerHello   Tag = 0x03 // server: accepted
	TagServerHelloID Tag = 0x04 // server: accepted, assigned client id

	TagReply      Tag = 0x05 // id, value (0x06 when IsError)
	TagReplyState Tag = 0x07 // id, state (0x08 when unknown)

	TagPing Tag = 0x09 // id

	TagActionRegister Tag = 0x10 // id, path
	TagActionCall     Tag = 0x11 // id, path, args

	TagPropRegister Tag = 0x20 // id, path
	TagPropGet      Tag = 0x21 // id, path
	TagPropSet      Tag = 0x22 // id, path, value
	TagGet          Tag = 0x23 // id, path
	TagSet          Tag = 0x24 // id, path, value

	TagEventRegister Tag = 0x30 // id, path
	TagEventEmit     Tag = 0x31 // id, path, value
	TagEventListen   Tag = 0x32 // id, path
	TagEventNotify   Tag = 0x33 // path, value

	TagStateRegister Tag = 0x40 // id, path
	TagStateChanged  Tag = 0x41 // id, path, value
	TagStateUnknown  Tag = 0x42 // id, path
	TagStateObserve  Tag = 0x43 // id, path
	TagStatePush     Tag = 0x44 // path, state (0x45 when unknown)

	TagUnregister Tag = 0x50 // id, registration tag, path
)

const (
	tagReplyError        = 0x06
	tagReplyStateUnknown = 0x08
	tagStatePushUnknown  = 0x45
)

var tagNames = map[Tag]string{
	TagHello:          "hello",
	TagHelloID:        "hello_id",
	TagServerHello:    "server_hello",
	TagServerHelloID:  "server_hello_id",
	TagReply:          "reply",
	TagReplyState:     "reply_state",
	TagPing:           "ping",
	TagActionRegister: "action_register",
	TagActionCall:     "action_call",
	TagPropRegister:   "prop_register",
	TagPropGet:        "prop_get",
	TagPropSet:        "prop_set",
	TagGet:            "get",
	TagSet:            "set",
	TagEventRegister:  "event_register",
	TagEventEmit:      "event_emit",
	TagEventListen:    "event_listen",
	TagEventNotify:    "event_notify",
	TagStateRegister:  "state_register",
	TagStateChanged:   "state_changed",
	TagStateUnknown:   "state_unknown",
	TagStateObserve:   "state_observe",
	TagStatePush:      "state_push",
	TagUnregister:     "unregister",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tag(0x%02x)", uint8(t))
}

// HasID reports whether messages with this tag carry a correlation id.
func (t Tag) HasID() bool {
	switch t {
	case TagHello, TagHelloID, TagServerHello, TagServerHelloID, TagEventNotify, TagStatePush:
		return false
	}
	return true
}

// IsReply reports whether the message resolves a pending request.
func (t Tag) IsReply() bool {
	return t == TagReply || t == TagReplyState
}

// Message is a single ESHET protocol message in either direction. Which fields
// are meaningful depends on Tag; see the Tag constants.
type Message struct {
	Tag  Tag
	ID   uint16
	Path string

	// Value is the msgpack payload: call arguments, event payload, reply
	// result, error reason or client id.
	Value any
	// IsError marks a TagReply carrying an error reason in Value.
	IsError bool
	// State is the payload of TagReplyState and TagStatePush.
	State StateValue

	// Version and Timeout are only used by the client hello messages; Timeout
	// is in seconds.
	Version uint8
	Timeout uint16

	// Registration is the registration tag being withdrawn by TagUnregister.
	Registration Tag
}

func (m *Message) String() string {
	switch {
	case m.Tag == TagReply && m.IsError:
		return fmt.Sprintf("reply(%d, error %v)", m.ID, m.Value)
	case m.Tag == TagReply:
		return fmt.Sprintf("reply(%d, %v)", m.ID, m.Value)
	case m.Tag == TagReplyState:
		return fmt.Sprintf("reply_state(%d, %s)", m.ID, m.State)
	case m.Tag == TagStatePush:
		return fmt.Sprintf("state_push(%s, %s)", m.Path, m.State)
	case m.Tag == TagUnregister:
		return fmt.Sprintf("unregister(%d, %s, %s)", m.ID, m.Registration, m.Path)
	case m.Path != "" && m.Tag.HasID():
		return fmt.Sprintf("%s(%d, %s, %v)", m.Tag, m.ID, m.Path, m.Value)
	case m.Path != "":
		return fmt.Sprintf("%s(%s, %v)", m.Tag, m.Path, m.Value)
	case m.Tag.HasID():
		return fmt.Sprintf("%s(%d)", m.Tag, m.ID)
	default:
		return m.Tag.String()
	}
}

// Reply builds a successful reply to the request with the given id.
func Reply(id uint16, value any) *Message {
	return &Message{Tag: TagReply, ID: id, Value: value}
}

// ReplyError builds an error reply to the request with the given id.
func ReplyError(id uint16, reason any) *Message {
	return &Message{Tag: TagReply, ID: id, Value: reason, IsError: true}
}

// ReplyState builds a state reply to the request with the given id.
func ReplyState(id uint16, state StateValue) *Message {
	return &Message{Tag: TagReplyState, ID: id, State: state}
}
