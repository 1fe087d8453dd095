package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalLayout(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		want []byte
	}{
		{"hello", &Message{Tag: TagHello, Version: 1, Timeout: 30}, []byte{0x01, 0x01, 0x00, 0x1e}},
		{"server hello", &Message{Tag: TagServerHello}, []byte{0x03}},
		{"ping", &Message{Tag: TagPing, ID: 0x0102}, []byte{0x09, 0x01, 0x02}},
		{"reply ok", Reply(42, int64(5)), []byte{0x05, 0x00, 0x2a, 0x05}},
		{"reply error", ReplyError(42, "no"), []byte{0x06, 0x00, 0x2a, 0xa2, 'n', 'o'}},
		{"reply state unknown", ReplyState(7, Unknown), []byte{0x08, 0x00, 0x07}},
		{"state observe", &Message{Tag: TagStateObserve, ID: 1, Path: "/a"}, []byte{0x43, 0x00, 0x01, '/', 'a', 0x00}},
		{"state push unknown", &Message{Tag: TagStatePush, Path: "/a", State: Unknown}, []byte{0x45, '/', 'a', 0x00}},
		{"event notify", &Message{Tag: TagEventNotify, Path: "/e", Value: nil}, []byte{0x33, '/', 'e', 0x00, 0xc0}},
		{"unregister", &Message{Tag: TagUnregister, ID: 3, Registration: TagActionRegister, Path: "/a"},
			[]byte{0x50, 0x00, 0x03, 0x10, '/', 'a', 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			back, err := Unmarshal(got)
			require.NoError(t, err)
			assert.Equal(t, tt.msg.Tag, back.Tag)
			assert.Equal(t, tt.msg.ID, back.ID)
			assert.Equal(t, tt.msg.Path, back.Path)
			assert.Equal(t, tt.msg.IsError, back.IsError)
			assert.True(t, tt.msg.State.Equal(back.State))
		})
	}
}

func TestStateValueDistinguishesNullFromUnknown(t *testing.T) {
	known, err := Marshal(&Message{Tag: TagStatePush, Path: "/s", State: Known(nil)})
	require.NoError(t, err)
	unknown, err := Marshal(&Message{Tag: TagStatePush, Path: "/s", State: Unknown})
	require.NoError(t, err)
	assert.NotEqual(t, known, unknown)

	m, err := Unmarshal(known)
	require.NoError(t, err)
	v, ok := m.State.Get()
	assert.True(t, ok)
	assert.Nil(t, v)

	m, err = Unmarshal(unknown)
	require.NoError(t, err)
	assert.False(t, m.State.IsKnown())
}

func TestValueTypes(t *testing.T) {
	in := []any{
		int64(-3),
		int64(1 << 40),
		1.5,
		"text",
		[]byte{0, 1, 2},
		[]any{int64(1), "two"},
		map[any]any{"a": int64(1), "b": nil},
		nil,
		true,
	}
	m := &Message{Tag: TagActionCall, ID: 9, Path: "/act", Value: in}
	b, err := Marshal(m)
	require.NoError(t, err)

	back, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, in, back.Value)
}

func TestMapKeysAreSorted(t *testing.T) {
	a, err := EncodeValue(map[string]any{"z": 1, "a": 2, "m": 3})
	require.NoError(t, err)
	b, err := EncodeValue(map[string]any{"m": 3, "z": 1, "a": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	tests := map[string][]byte{
		"empty":              {},
		"unknown tag":        {0x7f},
		"short id":           {0x09, 0x01},
		"unterminated path":  {0x43, 0x00, 0x01, '/', 'a'},
		"missing value":      {0x05, 0x00, 0x01},
		"trailing bytes":     {0x09, 0x00, 0x01, 0xff},
		"bad msgpack":        {0x05, 0x00, 0x01, 0xc1},
		"missing path value": {0x33, '/', 'e', 0x00},
		"two values":         {0x05, 0x00, 0x01, 0x05, 0xc0, 0xc0},
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal(b)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnknownTag), "got %v", err)
		})
	}
}

func TestMarshalRejectsBadPath(t *testing.T) {
	_, err := Marshal(&Message{Tag: TagGet, ID: 1, Path: "/a\x00b"})
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = Marshal(&Message{Tag: TagGet, ID: 1, Path: ""})
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = Marshal(&Message{Tag: TagGet, ID: 1, Path: "/é"})
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestFramerSequence(t *testing.T) {
	var stream bytes.Buffer
	w := NewWriter(&stream)

	sent := []*Message{
		{Tag: TagServerHello},
		Reply(1, "ok"),
		{Tag: TagEventNotify, Path: "/e", Value: int64(3)},
		{Tag: TagStatePush, Path: "/s", State: Known("x")},
	}
	for _, m := range sent {
		require.NoError(t, w.WriteMessage(m))
	}

	r := NewReader(&stream)
	var got []*Message
	for m, err := range r.All() {
		require.NoError(t, err)
		got = append(got, m)
	}
	require.Len(t, got, len(sent))
	assert.Equal(t, TagServerHello, got[0].Tag)
	assert.Equal(t, "ok", got[1].Value)
	assert.Equal(t, int64(3), got[2].Value)
	assert.True(t, got[3].State.Equal(Known("x")))

	_, err := r.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFramerBadSyncWord(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0x48, 0x00, 0x01, 0x03}))
	_, err := r.ReadMessage()
	assert.ErrorIs(t, err, ErrSyncWord)
}

func TestFramerTruncatedFrame(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{SyncWord, 0x00, 0x05, 0x09}))
	_, err := r.ReadMessage()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFramerYieldsFatalErrorOnce(t *testing.T) {
	var stream bytes.Buffer
	require.NoError(t, NewWriter(&stream).WriteMessage(&Message{Tag: TagServerHello}))
	stream.Write([]byte{SyncWord, 0x00, 0x01, 0x7f})
	require.NoError(t, NewWriter(&stream).WriteMessage(&Message{Tag: TagServerHello}))

	var msgs int
	var errs []error
	for m, err := range NewReader(&stream).All() {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		assert.NotNil(t, m)
		msgs++
	}
	assert.Equal(t, 1, msgs)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrUnknownTag)
}

func TestWriterRejectsOversizedMessage(t *testing.T) {
	var stream bytes.Buffer
	err := NewWriter(&stream).WriteMessage(&Message{Tag: TagEventEmit, ID: 1, Path: "/big", Value: make([]byte, MaxPayload)})
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Zero(t, stream.Len())
}
