// wire/codec.go
package wire

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// handle is shared by every encoder and decoder; it is read-only after init.
var handle = newHandle()

func newHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	// str and bin are distinct types on the wire, so strings stay strings
	// and byte slices stay byte slices.
	h.WriteExt = true
	h.RawToString = true
	// All integers decode as int64 regardless of their encoded width.
	h.SignedInteger = true
	// Map keys are written in sorted order.
	h.Canonical = true
	return h
}

// EncodeValue encodes a single msgpack value.
func EncodeValue(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, handle).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeValue decodes a single msgpack value. Integers decode as int64,
// floats as float64 (or float32 when sent in single precision), strings as
// string, binary as []byte, arrays as []any and maps as map[any]any.
// b must hold exactly one value.
func DecodeValue(b []byte) (any, error) {
	var v any
	d := codec.NewDecoderBytes(b, handle)
	if err := d.Decode(&v); err != nil {
		return nil, err
	}
	if n := d.NumBytesRead(); n != len(b) {
		return nil, fmt.Errorf("%d bytes after value", len(b)-n)
	}
	return v, nil
}
