// wire/framer.go
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
)

const (
	// SyncWord starts every frame.
	SyncWord = 0x47
	// HeaderLen is the size of the frame header: sync word and big-endian
	// uint16 payload length.
	HeaderLen = 3
	// MaxPayload is the largest payload a frame can carry.
	MaxPayload = 0xffff
	// MaxFrameLen is the largest frame on the wire.
	MaxFrameLen = HeaderLen + MaxPayload
)

var (
	ErrSyncWord = errors.New("wire: expected sync word")
	ErrTooLarge = errors.New("wire: message too large for a frame")
)

// Reader splits a byte stream into frames and unpacks them into messages.
type Reader struct {
	r   *bufio.Reader
	buf []byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 4096)}
}

// ReadMessage reads the next frame. It returns io.EOF when the stream ends
// cleanly between frames and io.ErrUnexpectedEOF when it ends inside one.
// Framing and decoding failures wrap ErrSyncWord, ErrMalformed or
// ErrUnknownTag; the stream cannot be resynchronised after one.
func (r *Reader) ReadMessage() (*Message, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return nil, err
	}
	if header[0] != SyncWord {
		return nil, fmt.Errorf("%w: got 0x%02x", ErrSyncWord, header[0])
	}

	n := int(binary.BigEndian.Uint16(header[1:]))
	if cap(r.buf) < n {
		r.buf = make([]byte, n)
	}
	payload := r.buf[:n]
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Unmarshal(payload)
}

// All yields messages until the stream ends or a read fails. A clean end of
// stream finishes the sequence without an error; any other failure is yielded
// once as the final element.
func (r *Reader) All() iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		for {
			m, err := r.ReadMessage()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(m, err) || err != nil {
				return
			}
		}
	}
}

// Writer frames messages onto a byte stream. It is safe for concurrent use;
// each WriteMessage writes and flushes exactly one frame.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 4096)}
}

func (w *Writer) WriteMessage(m *Message) error {
	payload, err := Marshal(m)
	if err != nil {
		return err
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}

	var header [HeaderLen]byte
	header[0] = SyncWord
	binary.BigEndian.PutUint16(header[1:], uint16(len(payload)))

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(payload); err != nil {
		return err
	}
	return w.w.Flush()
}
