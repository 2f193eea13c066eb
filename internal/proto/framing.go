package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest single frame the framer will accept,
// satisfying spec's "maximum single-frame size is >= 16 MiB".
const MaxFrameSize = 16 * 1024 * 1024

// ErrZeroLengthFrame is returned when a peer sends a frame with a
// declared length of zero, which the framing discipline forbids.
var ErrZeroLengthFrame = errors.New("proto: zero-length frame not allowed")

// ErrFrameTooLarge is returned when a peer's declared frame length
// exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("proto: frame exceeds maximum size")

// Framer reads and writes length-prefixed Message frames on a single
// stream: a 4-byte big-endian length followed by that many bytes of
// CBOR-encoded envelope.
type Framer struct {
	r io.Reader
	w io.Writer
}

// NewFramer wraps a stream's read and write halves.
func NewFramer(rw io.ReadWriter) *Framer {
	return &Framer{r: rw, w: rw}
}

// NewFramerHalves wraps separately-owned read and write halves, used
// when a stream is split into sibling send/recv tasks (spec §9).
func NewFramerHalves(r io.Reader, w io.Writer) *Framer {
	return &Framer{r: r, w: w}
}

// WriteMessage encodes and writes one length-prefixed frame.
func (f *Framer) WriteMessage(m Message) error {
	body, err := Encode(m)
	if err != nil {
		return err
	}
	return f.WriteFrame(body)
}

// WriteFrame writes a raw length-prefixed frame. It is exported so
// callers relaying pre-encoded bytes need not decode-then-reencode.
func (f *Framer) WriteFrame(body []byte) error {
	if len(body) == 0 {
		return ErrZeroLengthFrame
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := f.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("proto: write frame header: %w", err)
	}
	if _, err := f.w.Write(body); err != nil {
		return fmt.Errorf("proto: write frame body: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed frame and decodes it.
func (f *Framer) ReadMessage() (Message, error) {
	body, err := f.ReadFrame()
	if err != nil {
		return nil, err
	}
	return Decode(body)
}

// ReadFrame reads one raw length-prefixed frame without decoding it.
func (f *Framer) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(f.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, ErrZeroLengthFrame
	}
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(f.r, body); err != nil {
		return nil, fmt.Errorf("proto: read frame body: %w", err)
	}
	return body, nil
}
