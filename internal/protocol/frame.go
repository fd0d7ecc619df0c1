// Package protocol implements the relay wire format: a 4-byte big-endian
// length prefix followed by a UTF-8 JSON object payload.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PrefixSize is the length of the frame header in bytes.
const PrefixSize = 4

// preallocLimit caps the buffer reserved up front for a payload. Larger
// payloads grow as their bytes arrive, so a declared length alone costs nothing.
const preallocLimit = 64 << 10

// ErrFrameTooLarge is returned when a frame declares a payload above the reader's limit.
var ErrFrameTooLarge = errors.New("frame exceeds maximum payload size")

// Frame is one length-delimited message as it arrived on the wire.
// Prefix is kept verbatim so the frame can be relayed bit-exactly.
type Frame struct {
	Prefix  [PrefixSize]byte
	Payload []byte
}

// Len returns the payload length declared by the prefix.
func (f Frame) Len() uint32 {
	return binary.BigEndian.Uint32(f.Prefix[:])
}

// ReadFrame reads one frame from r with no payload limit.
//
// Postcondition: Returns the frame, or io.EOF if the stream ended before a
// complete prefix or payload was read, or another read error.
func ReadFrame(r io.Reader) (Frame, error) {
	return readFrame(r, 0)
}

// FrameReader reads frames from a stream, rejecting payloads above MaxPayload.
// A zero MaxPayload means unlimited.
type FrameReader struct {
	r          io.Reader
	MaxPayload uint32
}

// NewFrameReader wraps r.
//
// Precondition: r must be non-nil.
func NewFrameReader(r io.Reader, maxPayload uint32) *FrameReader {
	return &FrameReader{r: r, MaxPayload: maxPayload}
}

// Next reads the next frame.
//
// Postcondition: Returns the frame, io.EOF on end of stream (including a
// truncated frame), ErrFrameTooLarge, or another read error.
func (fr *FrameReader) Next() (Frame, error) {
	return readFrame(fr.r, fr.MaxPayload)
}

func readFrame(r io.Reader, limit uint32) (Frame, error) {
	var f Frame
	if _, err := io.ReadFull(r, f.Prefix[:]); err != nil {
		return Frame{}, endOfStream(err)
	}

	n := f.Len()
	if limit > 0 && n > limit {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, limit)
	}

	var buf bytes.Buffer
	buf.Grow(int(min(n, preallocLimit)))
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		return Frame{}, endOfStream(err)
	}
	f.Payload = buf.Bytes()
	return f, nil
}

// endOfStream folds a short read into a plain io.EOF; a truncated frame is an
// ordinary disconnect.
func endOfStream(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return io.EOF
	}
	return err
}

// EncodeFrame prefixes payload with its big-endian length.
//
// Precondition: len(payload) must fit in a uint32.
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, PrefixSize+len(payload))
	binary.BigEndian.PutUint32(out[:PrefixSize], uint32(len(payload)))
	copy(out[PrefixSize:], payload)
	return out
}
