// ABOUTME: Binary encoding primitives for the SSH agent wire format.
// ABOUTME: Length-prefixed strings, big-endian integers, mpints, and framed message I/O.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
)

// DefaultMaxFrameSize bounds the memory a single frame can demand.
// Matches the OpenSSH agent's maximum message size.
const DefaultMaxFrameSize = 256 * 1024

// ErrorKind classifies a decode failure.
type ErrorKind int

const (
	// Truncated means a field's declared length exceeds the bytes available.
	Truncated ErrorKind = iota
	// TrailingData means bytes remain after a fully-decoded payload.
	TrailingData
	// InvalidDiscriminant means a type tag has no known decoding.
	InvalidDiscriminant
	// FieldTooLarge means a declared length exceeds the configured maximum.
	FieldTooLarge
)

// String returns a short name for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case TrailingData:
		return "trailing data"
	case InvalidDiscriminant:
		return "invalid discriminant"
	case FieldTooLarge:
		return "field too large"
	default:
		return "unknown"
	}
}

// DecodeError describes a malformed wire payload. Field names the part of
// the message being decoded when the failure occurred.
type DecodeError struct {
	Kind  ErrorKind
	Field string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: %s decoding %s", e.Kind, e.Field)
}

// errTruncated builds a Truncated error for the named field.
func errTruncated(field string) *DecodeError {
	return &DecodeError{Kind: Truncated, Field: field}
}

// Reader decodes wire primitives from an in-memory payload. It never reads
// past the end of the buffer: a declared length larger than the remaining
// bytes yields a DecodeError instead.
type Reader struct {
	buf []byte
	off int
}

// NewReader wraps payload for decoding. The Reader aliases the slice; the
// caller must not mutate it until decoding is complete.
func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

// Len reports the number of undecoded bytes remaining.
func (r *Reader) Len() int {
	return len(r.buf) - r.off
}

// ReadByte decodes a single byte.
func (r *Reader) ReadByte(field string) (byte, error) {
	if r.Len() < 1 {
		return 0, errTruncated(field)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

// ReadUint32 decodes a 4-byte big-endian unsigned integer.
func (r *Reader) ReadUint32(field string) (uint32, error) {
	if r.Len() < 4 {
		return 0, errTruncated(field)
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

// ReadString decodes a length-prefixed opaque byte string. The returned
// slice aliases the underlying payload.
func (r *Reader) ReadString(field string) ([]byte, error) {
	n, err := r.ReadUint32(field)
	if err != nil {
		return nil, err
	}
	if uint32(r.Len()) < n {
		return nil, errTruncated(field)
	}
	s := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return s, nil
}

// ReadBigInt decodes an mpint: a length-prefixed two's-complement big-endian
// integer. Negative values are rejected; the agent protocol never carries them.
func (r *Reader) ReadBigInt(field string) (*big.Int, error) {
	raw, err := r.ReadString(field)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 && raw[0]&0x80 != 0 {
		return nil, &DecodeError{Kind: InvalidDiscriminant, Field: field + " (negative mpint)"}
	}
	return new(big.Int).SetBytes(raw), nil
}

// Rest consumes and returns all remaining bytes. Used for trailing opaque
// payloads such as extension contents.
func (r *Reader) Rest() []byte {
	s := r.buf[r.off:]
	r.off = len(r.buf)
	return s
}

// Finish verifies the payload was fully consumed. Trailing bytes after a
// complete message are a protocol violation.
func (r *Reader) Finish(field string) error {
	if r.Len() != 0 {
		return &DecodeError{Kind: TrailingData, Field: field}
	}
	return nil
}

// Writer encodes wire primitives into an in-memory buffer. Writes cannot
// fail; the buffer grows as needed.
type Writer struct {
	buf []byte
}

// WriteByte appends a single byte.
func (w *Writer) WriteByte(b byte) {
	w.buf = append(w.buf, b)
}

// WriteUint32 appends a 4-byte big-endian unsigned integer.
func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

// WriteString appends a length-prefixed opaque byte string.
func (w *Writer) WriteString(s []byte) {
	w.WriteUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteBigInt appends an mpint. A leading zero byte is prepended when the
// high bit of the first magnitude byte is set, so the value cannot be
// misread as negative. Zero encodes as the empty string.
func (w *Writer) WriteBigInt(n *big.Int) {
	b := n.Bytes()
	if len(b) > 0 && b[0]&0x80 != 0 {
		w.WriteUint32(uint32(len(b) + 1))
		w.buf = append(w.buf, 0)
		w.buf = append(w.buf, b...)
		return
	}
	w.WriteString(b)
}

// Raw appends bytes with no length prefix.
func (w *Writer) Raw(s []byte) {
	w.buf = append(w.buf, s...)
}

// Bytes returns the encoded buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// ReadFrame reads one length-prefixed frame from r. The 4-byte big-endian
// prefix counts only the payload that follows it. A declared length of zero
// yields a Truncated DecodeError (no room for a discriminant); a length
// above maxSize yields FieldTooLarge, after which the stream must be
// considered desynchronized. Transport errors pass through unchanged;
// io.EOF is returned only when the stream ends cleanly between frames.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("reading frame length: %w", err)
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 {
		return nil, errTruncated("frame")
	}
	if n > maxSize {
		return nil, &DecodeError{Kind: FieldTooLarge, Field: "frame"}
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}

// WriteFrame writes payload to w prefixed by its 4-byte big-endian length.
func WriteFrame(w io.Writer, payload []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}
