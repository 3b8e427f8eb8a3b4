// Package wire implements the little-endian framing and typed
// readers/writers of the Soulseek protocol: every message begins with a
// 4-byte length prefix, followed by a domain-specific code and payload.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/slskgo/slskcore/slskerr"
)

// MaxFrameLength is the configured ceiling on a single message's total
// length. A length prefix exceeding this is an Oversize error,
// fatal for the connection.
const MaxFrameLength = 64 * 1024 * 1024

// Writer composes a single message's code and payload, little-endian;
// Bytes prefixes the total length once the body is complete.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns a Writer with no code written yet; call WriteUint32Code
// or WriteByteCode first, matching the domain in use.
func NewWriter() *Writer { return &Writer{} }

// WriteUint32Code writes a 4-byte Server/Peer domain code.
func (w *Writer) WriteUint32Code(code uint32) { w.WriteUint32(code) }

// WriteByteCode writes a 1-byte Distributed/Initialization domain code.
func (w *Writer) WriteByteCode(code uint8) { w.buf.WriteByte(code) }

// WriteUint8 writes a single unsigned byte.
func (w *Writer) WriteUint8(v uint8) { w.buf.WriteByte(v) }

// WriteBool writes a single byte boolean (0 or 1).
func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

// WriteUint32 writes a little-endian uint32.
func (w *Writer) WriteUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

// WriteInt32 writes a little-endian int32.
func (w *Writer) WriteInt32(v int32) { w.WriteUint32(uint32(v)) }

// WriteUint64 writes a little-endian uint64.
func (w *Writer) WriteUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// WriteInt64 writes a little-endian int64.
func (w *Writer) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }

// WriteString writes a 4-byte length prefix followed by the UTF-8 bytes of s.
func (w *Writer) WriteString(s string) {
	w.WriteUint32(uint32(len(s)))
	w.buf.WriteString(s)
}

// WriteBytes writes a 4-byte length prefix followed by raw bytes.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.buf.Write(b)
}

// Bytes returns the framed message: a 4-byte total-length prefix followed by
// the accumulated code+payload.
func (w *Writer) Bytes() []byte {
	body := w.buf.Bytes()
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// Reader decodes a single already-length-delimited message body, little-
// endian.
type Reader struct {
	data []byte
	pos  int

	// StringEncodingFallback controls whether string decoding falls back to
	// ISO-8859-1 when a field is not valid UTF-8.
	StringEncodingFallback bool
}

// NewReader wraps a fully-buffered message body (code + payload, length
// prefix already consumed).
func NewReader(body []byte) *Reader {
	return &Reader{data: body, StringEncodingFallback: true}
}

func (r *Reader) need(n int) error {
	if r.pos+n > len(r.data) {
		return slskerr.New(slskerr.KindTruncated, "short read decoding message body")
	}
	return nil
}

// ReadUint32Code reads a 4-byte Server/Peer domain code.
func (r *Reader) ReadUint32Code() (uint32, error) { return r.ReadUint32() }

// ReadByteCode reads a 1-byte Distributed/Initialization domain code.
func (r *Reader) ReadByteCode() (uint8, error) { return r.ReadUint8() }

// ReadUint8 reads a single unsigned byte.
func (r *Reader) ReadUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

// ReadBool reads a single byte boolean (any nonzero value is true).
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	return v != 0, err
}

// ReadUint32 reads a little-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadInt32 reads a little-endian int32.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadUint64 reads a little-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

// ReadInt64 reads a little-endian int64.
func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

// ReadBytes reads a 4-byte length prefix followed by that many raw bytes.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.data[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return b, nil
}

// ReadString reads a 4-byte length prefix followed by that many bytes,
// decoding as UTF-8 and falling back to ISO-8859-1 on decode failure when
// StringEncodingFallback is set.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	if utf8.Valid(b) {
		return string(b), nil
	}
	if !r.StringEncodingFallback {
		return "", slskerr.New(slskerr.KindDecode, "invalid UTF-8 string field")
	}
	decoded, decErr := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if decErr != nil {
		return "", slskerr.Wrap(slskerr.KindDecode, "ISO-8859-1 fallback decode failed", decErr)
	}
	return string(decoded), nil
}

// Remaining returns the number of undecoded bytes left in the body.
func (r *Reader) Remaining() int { return len(r.data) - r.pos }

// ReadFrame reads one complete length-prefixed message from conn: a 4-byte
// length, then that many bytes. Returns the raw body (code + payload) ready
// for NewReader. A short read is reported as KindTruncated; a length
// exceeding MaxFrameLength is KindOversize, fatal for the connection.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, slskerr.Wrap(slskerr.KindTruncated, "reading frame length", err)
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length > MaxFrameLength {
		return nil, slskerr.New(slskerr.KindOversize, fmt.Sprintf("frame length %d exceeds maximum %d", length, MaxFrameLength))
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, slskerr.Wrap(slskerr.KindTruncated, "reading frame body", err)
	}
	return body, nil
}

// WriteFrame writes an already-framed message (as produced by Writer.Bytes)
// to w in one call, preserving per-connection write ordering when the
// caller serializes calls to WriteFrame.
func WriteFrame(w io.Writer, framed []byte) error {
	_, err := w.Write(framed)
	if err != nil {
		return slskerr.Wrap(slskerr.KindIO, "writing frame", err)
	}
	return nil
}
