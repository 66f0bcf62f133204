package message

import (
	"encoding/binary"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Reader is a consuming cursor over received bytes. It mirrors Writer:
// little-endian typed reads, packed varints, and length-prefixed nested
// sub-messages via ReadMessage. Reads past the end fail with ErrUnderflow
// and leave the cursor unchanged.
type Reader struct {
	data []byte
	pos  int
	tag  byte
}

// NewReader wraps data in a reader positioned at the start.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Tag returns the tag byte of a sub-reader produced by ReadMessage. For
// top-level readers it is zero.
func (r *Reader) Tag() byte { return r.tag }

// Position returns the current read cursor.
func (r *Reader) Position() int { return r.pos }

// Length returns the total number of bytes in the reader's window.
func (r *Reader) Length() int { return len(r.data) }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.pos }

// HasBytes reports whether at least n unread bytes remain.
func (r *Reader) HasBytes(n int) bool { return r.Remaining() >= n }

// Slice returns a non-consuming reader over the window starting at offset.
// The parent's cursor is unaffected.
func (r *Reader) Slice(offset int) (*Reader, error) {
	if offset < 0 || offset > len(r.data) {
		return nil, ErrUnderflow
	}
	return &Reader{data: r.data[offset:]}, nil
}

// ReadByte consumes one byte.
func (r *Reader) ReadByte() (byte, error) {
	if !r.HasBytes(1) {
		return 0, ErrUnderflow
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

// ReadSByte consumes one signed byte.
func (r *Reader) ReadSByte() (int8, error) {
	v, err := r.ReadByte()
	return int8(v), err
}

// ReadBool consumes one byte; any non-zero value is true.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadByte()
	return v != 0, err
}

// ReadUint16 consumes a little-endian uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	if !r.HasBytes(2) {
		return 0, ErrUnderflow
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

// ReadInt16 consumes a little-endian int16.
func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

// ReadUint32 consumes a little-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	if !r.HasBytes(4) {
		return 0, ErrUnderflow
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadInt32 consumes a little-endian int32.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadFloat32 consumes a little-endian IEEE-754 float32.
func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

// ReadPacked consumes a 7-bit variable-length integer.
func (r *Reader) ReadPacked() (uint32, error) {
	v, n := protowire.ConsumeVarint(r.data[r.pos:])
	if n < 0 || v > math.MaxUint32 {
		return 0, ErrUnderflow
	}
	r.pos += n
	return uint32(v), nil
}

// ReadBytes consumes exactly n raw bytes. The returned slice aliases the
// reader's window.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || !r.HasBytes(n) {
		return nil, ErrUnderflow
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadBytesAndSize consumes a packed length prefix and that many bytes.
func (r *Reader) ReadBytesAndSize() ([]byte, error) {
	start := r.pos
	n, err := r.ReadPacked()
	if err != nil {
		return nil, err
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		r.pos = start
		return nil, err
	}
	return b, nil
}

// ReadString consumes a packed length prefix and that many UTF-8 bytes.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytesAndSize()
	return string(b), err
}

// ReadMessage consumes one length-prefixed sub-message and returns a
// reader scoped to its body, carrying the sub-message tag.
func (r *Reader) ReadMessage() (*Reader, error) {
	start := r.pos
	length, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	tag, err := r.ReadByte()
	if err != nil {
		r.pos = start
		return nil, err
	}
	body, err := r.ReadBytes(int(length))
	if err != nil {
		r.pos = start
		return nil, err
	}
	return &Reader{data: body, tag: tag}, nil
}
