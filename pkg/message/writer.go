package message

import (
	"encoding/binary"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/appnet-org/rudp/pkg/common"
)

// Writer builds one outbound datagram: a send-option header followed by
// typed little-endian fields and length-prefixed nested sub-messages. It
// holds exactly one pooled buffer for its lifetime; Dispose returns the
// buffer and makes the writer unusable.
//
// For reliable send options the header contains a zeroed 16-bit id slot
// that stays zero in the writer; when sending, the transport copies the
// payload into a fresh frame that carries the assigned message id.
type Writer struct {
	option SendOption
	buf    []byte
	pos    int
	length int
	starts []int
	pool   *common.BufferPool
}

// NewWriter rents a buffer from pool and writes the option header.
func NewWriter(option SendOption, pool *common.BufferPool) *Writer {
	w := &Writer{
		option: option,
		buf:    pool.Get(),
		pool:   pool,
	}
	w.writeHeader()
	return w
}

func (w *Writer) writeHeader() {
	w.buf[0] = byte(w.option)
	for i := 1; i < w.option.HeaderSize(); i++ {
		w.buf[i] = 0
	}
	w.pos = w.option.HeaderSize()
	w.length = w.pos
}

// Option returns the send option the writer was created with.
func (w *Writer) Option() SendOption { return w.option }

// Length returns the high-water mark of the written data, header included.
func (w *Writer) Length() int { return w.length }

// Position returns the current write cursor.
func (w *Writer) Position() int { return w.pos }

// Bytes returns the framed datagram. The slice aliases the pooled buffer
// and is invalidated by Clear and Dispose.
func (w *Writer) Bytes() []byte { return w.buf[:w.length] }

// Payload returns the bytes after the send-option header.
func (w *Writer) Payload() []byte { return w.buf[w.option.HeaderSize():w.length] }

// Clear resets the writer for reuse with the same option and buffer.
func (w *Writer) Clear() {
	w.starts = w.starts[:0]
	w.writeHeader()
}

// Dispose returns the buffer to the pool. The writer must not be used
// afterwards.
func (w *Writer) Dispose() {
	if w.buf == nil {
		return
	}
	w.pool.Put(w.buf)
	w.buf = nil
}

func (w *Writer) ensure(n int) error {
	if w.pos+n > len(w.buf) {
		return ErrBufferOverflow
	}
	return nil
}

func (w *Writer) advance(n int) {
	w.pos += n
	if w.pos > w.length {
		w.length = w.pos
	}
}

// StartMessage opens a nested length-prefixed sub-message with the given
// tag. The 16-bit length field is back-patched by EndMessage.
func (w *Writer) StartMessage(tag byte) error {
	if err := w.ensure(3); err != nil {
		return err
	}
	w.starts = append(w.starts, w.pos)
	w.buf[w.pos] = 0
	w.buf[w.pos+1] = 0
	w.buf[w.pos+2] = tag
	w.advance(3)
	return nil
}

// EndMessage closes the innermost open sub-message, patching its length
// field to the number of body bytes written since StartMessage.
func (w *Writer) EndMessage() error {
	if len(w.starts) == 0 {
		return ErrUnbalanced
	}
	start := w.starts[len(w.starts)-1]
	w.starts = w.starts[:len(w.starts)-1]
	binary.LittleEndian.PutUint16(w.buf[start:], uint16(w.pos-start-3))
	return nil
}

// CancelMessage discards the innermost open sub-message, rewinding the
// cursor and high-water mark to its start.
func (w *Writer) CancelMessage() error {
	if len(w.starts) == 0 {
		return ErrUnbalanced
	}
	start := w.starts[len(w.starts)-1]
	w.starts = w.starts[:len(w.starts)-1]
	w.pos = start
	w.length = start
	return nil
}

// WriteByte appends one byte.
func (w *Writer) WriteByte(v byte) error {
	if err := w.ensure(1); err != nil {
		return err
	}
	w.buf[w.pos] = v
	w.advance(1)
	return nil
}

// WriteSByte appends one signed byte.
func (w *Writer) WriteSByte(v int8) error {
	return w.WriteByte(byte(v))
}

// WriteBool appends a bool as a single 0/1 byte.
func (w *Writer) WriteBool(v bool) error {
	if v {
		return w.WriteByte(1)
	}
	return w.WriteByte(0)
}

// WriteUint16 appends a little-endian uint16.
func (w *Writer) WriteUint16(v uint16) error {
	if err := w.ensure(2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(w.buf[w.pos:], v)
	w.advance(2)
	return nil
}

// WriteInt16 appends a little-endian int16.
func (w *Writer) WriteInt16(v int16) error {
	return w.WriteUint16(uint16(v))
}

// WriteUint32 appends a little-endian uint32.
func (w *Writer) WriteUint32(v uint32) error {
	if err := w.ensure(4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(w.buf[w.pos:], v)
	w.advance(4)
	return nil
}

// WriteInt32 appends a little-endian int32.
func (w *Writer) WriteInt32(v int32) error {
	return w.WriteUint32(uint32(v))
}

// WriteFloat32 appends a little-endian IEEE-754 float32.
func (w *Writer) WriteFloat32(v float32) error {
	return w.WriteUint32(math.Float32bits(v))
}

// WritePacked appends v in the 7-bit variable-length encoding: little-endian
// groups with the 0x80 continuation bit on all but the last byte. Values in
// [0,128) occupy one byte and the encoding is always minimal.
func (w *Writer) WritePacked(v uint32) error {
	n := protowire.SizeVarint(uint64(v))
	if err := w.ensure(n); err != nil {
		return err
	}
	protowire.AppendVarint(w.buf[:w.pos], uint64(v))
	w.advance(n)
	return nil
}

// WriteBytes appends raw bytes with no length prefix.
func (w *Writer) WriteBytes(b []byte) error {
	if err := w.ensure(len(b)); err != nil {
		return err
	}
	copy(w.buf[w.pos:], b)
	w.advance(len(b))
	return nil
}

// WriteBytesAndSize appends a packed length prefix followed by the bytes.
func (w *Writer) WriteBytesAndSize(b []byte) error {
	n := protowire.SizeVarint(uint64(len(b)))
	if err := w.ensure(n + len(b)); err != nil {
		return err
	}
	if err := w.WritePacked(uint32(len(b))); err != nil {
		return err
	}
	return w.WriteBytes(b)
}

// WriteString appends a packed length prefix followed by the UTF-8 bytes.
func (w *Writer) WriteString(s string) error {
	return w.WriteBytesAndSize([]byte(s))
}
