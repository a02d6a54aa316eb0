package codec

import "math"

// Builder accumulates encoded fields in write order.
// The zero value is ready to use.
type Builder struct {
	buf []byte
}

// NewBuilder returns a Builder with room for sizeHint bytes.
func NewBuilder(sizeHint int) *Builder {
	return &Builder{buf: make([]byte, 0, sizeHint)}
}

func (b *Builder) WriteInt8(v int8) {
	b.buf = append(b.buf, byte(v))
}

func (b *Builder) WriteUint8(v uint8) {
	b.buf = append(b.buf, v)
}

func (b *Builder) WriteInt16(v int16) {
	b.buf = ByteOrder.AppendUint16(b.buf, uint16(v))
}

func (b *Builder) WriteUint16(v uint16) {
	b.buf = ByteOrder.AppendUint16(b.buf, v)
}

func (b *Builder) WriteInt32(v int32) {
	b.buf = ByteOrder.AppendUint32(b.buf, uint32(v))
}

func (b *Builder) WriteUint32(v uint32) {
	b.buf = ByteOrder.AppendUint32(b.buf, v)
}

func (b *Builder) WriteInt64(v int64) {
	b.buf = ByteOrder.AppendUint64(b.buf, uint64(v))
}

func (b *Builder) WriteUint64(v uint64) {
	b.buf = ByteOrder.AppendUint64(b.buf, v)
}

func (b *Builder) WriteFloat32(v float32) {
	b.buf = ByteOrder.AppendUint32(b.buf, math.Float32bits(v))
}

func (b *Builder) WriteFloat64(v float64) {
	b.buf = ByteOrder.AppendUint64(b.buf, math.Float64bits(v))
}

// WriteBytes appends an 8-byte length prefix followed by p.
func (b *Builder) WriteBytes(p []byte) {
	b.WriteUint64(uint64(len(p)))
	b.buf = append(b.buf, p...)
}

// WriteString appends s as length-prefixed UTF-8 bytes.
func (b *Builder) WriteString(s string) {
	b.WriteUint64(uint64(len(s)))
	b.buf = append(b.buf, s...)
}

// WriteBool encodes v as an int8 flag (1 or 0).
func (b *Builder) WriteBool(v bool) {
	if v {
		b.WriteInt8(1)
		return
	}
	b.WriteInt8(0)
}

// Bytes returns the accumulated bytes. The slice aliases the builder's storage
// until the next write.
func (b *Builder) Bytes() []byte {
	return b.buf
}

func (b *Builder) Len() int {
	return len(b.buf)
}

// Reset discards everything written so far and keeps the storage.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
}
