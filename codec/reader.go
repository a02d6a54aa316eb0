package codec

import "math"

// Reader consumes fields from an immutable byte sequence.
//
// A read that finds fewer bytes than the field needs returns the caller's
// default and leaves the cursor where it was. Reader never panics on short data.
type Reader struct {
	data []byte
	off  int
}

// NewReader returns a Reader positioned at the start of data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Reset switches the reader to a new byte sequence and rewinds the cursor.
func (r *Reader) Reset(data []byte) {
	r.data = data
	r.off = 0
}

// Remaining reports how many unread bytes are left.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

// Offset reports the cursor position.
func (r *Reader) Offset() int {
	return r.off
}

// next returns the next n bytes and advances, or nil without advancing.
func (r *Reader) next(n int) []byte {
	if n < 0 || r.Remaining() < n {
		return nil
	}
	p := r.data[r.off : r.off+n]
	r.off += n
	return p
}

func (r *Reader) ReadInt8(def int8) int8 {
	p := r.next(SizeInt8)
	if p == nil {
		return def
	}
	return int8(p[0])
}

func (r *Reader) ReadUint8(def uint8) uint8 {
	p := r.next(SizeInt8)
	if p == nil {
		return def
	}
	return p[0]
}

func (r *Reader) ReadInt16(def int16) int16 {
	p := r.next(SizeInt16)
	if p == nil {
		return def
	}
	return int16(ByteOrder.Uint16(p))
}

func (r *Reader) ReadUint16(def uint16) uint16 {
	p := r.next(SizeInt16)
	if p == nil {
		return def
	}
	return ByteOrder.Uint16(p)
}

func (r *Reader) ReadInt32(def int32) int32 {
	p := r.next(SizeInt32)
	if p == nil {
		return def
	}
	return int32(ByteOrder.Uint32(p))
}

func (r *Reader) ReadUint32(def uint32) uint32 {
	p := r.next(SizeInt32)
	if p == nil {
		return def
	}
	return ByteOrder.Uint32(p)
}

func (r *Reader) ReadInt64(def int64) int64 {
	p := r.next(SizeInt64)
	if p == nil {
		return def
	}
	return int64(ByteOrder.Uint64(p))
}

func (r *Reader) ReadUint64(def uint64) uint64 {
	p := r.next(SizeInt64)
	if p == nil {
		return def
	}
	return ByteOrder.Uint64(p)
}

func (r *Reader) ReadFloat32(def float32) float32 {
	p := r.next(SizeFloat32)
	if p == nil {
		return def
	}
	return math.Float32frombits(ByteOrder.Uint32(p))
}

func (r *Reader) ReadFloat64(def float64) float64 {
	p := r.next(SizeFloat64)
	if p == nil {
		return def
	}
	return math.Float64frombits(ByteOrder.Uint64(p))
}

// ReadBool reads an int8 flag; any non-zero value is true.
func (r *Reader) ReadBool(def bool) bool {
	p := r.next(SizeInt8)
	if p == nil {
		return def
	}
	return p[0] != 0
}

// ReadBytes reads a length-prefixed field. It returns def when the prefix is
// missing or the declared length runs past the end of the data; in both cases
// the cursor is not moved. The returned slice aliases the reader's input.
func (r *Reader) ReadBytes(def []byte) []byte {
	start := r.off
	n := r.ReadUint64(math.MaxUint64)
	if r.off == start || n > uint64(r.Remaining()) {
		r.off = start
		return def
	}
	return r.next(int(n))
}

// ReadString is ReadBytes decoded as UTF-8 text.
func (r *Reader) ReadString(def string) string {
	start := r.off
	p := r.ReadBytes(nil)
	if p == nil && r.off == start {
		return def
	}
	return string(p)
}
