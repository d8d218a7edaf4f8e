package wire

import (
	"encoding/binary"
	"fmt"
)

// Order is the byte order of every multi-byte scalar on the wire.
var Order = binary.BigEndian

const initialBufSize = 256

// encoder appends wire fields to a buffer that doubles when full.
type encoder struct {
	buf []byte
}

func newEncoder() *encoder {
	return &encoder{buf: make([]byte, 0, initialBufSize)}
}

func (e *encoder) grow(n int) {
	if len(e.buf)+n <= cap(e.buf) {
		return
	}
	c := cap(e.buf)
	if c == 0 {
		c = initialBufSize
	}
	for c < len(e.buf)+n {
		c *= 2
	}
	nb := make([]byte, len(e.buf), c)
	copy(nb, e.buf)
	e.buf = nb
}

// Write lets binary.Write append fixed-size values.
func (e *encoder) Write(p []byte) (int, error) {
	e.grow(len(p))
	e.buf = append(e.buf, p...)
	return len(p), nil
}

func (e *encoder) putUint32(v uint32) {
	e.grow(4)
	e.buf = Order.AppendUint32(e.buf, v)
}

func (e *encoder) putBytes(b []byte) {
	e.putUint32(uint32(len(b)))
	_, _ = e.Write(b)
}

// putFixed writes a fixed-size value field by field in declaration order.
func (e *encoder) putFixed(v any) {
	if err := binary.Write(e, Order, v); err != nil {
		// only reachable with a non fixed-size type, a programming error
		panic(fmt.Sprintf("wire: encode %T: %v", v, err))
	}
}

// reserve writes a placeholder length and returns its offset.
func (e *encoder) reserve() int {
	off := len(e.buf)
	e.putUint32(0)
	return off
}

// patchLen stores the number of bytes written since off at off.
func (e *encoder) patchLen(off int) {
	Order.PutUint32(e.buf[off:], uint32(len(e.buf)-off))
}

// decoder consumes wire fields from a byte slice.
type decoder struct {
	data []byte
	off  int
}

func newDecoder(b []byte) *decoder { return &decoder{data: b} }

func (d *decoder) remaining() int { return len(d.data) - d.off }

// Read lets binary.Read consume fixed-size values.
func (d *decoder) Read(p []byte) (int, error) {
	if d.remaining() < len(p) {
		return 0, ErrMalformed
	}
	n := copy(p, d.data[d.off:])
	d.off += n
	return n, nil
}

func (d *decoder) uint32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, fmt.Errorf("%w: need 4 bytes, have %d", ErrMalformed, d.remaining())
	}
	v := Order.Uint32(d.data[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.uint32()
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(d.remaining()) {
		return nil, fmt.Errorf("%w: field of %d bytes, have %d", ErrMalformed, n, d.remaining())
	}
	b := make([]byte, n)
	copy(b, d.data[d.off:])
	d.off += int(n)
	return b, nil
}

func (d *decoder) fixed(v any) error {
	if err := binary.Read(d, Order, v); err != nil {
		return fmt.Errorf("%w: %T", ErrMalformed, v)
	}
	return nil
}
