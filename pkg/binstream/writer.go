package binstream

import (
	"fmt"
	"io"
	"math"
)

// Writer writes fixed-width values and tracks how many bytes went out.
// The first error is sticky: later writes are skipped and Err reports it.
type Writer struct {
	w   io.Writer
	n   int64
	err error
	buf [8]byte
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int64 { return w.n }

// Err returns the first write error, if any.
func (w *Writer) Err() error { return w.err }

func (w *Writer) write(b []byte) {
	if w.err != nil {
		return
	}
	n, err := w.w.Write(b)
	w.n += int64(n)
	w.err = err
}

// WriteU8 writes one byte.
func (w *Writer) WriteU8(v uint8) {
	w.buf[0] = v
	w.write(w.buf[:1])
}

// WriteU16 writes an unsigned 16-bit integer.
func (w *Writer) WriteU16(v uint16) {
	ByteOrder.PutUint16(w.buf[:2], v)
	w.write(w.buf[:2])
}

// WriteU32 writes an unsigned 32-bit integer.
func (w *Writer) WriteU32(v uint32) {
	ByteOrder.PutUint32(w.buf[:4], v)
	w.write(w.buf[:4])
}

// WriteI32 writes a signed 32-bit integer.
func (w *Writer) WriteI32(v int32) { w.WriteU32(uint32(v)) }

// WriteF32 writes a float.
func (w *Writer) WriteF32(v float32) { w.WriteU32(math.Float32bits(v)) }

// WriteBytes writes raw bytes.
func (w *Writer) WriteBytes(b []byte) { w.write(b) }

// WriteMagic writes a magic token verbatim.
func (w *Writer) WriteMagic(magic string) { w.write([]byte(magic)) }

// WriteString writes a u32 length prefix followed by the bytes of s.
func (w *Writer) WriteString(s string) {
	if len(s) > MaxStringLen {
		if w.err == nil {
			w.err = fmt.Errorf("%w: %d", ErrStringTooLong, len(s))
		}
		return
	}
	w.WriteU32(uint32(len(s)))
	w.write([]byte(s))
}

// WriteU16s writes each value as an unsigned 16-bit integer.
func (w *Writer) WriteU16s(v []uint16) {
	b := make([]byte, len(v)*2)
	for i, x := range v {
		ByteOrder.PutUint16(b[i*2:], x)
	}
	w.write(b)
}

// WriteU32s writes each value as an unsigned 32-bit integer.
func (w *Writer) WriteU32s(v []uint32) {
	b := make([]byte, len(v)*4)
	for i, x := range v {
		ByteOrder.PutUint32(b[i*4:], x)
	}
	w.write(b)
}

// WriteF32s writes each value as a float.
func (w *Writer) WriteF32s(v []float32) { w.write(EncodeF32s(v)) }
