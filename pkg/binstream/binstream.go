// Package binstream provides ordered little-endian reads and writes of the
// fixed-width values used by the terrain file formats.
package binstream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ByteOrder is the byte order of every value in a terrain stream.
var ByteOrder = binary.LittleEndian

// Stream errors.
var (
	ErrBadMagic      = errors.New("bad magic token")
	ErrStringTooLong = errors.New("string length exceeds limit")
	ErrNotSeekable   = errors.New("stream is not seekable")
	ErrBadLength     = errors.New("negative length")
)

// MaxStringLen bounds length-prefixed strings so a corrupt prefix cannot
// trigger a huge allocation.
const MaxStringLen = 4096

// readChunk is the largest read allocated up front. Longer reads grow with
// the data actually received.
const readChunk = 64 << 10

// Reader reads fixed-width values from an underlying stream.
type Reader struct {
	r   io.Reader
	buf [8]byte
}

// NewReader wraps r. Seek and Offset require r to implement io.Seeker.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Seek moves to an absolute offset.
func (r *Reader) Seek(offset int64) error {
	s, ok := r.r.(io.Seeker)
	if !ok {
		return ErrNotSeekable
	}
	_, err := s.Seek(offset, io.SeekStart)
	return err
}

// Offset returns the current absolute offset.
func (r *Reader) Offset() (int64, error) {
	s, ok := r.r.(io.Seeker)
	if !ok {
		return 0, ErrNotSeekable
	}
	return s.Seek(0, io.SeekCurrent)
}

func (r *Reader) fill(n int) ([]byte, error) {
	b := r.buf[:n]
	if _, err := io.ReadFull(r.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ReadU8 reads one byte.
func (r *Reader) ReadU8() (uint8, error) {
	b, err := r.fill(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16 reads an unsigned 16-bit integer.
func (r *Reader) ReadU16() (uint16, error) {
	b, err := r.fill(2)
	if err != nil {
		return 0, err
	}
	return ByteOrder.Uint16(b), nil
}

// ReadU32 reads an unsigned 32-bit integer.
func (r *Reader) ReadU32() (uint32, error) {
	b, err := r.fill(4)
	if err != nil {
		return 0, err
	}
	return ByteOrder.Uint32(b), nil
}

// ReadI32 reads a signed 32-bit integer.
func (r *Reader) ReadI32() (int32, error) {
	v, err := r.ReadU32()
	return int32(v), err
}

// ReadF32 reads an IEEE-754 single precision float.
func (r *Reader) ReadF32() (float32, error) {
	v, err := r.ReadU32()
	return math.Float32frombits(v), err
}

// ReadBytes reads exactly n bytes. A stream shorter than n fails with
// io.ErrUnexpectedEOF without allocating n bytes first.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadLength, n)
	}
	if n <= readChunk {
		b := make([]byte, n)
		if _, err := io.ReadFull(r.r, b); err != nil {
			return nil, err
		}
		return b, nil
	}

	var buf bytes.Buffer
	buf.Grow(readChunk)
	got, err := io.CopyN(&buf, r.r, int64(n))
	if err != nil {
		if errors.Is(err, io.EOF) && got > 0 {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadString reads a u32 length prefix followed by that many bytes.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadU32()
	if err != nil {
		return "", err
	}
	if n > MaxStringLen {
		return "", fmt.Errorf("%w: %d", ErrStringTooLong, n)
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadMagic reads len(want) bytes and checks them against want.
func (r *Reader) ReadMagic(want string) error {
	b, err := r.ReadBytes(len(want))
	if err != nil {
		return err
	}
	if string(b) != want {
		return fmt.Errorf("%w: expected %q, got %q", ErrBadMagic, want, b)
	}
	return nil
}

// ReadU16s reads n unsigned 16-bit integers.
func (r *Reader) ReadU16s(n int) ([]uint16, error) {
	b, err := r.ReadBytes(n * 2)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, n)
	for i := range out {
		out[i] = ByteOrder.Uint16(b[i*2:])
	}
	return out, nil
}

// ReadU32s reads n unsigned 32-bit integers.
func (r *Reader) ReadU32s(n int) ([]uint32, error) {
	b, err := r.ReadBytes(n * 4)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = ByteOrder.Uint32(b[i*4:])
	}
	return out, nil
}

// ReadF32s reads n floats.
func (r *Reader) ReadF32s(n int) ([]float32, error) {
	b, err := r.ReadBytes(n * 4)
	if err != nil {
		return nil, err
	}
	return DecodeF32s(b), nil
}

// DecodeF32s converts a little-endian byte slice into floats.
func DecodeF32s(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(ByteOrder.Uint32(b[i*4:]))
	}
	return out
}

// EncodeF32s converts floats into a little-endian byte slice.
func EncodeF32s(v []float32) []byte {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		ByteOrder.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}
