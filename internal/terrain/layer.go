package terrain

import (
	"fmt"
	"sync/atomic"
)

// MaterialID identifies a terrain material in the material grid and in
// render blocks.
type MaterialID uint16

// SharedBuffer is a row-major sample grid shared by every layer view cut
// from it. The samples are dropped when the last view is destroyed; a
// sample racing with that drop misses instead of reading freed data.
type SharedBuffer[T any] struct {
	data          atomic.Pointer[[]T]
	width, height uint32
	refs          atomic.Int32
}

// NewSharedBuffer wraps a width x height row-major grid. The buffer holds no
// references until a layer is built over it.
func NewSharedBuffer[T any](data []T, width, height uint32) (*SharedBuffer[T], error) {
	if width == 0 || height == 0 || uint64(len(data)) != uint64(width)*uint64(height) {
		return nil, fmt.Errorf("%w: %d samples for %dx%d grid", ErrFormatMismatch, len(data), width, height)
	}
	b := &SharedBuffer[T]{width: width, height: height}
	b.data.Store(&data)
	return b, nil
}

func (b *SharedBuffer[T]) samples() []T {
	if p := b.data.Load(); p != nil {
		return *p
	}
	return nil
}

// Refs returns the number of live views.
func (b *SharedBuffer[T]) Refs() int32 { return b.refs.Load() }

// Released reports whether the samples have been dropped.
func (b *SharedBuffer[T]) Released() bool { return b.data.Load() == nil }

// Len returns the number of samples still held.
func (b *SharedBuffer[T]) Len() int { return len(b.samples()) }

func (b *SharedBuffer[T]) acquire() { b.refs.Add(1) }

func (b *SharedBuffer[T]) release() {
	if b.refs.Add(-1) == 0 {
		b.data.Store(nil)
	}
}

// Layer is a read-only rectangular window over a SharedBuffer.
// Sample(x, y) resolves to data[offset + x + y*stride].
type Layer[T any] struct {
	buf           *SharedBuffer[T]
	width, height uint32
	stride        uint32
	offset        uint32
}

// HeightmapLayer is a window over elevation samples.
type HeightmapLayer = Layer[float32]

// MaterialLayer is a window over material ids.
type MaterialLayer = Layer[MaterialID]

// NewLayer returns a view over the whole buffer.
func NewLayer[T any](buf *SharedBuffer[T]) *Layer[T] {
	buf.acquire()
	return &Layer[T]{
		buf:    buf,
		width:  buf.width,
		height: buf.height,
		stride: buf.width,
	}
}

// Valid reports whether the view still references a buffer.
func (l *Layer[T]) Valid() bool { return l != nil && l.buf != nil }

// Size returns the window dimensions in samples.
func (l *Layer[T]) Size() (uint32, uint32) { return l.width, l.height }

// Stride returns the row stride of the underlying buffer.
func (l *Layer[T]) Stride() uint32 { return l.stride }

// Offset returns the index of the window's first sample in the buffer.
func (l *Layer[T]) Offset() uint32 { return l.offset }

// Origin returns the window's top-left corner in buffer coordinates.
func (l *Layer[T]) Origin() (uint32, uint32) {
	if l.stride == 0 {
		return 0, 0
	}
	return l.offset % l.stride, l.offset / l.stride
}

// Sample returns the value at (x, y) inside the window. It reports false
// outside the window or once the buffer was dropped. The view itself must
// not be destroyed concurrently; zones keep their views alive while the
// tile's matching usage counter is held.
func (l *Layer[T]) Sample(x, y uint32) (T, bool) {
	var zero T
	if !l.Valid() || x >= l.width || y >= l.height {
		return zero, false
	}
	i := uint64(l.offset) + uint64(x) + uint64(y)*uint64(l.stride)
	data := l.buf.samples()
	if i >= uint64(len(data)) {
		return zero, false
	}
	return data[i], true
}

// Quadrant derives the window of child slot q (0..3). Bit 0 selects the
// right half, bit 1 the lower half. Child windows are width/2+1 wide so
// neighbouring children share their boundary row or column.
func (l *Layer[T]) Quadrant(q uint8) (*Layer[T], error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: quadrant of a released layer", ErrPrecondition)
	}
	if q > 3 {
		return nil, fmt.Errorf("%w: quadrant %d", ErrPrecondition, q)
	}
	if l.width < 2 || l.height < 2 {
		return nil, fmt.Errorf("%w: cannot split a %dx%d layer", ErrCorruptZoneData, l.width, l.height)
	}
	half := [2]uint32{l.width / 2, l.height / 2}
	offset := l.offset
	if q&1 != 0 {
		offset += half[0]
	}
	if q&2 != 0 {
		offset += half[1] * l.stride
	}
	l.buf.acquire()
	return &Layer[T]{
		buf:    l.buf,
		width:  half[0] + 1,
		height: half[1] + 1,
		stride: l.stride,
		offset: offset,
	}, nil
}

// Destroy drops the view's buffer reference and zeroes it. Destroying an
// already destroyed layer does nothing.
func (l *Layer[T]) Destroy() {
	if !l.Valid() {
		return
	}
	l.buf.release()
	*l = Layer[T]{}
}
