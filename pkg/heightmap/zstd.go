package heightmap

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/Faultbox/midgard-terrain/pkg/binstream"
)

// Zstd stores the dense float grid as a single zstd frame.
//
//	u32 formatId, u32 width, u32 height, u32 compressedLength, frame, u32 0xFFFFFFFF
type Zstd struct {
	level zstd.EncoderLevel

	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

// NewZstd returns the zstd format at the default speed level.
func NewZstd() *Zstd {
	return NewZstdLevel(zstd.SpeedDefault)
}

// NewZstdLevel returns the zstd format at a specific encoder level.
func NewZstdLevel(level zstd.EncoderLevel) *Zstd {
	return &Zstd{level: level}
}

func (z *Zstd) init() error {
	z.once.Do(func() {
		z.enc, z.err = zstd.NewWriter(nil, zstd.WithEncoderLevel(z.level))
		if z.err != nil {
			return
		}
		z.dec, z.err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxSamples*4))
	})
	return z.err
}

// ID implements Format.
func (z *Zstd) ID() FormatID { return FormatZstd }

// Encode implements Format.
func (z *Zstd) Encode(w *binstream.Writer, samples []float32, width, height uint32, _ Params) error {
	if err := z.init(); err != nil {
		return fmt.Errorf("initializing zstd: %w", err)
	}
	frame := z.enc.EncodeAll(binstream.EncodeF32s(samples), nil)

	writePayloadHeader(w, FormatZstd, width, height)
	w.WriteU32(uint32(len(frame)))
	w.WriteBytes(frame)
	w.WriteU32(Sentinel)
	return w.Err()
}

// Decode implements Format.
func (z *Zstd) Decode(r *binstream.Reader) ([]float32, uint32, uint32, error) {
	if err := z.init(); err != nil {
		return nil, 0, 0, fmt.Errorf("initializing zstd: %w", err)
	}
	width, height, err := readPayloadHeader(r, FormatZstd)
	if err != nil {
		return nil, 0, 0, err
	}
	n, err := r.ReadU32()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: reading frame length", ErrTruncated)
	}
	if n > MaxSamples*4 {
		return nil, 0, 0, fmt.Errorf("%w: frame length %d", ErrInvalidDimensions, n)
	}
	frame, err := r.ReadBytes(int(n))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: reading frame", ErrTruncated)
	}
	raw, err := z.dec.DecodeAll(frame, make([]byte, 0, int(width*height)*4))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: decompressing: %v", ErrFormatMismatch, err)
	}
	if len(raw) != int(width*height)*4 {
		return nil, 0, 0, fmt.Errorf("%w: frame holds %d bytes for %dx%d", ErrFormatMismatch, len(raw), width, height)
	}
	if err := readSentinel(r); err != nil {
		return nil, 0, 0, err
	}
	return binstream.DecodeF32s(raw), width, height, nil
}
