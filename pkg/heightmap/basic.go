package heightmap

import (
	"fmt"

	"github.com/Faultbox/midgard-terrain/pkg/binstream"
)

// Basic stores the grid as dense row-major floats.
//
//	u32 formatId, u32 width, u32 height, width*height f32, u32 0xFFFFFFFF
type Basic struct{}

// ID implements Format.
func (Basic) ID() FormatID { return FormatBasic }

// Encode implements Format.
func (Basic) Encode(w *binstream.Writer, samples []float32, width, height uint32, _ Params) error {
	writePayloadHeader(w, FormatBasic, width, height)
	w.WriteF32s(samples)
	w.WriteU32(Sentinel)
	return w.Err()
}

// Decode implements Format.
func (Basic) Decode(r *binstream.Reader) ([]float32, uint32, uint32, error) {
	width, height, err := readPayloadHeader(r, FormatBasic)
	if err != nil {
		return nil, 0, 0, err
	}
	samples, err := r.ReadF32s(int(width * height))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: reading %dx%d samples", ErrTruncated, width, height)
	}
	if err := readSentinel(r); err != nil {
		return nil, 0, 0, err
	}
	return samples, width, height, nil
}
