package heightmap

import (
	"fmt"
	"math"

	"github.com/Faultbox/midgard-terrain/pkg/binstream"
)

// deltaEscape marks a sample stored as a raw float.
const deltaEscape = 0x80

// Delta quantizes each sample against an already reconstructed neighbour:
// the left one, or the one above for the first column.
//
//	u32 formatId, u32 width, u32 height, f32 precision
//	f32 sample[0]
//	per remaining sample: i8 q in [-127,127]  or  0x80 + f32 raw
//	u32 0xFFFFFFFF
//
// A decoded sample differs from the source by at most precision/2; escaped
// samples are exact. Predictions use reconstructed values, so the error does
// not accumulate along a row.
type Delta struct{}

// ID implements Format.
func (Delta) ID() FormatID { return FormatDelta }

// Encode implements Format.
func (Delta) Encode(w *binstream.Writer, samples []float32, width, height uint32, p Params) error {
	if !(p.Precision > 0) || math.IsInf(float64(p.Precision), 0) {
		return fmt.Errorf("%w: precision %v", ErrInvalidParams, p.Precision)
	}
	writePayloadHeader(w, FormatDelta, width, height)
	w.WriteF32(p.Precision)

	recon := make([]float32, len(samples))
	recon[0] = samples[0]
	w.WriteF32(samples[0])
	for i := 1; i < len(samples); i++ {
		pred := deltaPredict(recon, i, width)
		q := math.Round(float64(samples[i]-pred) / float64(p.Precision))
		if q >= -127 && q <= 127 {
			w.WriteU8(uint8(int8(q)))
			recon[i] = pred + float32(q)*p.Precision
			continue
		}
		w.WriteU8(deltaEscape)
		w.WriteF32(samples[i])
		recon[i] = samples[i]
	}
	w.WriteU32(Sentinel)
	return w.Err()
}

// Decode implements Format.
func (Delta) Decode(r *binstream.Reader) ([]float32, uint32, uint32, error) {
	width, height, err := readPayloadHeader(r, FormatDelta)
	if err != nil {
		return nil, 0, 0, err
	}
	precision, err := r.ReadF32()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: reading precision", ErrTruncated)
	}
	if !(precision > 0) {
		return nil, 0, 0, fmt.Errorf("%w: stored precision %v", ErrInvalidParams, precision)
	}

	samples := make([]float32, int(width*height))
	if samples[0], err = r.ReadF32(); err != nil {
		return nil, 0, 0, fmt.Errorf("%w: reading first sample", ErrTruncated)
	}
	for i := 1; i < len(samples); i++ {
		code, err := r.ReadU8()
		if err != nil {
			return nil, 0, 0, fmt.Errorf("%w: reading sample %d", ErrTruncated, i)
		}
		if code == deltaEscape {
			if samples[i], err = r.ReadF32(); err != nil {
				return nil, 0, 0, fmt.Errorf("%w: reading escaped sample %d", ErrTruncated, i)
			}
			continue
		}
		samples[i] = deltaPredict(samples, i, width) + float32(int8(code))*precision
	}
	if err := readSentinel(r); err != nil {
		return nil, 0, 0, err
	}
	return samples, width, height, nil
}

func deltaPredict(recon []float32, i int, width uint32) float32 {
	if uint32(i)%width != 0 {
		return recon[i-1]
	}
	return recon[i-int(width)]
}
