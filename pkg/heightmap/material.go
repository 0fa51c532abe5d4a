package heightmap

import (
	"errors"
	"fmt"
	"io"

	"github.com/Faultbox/midgard-terrain/pkg/binstream"
)

// MaterialMagic opens a material grid container.
const MaterialMagic = "MTL "

// ErrInvalidMaterialMagic is returned when a material grid does not start
// with "MTL ".
var ErrInvalidMaterialMagic = errors.New("invalid material grid magic: expected 'MTL '")

// WriteMaterials writes a width x height row-major grid of material ids.
//
//	"MTL ", u32 width, u32 height, width*height u16, u32 0xFFFFFFFF
func WriteMaterials(w io.Writer, ids []uint16, width, height uint32) error {
	if err := checkDimensions(width, height); err != nil {
		return err
	}
	if uint64(len(ids)) != uint64(width)*uint64(height) {
		return fmt.Errorf("%w: %d material ids for %dx%d", ErrInvalidDimensions, len(ids), width, height)
	}
	bw := binstream.NewWriter(w)
	bw.WriteMagic(MaterialMagic)
	bw.WriteU32(width)
	bw.WriteU32(height)
	bw.WriteU16s(ids)
	bw.WriteU32(Sentinel)
	return bw.Err()
}

// ReadMaterials reads a material grid. On failure it returns nil ids and
// zero dimensions.
func ReadMaterials(r *binstream.Reader) ([]uint16, uint32, uint32, error) {
	if err := r.ReadMagic(MaterialMagic); err != nil {
		if errors.Is(err, binstream.ErrBadMagic) {
			return nil, 0, 0, ErrInvalidMaterialMagic
		}
		return nil, 0, 0, fmt.Errorf("%w: reading material magic", ErrTruncated)
	}
	width, err := r.ReadU32()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: reading material width", ErrTruncated)
	}
	height, err := r.ReadU32()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: reading material height", ErrTruncated)
	}
	if err := checkDimensions(width, height); err != nil {
		return nil, 0, 0, err
	}
	ids, err := r.ReadU16s(int(width * height))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: reading material ids", ErrTruncated)
	}
	if err := readSentinel(r); err != nil {
		return nil, 0, 0, err
	}
	return ids, width, height, nil
}
