package terrain

import (
	"fmt"

	"github.com/Faultbox/midgard-terrain/pkg/binstream"
)

const (
	lodMagic = "LD"

	// MaxBlockMaterials is the largest material blend of one render block.
	MaxBlockMaterials = 3

	// maxIndicesPerVertex bounds a LOD's triangle list by its vertex table:
	// a planar triangulation has fewer than two triangles per vertex.
	maxIndicesPerVertex = 6
)

// RenderBlock is a contiguous run of a LOD's index buffer that shares one
// material blend.
type RenderBlock struct {
	FirstIndex  uint32
	Count       uint32
	MaterialIDs []MaterialID
	// Materials holds the live handles for MaterialIDs once resolved.
	Materials []MaterialHandle
}

// LevelOfDetail is one mesh resolution of a zone.
type LevelOfDetail struct {
	Index      uint16
	MaxError   float32
	MinError   float32
	MedError   float32
	MedDelta   float32
	FaceCount  uint32
	FileOffset uint32

	// Indices is the flat triangle list, indexing the zone's vertex table.
	Indices []uint32
	Blocks  []RenderBlock
}

// Loaded reports whether the index buffer has been read.
func (l *LevelOfDetail) Loaded() bool { return l.Indices != nil }

// readLODHeader reads one "LD" record of a zone whose vertex table holds
// vertexCount entries.
func readLODHeader(r *binstream.Reader, vertexCount uint32) (LevelOfDetail, error) {
	var lod LevelOfDetail
	if err := r.ReadMagic(lodMagic); err != nil {
		return lod, fmt.Errorf("%w: lod header: %v", ErrCorruptZoneData, err)
	}

	var err error
	read := func(name string, fn func() error) {
		if err == nil {
			if e := fn(); e != nil {
				err = fmt.Errorf("%w: reading lod %s: %v", ErrCorruptZoneData, name, e)
			}
		}
	}
	read("index", func() (e error) { lod.Index, e = r.ReadU16(); return })
	read("max error", func() (e error) { lod.MaxError, e = r.ReadF32(); return })
	read("min error", func() (e error) { lod.MinError, e = r.ReadF32(); return })
	read("median error", func() (e error) { lod.MedError, e = r.ReadF32(); return })
	read("median delta", func() (e error) { lod.MedDelta, e = r.ReadF32(); return })
	read("face count", func() (e error) { lod.FaceCount, e = r.ReadU32(); return })
	read("file offset", func() (e error) { lod.FileOffset, e = r.ReadU32(); return })
	var blockCount uint32
	read("render block count", func() (e error) { blockCount, e = r.ReadU32(); return })
	if err != nil {
		return lod, err
	}
	if uint64(lod.FaceCount) > uint64(vertexCount)*maxIndicesPerVertex {
		return lod, fmt.Errorf("%w: lod %d declares %d indices for %d vertices", ErrCorruptZoneData, lod.Index, lod.FaceCount, vertexCount)
	}
	if lod.FaceCount%3 != 0 {
		return lod, fmt.Errorf("%w: lod %d face count %d is not a triangle list", ErrCorruptZoneData, lod.Index, lod.FaceCount)
	}
	if blockCount > lod.FaceCount/3+1 {
		return lod, fmt.Errorf("%w: lod %d declares %d render blocks for %d indices", ErrCorruptZoneData, lod.Index, blockCount, lod.FaceCount)
	}

	// Grown as records arrive so a short stream fails before a large count
	// is allocated.
	lod.Blocks = make([]RenderBlock, 0, min(blockCount, 64))
	for i := 0; i < int(blockCount); i++ {
		block, err := readRenderBlock(r)
		if err != nil {
			return lod, fmt.Errorf("lod %d block %d: %w", lod.Index, i, err)
		}
		if uint64(block.FirstIndex)+uint64(block.Count) > uint64(lod.FaceCount) {
			return lod, fmt.Errorf("%w: lod %d block %d covers [%d,+%d) of %d indices",
				ErrCorruptZoneData, lod.Index, i, block.FirstIndex, block.Count, lod.FaceCount)
		}
		lod.Blocks = append(lod.Blocks, block)
	}
	return lod, nil
}

// readRenderBlock reads the fixed 16-byte record
// (u32 first, u32 count, u8 matCount, u8 reserved, u16 ids[3]).
func readRenderBlock(r *binstream.Reader) (RenderBlock, error) {
	var block RenderBlock
	var err error
	if block.FirstIndex, err = r.ReadU32(); err != nil {
		return block, fmt.Errorf("%w: reading first index: %v", ErrCorruptZoneData, err)
	}
	if block.Count, err = r.ReadU32(); err != nil {
		return block, fmt.Errorf("%w: reading count: %v", ErrCorruptZoneData, err)
	}
	raw, err := r.ReadBytes(2)
	if err != nil {
		return block, fmt.Errorf("%w: reading material count: %v", ErrCorruptZoneData, err)
	}
	count := int(raw[0])
	if count > MaxBlockMaterials {
		return block, fmt.Errorf("%w: %d materials in one block", ErrCorruptZoneData, count)
	}
	ids, err := r.ReadU16s(MaxBlockMaterials)
	if err != nil {
		return block, fmt.Errorf("%w: reading material ids: %v", ErrCorruptZoneData, err)
	}
	block.MaterialIDs = make([]MaterialID, count)
	for i := range block.MaterialIDs {
		block.MaterialIDs[i] = MaterialID(ids[i])
	}
	return block, nil
}

// readData reads the LOD's data block and checks every index against the
// vertex table.
func (l *LevelOfDetail) readData(r *binstream.Reader, vertexCount int) error {
	if err := r.Seek(int64(l.FileOffset)); err != nil {
		return fmt.Errorf("%w: seeking lod %d data: %v", ErrCorruptZoneData, l.Index, err)
	}
	if err := r.ReadMagic(lodMagic); err != nil {
		return fmt.Errorf("%w: lod %d data: %v", ErrCorruptZoneData, l.Index, err)
	}
	index, err := r.ReadU16()
	if err != nil {
		return fmt.Errorf("%w: reading lod %d data index: %v", ErrCorruptZoneData, l.Index, err)
	}
	if index != l.Index {
		return fmt.Errorf("%w: lod data index %d, header declares %d", ErrCorruptZoneData, index, l.Index)
	}
	indices, err := r.ReadU32s(int(l.FaceCount))
	if err != nil {
		return fmt.Errorf("%w: reading lod %d indices: %v", ErrCorruptZoneData, l.Index, err)
	}
	for i, idx := range indices {
		if int(idx) >= vertexCount {
			return fmt.Errorf("%w: lod %d index %d references vertex %d of %d",
				ErrCorruptZoneData, l.Index, i, idx, vertexCount)
		}
	}
	l.Indices = indices
	return nil
}
