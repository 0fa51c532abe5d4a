// Package terraintest writes synthetic terrain tiles, header and data
// streams both, for tests of the terrain and streaming packages.
package terraintest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"

	"github.com/Faultbox/midgard-terrain/pkg/binstream"
	"github.com/Faultbox/midgard-terrain/pkg/heightmap"
)

// DataMagic opens every fixture data file so that no block sits at
// offset zero.
const DataMagic = "TDAT"

// Tile describes a tile to synthesize.
type Tile struct {
	ID               int32
	OriginX, OriginY int32
	Width, Height    uint32
	// Depth is the number of quadtree levels below the root.
	Depth int
	// Heights defaults to Ramp(Width, Height).
	Heights []float32
	// Materials is optional; nil writes no material grid.
	Materials []uint16
	// DataFile defaults to "tile<ID>.dat".
	DataFile string
	// Format defaults to heightmap.FormatBasic.
	Format    heightmap.FormatID
	Precision float32
}

// Fixture is a synthesized tile.
type Fixture struct {
	Tile   Tile
	Header []byte
	Data   []byte
	// LODOffsets lists the data file position of every LOD block in
	// depth-first zone order, coarsest LOD first within a zone.
	LODOffsets []uint32
	// ZoneHeaderOffsets lists the header position of every zone record
	// in depth-first order.
	ZoneHeaderOffsets []uint32
}

// Ramp returns a deterministic, non-flat width x height grid.
func Ramp(width, height uint32) []float32 {
	out := make([]float32, width*height)
	for y := uint32(0); y < height; y++ {
		for x := uint32(0); x < width; x++ {
			out[y*width+x] = float32((x*31+y*17)%23)*0.5 + float32(y)
		}
	}
	return out
}

// Checker returns a material grid that alternates between ids a and b
// in blocks of cell samples.
func Checker(width, height, cell uint32, a, b uint16) []uint16 {
	out := make([]uint16, width*height)
	for y := uint32(0); y < height; y++ {
		for x := uint32(0); x < width; x++ {
			if ((x/cell)+(y/cell))%2 == 0 {
				out[y*width+x] = a
			} else {
				out[y*width+x] = b
			}
		}
	}
	return out
}

// Build synthesizes a single tile whose header starts at offset 0.
func Build(tile Tile) (*Fixture, error) {
	var header bytes.Buffer
	return build(&header, tile)
}

// Pack is several tiles sharing one header stream.
type Pack struct {
	Header  []byte
	Offsets []uint32
	Tiles   []*Fixture
	FS      FS
}

// BuildPack writes the headers of all tiles back to back and gives every
// tile its own data file.
func BuildPack(tiles ...Tile) (*Pack, error) {
	var header bytes.Buffer
	p := &Pack{FS: FS{}}
	for _, tile := range tiles {
		off := uint32(header.Len())
		f, err := build(&header, tile)
		if err != nil {
			return nil, err
		}
		p.Offsets = append(p.Offsets, off)
		p.Tiles = append(p.Tiles, f)
		p.FS[f.Tile.DataFile] = f.Data
	}
	p.Header = header.Bytes()
	for _, f := range p.Tiles {
		f.Header = p.Header
	}
	return p, nil
}

type lodSpec struct {
	maxError   float32
	medError   float32
	indices    []uint32
	blocks     []blockSpec
	fileOffset uint32
}

type blockSpec struct {
	first, count uint32
	materials    []uint16
}

type zoneSpec struct {
	level          uint8
	ox, oy         uint32
	w, h           uint32
	hmin, hmax     float32
	dataOffset     uint32
	vertexOffset   uint32
	vertexCount    uint32
	lods           []lodSpec
	children       []*zoneSpec
	headerChildPos [4]int
}

func build(header *bytes.Buffer, tile Tile) (*Fixture, error) {
	if tile.Width < 2 || tile.Height < 2 {
		return nil, fmt.Errorf("terraintest: tile %dx%d too small", tile.Width, tile.Height)
	}
	if tile.Depth < 0 || tile.Depth > 15 {
		return nil, fmt.Errorf("terraintest: depth %d", tile.Depth)
	}
	for _, n := range []uint32{tile.Width, tile.Height} {
		if tile.Depth > 0 && ((n-1)%(1<<tile.Depth) != 0 || (n-1)>>tile.Depth < 1) {
			return nil, fmt.Errorf("terraintest: size %d cannot be split %d times", n, tile.Depth)
		}
	}
	if tile.Heights == nil {
		tile.Heights = Ramp(tile.Width, tile.Height)
	}
	if uint32(len(tile.Heights)) != tile.Width*tile.Height {
		return nil, errors.New("terraintest: heights do not match tile size")
	}
	if tile.Materials != nil && uint32(len(tile.Materials)) != tile.Width*tile.Height {
		return nil, errors.New("terraintest: materials do not match tile size")
	}
	if tile.DataFile == "" {
		tile.DataFile = fmt.Sprintf("tile%d.dat", tile.ID)
	}
	if tile.Format == 0 {
		tile.Format = heightmap.FormatBasic
	}

	f := &Fixture{Tile: tile}

	var data bytes.Buffer
	data.WriteString(DataMagic)
	hmOffset := uint32(data.Len())
	codecs := heightmap.NewDefaultRegistry()
	if err := codecs.Write(&data, tile.Format, tile.Heights, tile.Width, tile.Height,
		heightmap.Params{Precision: tile.Precision}); err != nil {
		return nil, err
	}
	var matOffset uint32
	if tile.Materials != nil {
		matOffset = uint32(data.Len())
		if err := heightmap.WriteMaterials(&data, tile.Materials, tile.Width, tile.Height); err != nil {
			return nil, err
		}
	}

	root := &zoneSpec{w: tile.Width, h: tile.Height}
	split(root, tile.Depth)
	if err := writeData(&data, root, tile, f); err != nil {
		return nil, err
	}
	f.Data = data.Bytes()

	hw := binstream.NewWriter(header)
	hw.WriteMagic("ZONE")
	hw.WriteI32(tile.ID)
	hw.WriteI32(tile.OriginX)
	hw.WriteI32(tile.OriginY)
	hw.WriteU32(tile.Width)
	hw.WriteU32(tile.Height)
	hw.WriteString(tile.DataFile)
	hw.WriteU32(uint32(len(DataMagic)))
	hw.WriteU32(hmOffset)
	hw.WriteU32(matOffset)
	if err := hw.Err(); err != nil {
		return nil, err
	}
	if err := writeHeader(header, root, f); err != nil {
		return nil, err
	}
	f.Header = header.Bytes()
	return f, nil
}

func split(z *zoneSpec, depth int) {
	if depth == 0 {
		return
	}
	hw, hh := (z.w-1)/2, (z.h-1)/2
	for k := 0; k < 4; k++ {
		c := &zoneSpec{level: z.level + 1, ox: z.ox, oy: z.oy, w: hw + 1, h: hh + 1}
		if k&1 != 0 {
			c.ox += hw
		}
		if k&2 != 0 {
			c.oy += hh
		}
		split(c, depth-1)
		z.children = append(z.children, c)
	}
}

func writeData(data *bytes.Buffer, z *zoneSpec, tile Tile, f *Fixture) error {
	w := binstream.NewWriter(data)
	z.dataOffset = uint32(data.Len())
	z.vertexOffset = z.dataOffset
	z.vertexCount = z.w * z.h

	z.hmin, z.hmax = tile.Heights[z.oy*tile.Width+z.ox], tile.Heights[z.oy*tile.Width+z.ox]
	mats := map[uint16]struct{}{}
	for row := uint32(0); row < z.h; row++ {
		for col := uint32(0); col < z.w; col++ {
			w.WriteU16(uint16(row))
			w.WriteU16(uint16(col))
			i := (z.oy+row)*tile.Width + z.ox + col
			z.hmin = min(z.hmin, tile.Heights[i])
			z.hmax = max(z.hmax, tile.Heights[i])
			if tile.Materials != nil {
				mats[tile.Materials[i]] = struct{}{}
			}
		}
	}
	distinct := make([]uint16, 0, len(mats))
	for id := range mats {
		distinct = append(distinct, id)
	}
	sort.Slice(distinct, func(i, j int) bool { return distinct[i] < distinct[j] })

	last := z.w*z.h - 1
	coarse := []uint32{0, z.w - 1, last, 0, last, last - (z.w - 1)}
	var fine []uint32
	for row := uint32(0); row+1 < z.h; row++ {
		for col := uint32(0); col+1 < z.w; col++ {
			a := row*z.w + col
			b, c, d := a+1, a+z.w, a+z.w+1
			fine = append(fine, a, b, d, a, d, c)
		}
	}
	z.lods = []lodSpec{
		{maxError: z.hmax - z.hmin, medError: (z.hmax - z.hmin) / 2, indices: coarse},
		{indices: fine},
	}
	for i := range z.lods {
		l := &z.lods[i]
		l.blocks = makeBlocks(uint32(len(l.indices)/3), distinct)
		l.fileOffset = uint32(data.Len())
		f.LODOffsets = append(f.LODOffsets, l.fileOffset)
		w.WriteMagic("LD")
		w.WriteU16(uint16(i))
		w.WriteU32s(l.indices)
	}
	if err := w.Err(); err != nil {
		return err
	}
	for _, c := range z.children {
		if err := writeData(data, c, tile, f); err != nil {
			return err
		}
	}
	return nil
}

// makeBlocks spreads the triangles over groups of at most three materials.
func makeBlocks(triangles uint32, materials []uint16) []blockSpec {
	var groups [][]uint16
	for i := 0; i < len(materials); i += 3 {
		groups = append(groups, materials[i:min(i+3, len(materials))])
	}
	if len(groups) == 0 {
		groups = [][]uint16{nil}
	}
	if uint32(len(groups)) > triangles {
		groups = groups[:triangles]
	}
	n := uint32(len(groups))
	blocks := make([]blockSpec, n)
	for i := uint32(0); i < n; i++ {
		first := i * triangles / n
		end := (i + 1) * triangles / n
		blocks[i] = blockSpec{first: first * 3, count: (end - first) * 3, materials: groups[i]}
	}
	return blocks
}

func writeHeader(header *bytes.Buffer, z *zoneSpec, f *Fixture) error {
	f.ZoneHeaderOffsets = append(f.ZoneHeaderOffsets, uint32(header.Len()))
	w := binstream.NewWriter(header)
	w.WriteMagic("LV")
	w.WriteU8(z.level)
	w.WriteU32(z.dataOffset)
	w.WriteU32(z.ox)
	w.WriteU32(z.oy)
	w.WriteF32(z.hmin)
	w.WriteF32(z.hmax)
	for k := 0; k < 4; k++ {
		z.headerChildPos[k] = header.Len()
		w.WriteU32(0)
	}
	w.WriteU32(z.vertexCount)
	w.WriteU32(z.vertexOffset)
	w.WriteU32(uint32(len(z.lods)))
	for i, l := range z.lods {
		w.WriteMagic("LD")
		w.WriteU16(uint16(i))
		w.WriteF32(l.maxError)
		w.WriteF32(0)
		w.WriteF32(l.medError)
		w.WriteF32(l.medError / 2)
		w.WriteU32(uint32(len(l.indices)))
		w.WriteU32(l.fileOffset)
		w.WriteU32(uint32(len(l.blocks)))
		for _, b := range l.blocks {
			w.WriteU32(b.first)
			w.WriteU32(b.count)
			w.WriteU8(uint8(len(b.materials)))
			w.WriteU8(0)
			var ids [3]uint16
			copy(ids[:], b.materials)
			w.WriteU16s(ids[:])
		}
	}
	if err := w.Err(); err != nil {
		return err
	}
	for k, c := range z.children {
		pos := uint32(header.Len())
		if err := writeHeader(header, c, f); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(header.Bytes()[z.headerChildPos[k]:], pos)
	}
	return nil
}

// FS serves fixture data files from memory.
type FS map[string][]byte

// Open returns a reader over the named file.
func (m FS) Open(name string) (io.ReadSeekCloser, error) {
	data, ok := m[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return nopCloser{bytes.NewReader(data)}, nil
}

type nopCloser struct{ *bytes.Reader }

func (nopCloser) Close() error { return nil }
