// Package terrain implements the quadtree of streamable terrain tiles:
// zones parsed from a header stream, filled from a data stream, and turned
// into renderer buffers at a chosen level of detail.
package terrain

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/Faultbox/midgard-terrain/pkg/binstream"
)

const (
	zoneMagic = "LV"

	// MaxZoneLevel is the deepest level a 32-bit path can address.
	MaxZoneLevel = 15

	maxLODCount = 64

	// NoLOD is the current LOD of a zone that has not published buffers.
	NoLOD = -1

	noZone int32 = -1
)

// ZoneState is the loading stage of a zone.
type ZoneState uint32

// Zone states, in the order a zone moves through them.
const (
	StateEmpty ZoneState = iota
	StateHeaderOnly
	StateDataLoaded
	StateRendererActive
)

func (s ZoneState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateHeaderOnly:
		return "header-only"
	case StateDataLoaded:
		return "data-loaded"
	case StateRendererActive:
		return "renderer-active"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// GridCoord is a vertex position in zone-local grid samples.
type GridCoord struct {
	Row uint16
	Col uint16
}

// Bounds is a world-space axis-aligned box.
type Bounds struct {
	Min mgl32.Vec3
	Max mgl32.Vec3
}

// Zone is one node of a tile's quadtree. Zones live in their TopZone's
// arena; parent and children are arena indices and never own anything.
//
// Header fields, vertex table and LOD buffers are written by one loader
// goroutine. Once State reports StateDataLoaded they are read-only until
// the tile is unloaded.
type Zone struct {
	top      *TopZone
	index    int32
	parent   int32
	slot     uint8
	children [4]int32

	level             uint8
	path              uint32
	dataOffset        uint32
	origin            [2]uint32
	heightMin         float32
	heightMax         float32
	vertexTableSize   uint32
	vertexTableOffset uint32
	lods              []LevelOfDetail

	vertices  []GridCoord
	heightmap *HeightmapLayer
	material  *MaterialLayer

	state atomic.Uint32

	refMu    sync.Mutex
	refCount uint32

	rmu        sync.Mutex
	renderer   Renderer
	currentLOD int
	resolved   bool
	lightmap   LightmapHandle
}

func (z *Zone) reset() {
	z.parent = noZone
	z.children = [4]int32{noZone, noZone, noZone, noZone}
	z.currentLOD = NoLOD
}

// Top returns the tile this zone belongs to.
func (z *Zone) Top() *TopZone { return z.top }

// Level returns the depth below the tile root.
func (z *Zone) Level() uint8 { return z.level }

// Path returns the packed 2-bit child slots leading to this zone.
func (z *Zone) Path() uint32 { return z.path }

// Slot returns the child slot this zone occupies under its parent.
func (z *Zone) Slot() uint8 { return z.slot }

// HeightmapOrigin returns the zone's offset inside the tile heightmap.
func (z *Zone) HeightmapOrigin() (uint32, uint32) { return z.origin[0], z.origin[1] }

// HeightRange returns the cached vertical extent of the zone.
func (z *Zone) HeightRange() (float32, float32) { return z.heightMin, z.heightMax }

// DataOffset returns the offset of the zone's own block in the data file.
func (z *Zone) DataOffset() uint32 { return z.dataOffset }

// State returns the current loading stage.
func (z *Zone) State() ZoneState { return ZoneState(z.state.Load()) }

// DataLoaded reports whether vertex table and LOD buffers are available.
func (z *Zone) DataLoaded() bool { return z.State() >= StateDataLoaded }

// LODs returns the level of detail descriptors, coarsest first.
func (z *Zone) LODs() []LevelOfDetail { return z.lods }

// VertexTable returns the grid coordinates shared by every LOD.
func (z *Zone) VertexTable() []GridCoord { return z.vertices }

// Heightmap returns the zone's heightmap window, nil before data loading.
func (z *Zone) Heightmap() *HeightmapLayer { return z.heightmap }

// Material returns the zone's material window, nil when the tile has no
// material grid or before data loading.
func (z *Zone) Material() *MaterialLayer { return z.material }

// IsLeaf reports whether the zone has no children.
func (z *Zone) IsLeaf() bool { return z.children[0] == noZone }

// Children returns the four children, or nil for a leaf.
func (z *Zone) Children() []*Zone {
	if z.IsLeaf() {
		return nil
	}
	out := make([]*Zone, 4)
	for i, idx := range z.children {
		out[i] = z.top.zones[idx]
	}
	return out
}

// Parent returns the parent zone, nil at the tile root.
func (z *Zone) Parent() *Zone {
	if z.parent == noZone {
		return nil
	}
	return z.top.zones[z.parent]
}

// GridSize returns the zone's window size in samples.
func (z *Zone) GridSize() (uint32, uint32) {
	return ((z.top.size[0] - 1) >> z.level) + 1, ((z.top.size[1] - 1) >> z.level) + 1
}

// readHeader parses the "LV" record at the reader's position and then the
// records of all descendants.
func (z *Zone) readHeader(r *binstream.Reader, parent *Zone, slot uint8) error {
	if err := r.ReadMagic(zoneMagic); err != nil {
		return fmt.Errorf("%w: zone header: %v", ErrCorruptZoneData, err)
	}

	var err error
	read := func(name string, fn func() error) {
		if err == nil {
			if e := fn(); e != nil {
				err = fmt.Errorf("%w: reading zone %s: %v", ErrCorruptZoneData, name, e)
			}
		}
	}
	var childOffsets [4]uint32
	var lodCount uint32
	read("level", func() (e error) { z.level, e = r.ReadU8(); return })
	read("data offset", func() (e error) { z.dataOffset, e = r.ReadU32(); return })
	read("origin x", func() (e error) { z.origin[0], e = r.ReadU32(); return })
	read("origin y", func() (e error) { z.origin[1], e = r.ReadU32(); return })
	read("height min", func() (e error) { z.heightMin, e = r.ReadF32(); return })
	read("height max", func() (e error) { z.heightMax, e = r.ReadF32(); return })
	for i := range childOffsets {
		read("child offset", func() (e error) { childOffsets[i], e = r.ReadU32(); return })
	}
	read("vertex table size", func() (e error) { z.vertexTableSize, e = r.ReadU32(); return })
	read("vertex table offset", func() (e error) { z.vertexTableOffset, e = r.ReadU32(); return })
	read("lod count", func() (e error) { lodCount, e = r.ReadU32(); return })
	if err != nil {
		return err
	}

	wantLevel := uint8(0)
	if parent != nil {
		wantLevel = parent.level + 1
	}
	if z.level != wantLevel || z.level > MaxZoneLevel {
		return fmt.Errorf("%w: zone level %d, expected %d", ErrCorruptZoneData, z.level, wantLevel)
	}
	if z.heightMin > z.heightMax {
		return fmt.Errorf("%w: height range [%v, %v]", ErrCorruptZoneData, z.heightMin, z.heightMax)
	}
	if lodCount > maxLODCount {
		return fmt.Errorf("%w: %d lods", ErrCorruptZoneData, lodCount)
	}
	w, h := z.GridSize()
	if uint64(z.vertexTableSize) > uint64(w)*uint64(h) {
		return fmt.Errorf("%w: %d vertices in a %dx%d zone", ErrCorruptZoneData, z.vertexTableSize, w, h)
	}

	z.slot = slot
	if parent != nil {
		z.path = parent.path | uint32(slot)<<(2*uint32(parent.level))
	}

	z.lods = make([]LevelOfDetail, lodCount)
	for i := range z.lods {
		lod, err := readLODHeader(r, z.vertexTableSize)
		if err != nil {
			return fmt.Errorf("zone level %d path %#x: %w", z.level, z.path, err)
		}
		if lod.Index != uint16(i) {
			return fmt.Errorf("%w: lod %d declares index %d", ErrCorruptZoneData, i, lod.Index)
		}
		z.lods[i] = lod
	}

	leafSlots := 0
	for _, off := range childOffsets {
		if off == 0 {
			leafSlots++
		}
	}
	switch leafSlots {
	case 4:
		z.state.Store(uint32(StateHeaderOnly))
		return nil
	case 0:
	default:
		return fmt.Errorf("%w: zone level %d has %d of 4 children", ErrCorruptZoneData, z.level, 4-leafSlots)
	}

	if w < 3 || h < 3 || w%2 == 0 || h%2 == 0 || z.level == MaxZoneLevel {
		return fmt.Errorf("%w: %dx%d zone at level %d cannot be split", ErrCorruptZoneData, w, h, z.level)
	}
	for k, off := range childOffsets {
		if err := r.Seek(int64(off)); err != nil {
			return fmt.Errorf("%w: seeking child %d: %v", ErrCorruptZoneData, k, err)
		}
		child := z.top.newZone(z.index)
		z.children[k] = child.index
		if err := child.readHeader(r, z, uint8(k)); err != nil {
			return err
		}
	}
	z.state.Store(uint32(StateHeaderOnly))
	return nil
}

// InitData fills the vertex table, the LOD index buffers and the layer
// windows of this zone and all descendants. It takes ownership of hm and
// mat (mat may be nil): on failure both are released together with any
// partially loaded descendant data.
func (z *Zone) InitData(r *binstream.Reader, hm *HeightmapLayer, mat *MaterialLayer) error {
	if s := z.State(); s != StateHeaderOnly {
		hm.Destroy()
		mat.Destroy()
		return fmt.Errorf("%w: data load in state %s", ErrPrecondition, s)
	}
	if err := z.initData(r, hm, mat); err != nil {
		z.unloadData()
		return err
	}
	return nil
}

func (z *Zone) initData(r *binstream.Reader, hm *HeightmapLayer, mat *MaterialLayer) error {
	// Owned from here on, so a failure below releases them via unloadData.
	z.heightmap, z.material = hm, mat

	if !hm.Valid() {
		return fmt.Errorf("%w: data load without heightmap", ErrPrecondition)
	}
	if err := z.checkWindow("heightmap", hm.Size, hm.Origin); err != nil {
		return err
	}
	if mat.Valid() {
		if err := z.checkWindow("material", mat.Size, mat.Origin); err != nil {
			return err
		}
	}
	if err := z.checkOffsets(); err != nil {
		return err
	}

	if err := r.Seek(int64(z.vertexTableOffset)); err != nil {
		return fmt.Errorf("%w: seeking vertex table: %v", ErrCorruptZoneData, err)
	}
	raw, err := r.ReadU16s(int(z.vertexTableSize) * 2)
	if err != nil {
		return fmt.Errorf("%w: reading %d vertices: %v", ErrCorruptZoneData, z.vertexTableSize, err)
	}
	w, h := hm.Size()
	vertices := make([]GridCoord, z.vertexTableSize)
	for i := range vertices {
		v := GridCoord{Row: raw[2*i], Col: raw[2*i+1]}
		if uint32(v.Row) >= h || uint32(v.Col) >= w {
			return fmt.Errorf("%w: vertex %d at (%d,%d) outside %dx%d zone", ErrCorruptZoneData, i, v.Row, v.Col, w, h)
		}
		vertices[i] = v
	}
	z.vertices = vertices

	for i := range z.lods {
		if err := z.lods[i].readData(r, len(vertices)); err != nil {
			return fmt.Errorf("zone level %d path %#x: %w", z.level, z.path, err)
		}
	}

	for k, child := range z.Children() {
		chm, err := hm.Quadrant(uint8(k))
		if err != nil {
			return err
		}
		var cmat *MaterialLayer
		if mat.Valid() {
			if cmat, err = mat.Quadrant(uint8(k)); err != nil {
				chm.Destroy()
				return err
			}
		}
		if err := child.initData(r, chm, cmat); err != nil {
			return err
		}
	}

	z.state.Store(uint32(StateDataLoaded))
	return nil
}

func (z *Zone) checkWindow(name string, size, origin func() (uint32, uint32)) error {
	gw, gh := z.GridSize()
	w, h := size()
	if w != gw || h != gh {
		return fmt.Errorf("%w: %s window %dx%d, zone level %d expects %dx%d", ErrCorruptZoneData, name, w, h, z.level, gw, gh)
	}
	ox, oy := origin()
	if ox != z.origin[0] || oy != z.origin[1] {
		return fmt.Errorf("%w: %s window at (%d,%d), header origin (%d,%d)", ErrCorruptZoneData, name, ox, oy, z.origin[0], z.origin[1])
	}
	return nil
}

// checkOffsets verifies that the zone's block lies inside the tile's data
// region and that its vertex table and LOD blocks lie inside the zone's
// block.
func (z *Zone) checkOffsets() error {
	if z.dataOffset < z.top.dataFileOffset {
		return fmt.Errorf("%w: zone level %d path %#x data at %d, tile data starts at %d",
			ErrCorruptZoneData, z.level, z.path, z.dataOffset, z.top.dataFileOffset)
	}
	if z.vertexTableOffset < z.dataOffset {
		return fmt.Errorf("%w: zone level %d path %#x vertex table at %d, zone data starts at %d",
			ErrCorruptZoneData, z.level, z.path, z.vertexTableOffset, z.dataOffset)
	}
	for _, lod := range z.lods {
		if lod.FileOffset < z.dataOffset {
			return fmt.Errorf("%w: zone level %d path %#x lod %d at %d, zone data starts at %d",
				ErrCorruptZoneData, z.level, z.path, lod.Index, lod.FileOffset, z.dataOffset)
		}
	}
	return nil
}

// unloadData drops vertex table, index buffers and layer windows of the
// subtree. Header metadata stays.
func (z *Zone) unloadData() {
	for _, child := range z.Children() {
		child.unloadData()
	}
	z.vertices = nil
	for i := range z.lods {
		z.lods[i].Indices = nil
	}
	if z.heightmap != nil {
		z.heightmap.Destroy()
		z.heightmap = nil
	}
	if z.material != nil {
		z.material.Destroy()
		z.material = nil
	}
	if z.State() != StateEmpty {
		z.state.Store(uint32(StateHeaderOnly))
	}
}

// MaterialSet is a set of material ids.
type MaterialSet map[MaterialID]struct{}

// Has reports whether id is in the set.
func (s MaterialSet) Has(id MaterialID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in ascending order.
func (s MaterialSet) Sorted() []MaterialID {
	out := make([]MaterialID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BuildMaterialSet returns every material the zone can render with. Inner
// zones return the union of their children; leaves read the finest LOD,
// since coarser LODs never introduce materials the finest one lacks. Only
// header data is used, so the set is available before data loading.
func (z *Zone) BuildMaterialSet() MaterialSet {
	set := make(MaterialSet)
	z.collectMaterials(set)
	return set
}

func (z *Zone) collectMaterials(set MaterialSet) {
	if !z.IsLeaf() {
		for _, child := range z.Children() {
			child.collectMaterials(set)
		}
		return
	}
	if len(z.lods) == 0 {
		return
	}
	for _, block := range z.lods[len(z.lods)-1].Blocks {
		for _, id := range block.MaterialIDs {
			set[id] = struct{}{}
		}
	}
}

// WorldOrigin returns the world position of the zone's first sample at its
// minimum height.
func (z *Zone) WorldOrigin() mgl32.Vec3 {
	step := z.top.mgr.StepSize()
	return mgl32.Vec3{
		float32(int64(z.top.origin[0])+int64(z.origin[0])) * step,
		z.heightMin,
		float32(int64(z.top.origin[1])+int64(z.origin[1])) * step,
	}
}

// WorldSize returns the zone's world extent.
func (z *Zone) WorldSize() mgl32.Vec3 {
	step := z.top.mgr.StepSize()
	w, h := z.GridSize()
	return mgl32.Vec3{float32(w-1) * step, z.heightMax - z.heightMin, float32(h-1) * step}
}

// WorldCenter returns the center of the zone's bounding box.
func (z *Zone) WorldCenter() mgl32.Vec3 {
	return z.WorldOrigin().Add(z.WorldSize().Mul(0.5))
}

// Bounds returns the zone's world-space bounding box.
func (z *Zone) Bounds() Bounds {
	o := z.WorldOrigin()
	return Bounds{Min: o, Max: o.Add(z.WorldSize())}
}

// Use adds an external reference and reports whether it was the first.
func (z *Zone) Use() bool {
	z.refMu.Lock()
	defer z.refMu.Unlock()
	z.refCount++
	return z.refCount == 1
}

// Release drops an external reference and reports whether none remain.
// Releasing an unreferenced zone does nothing and returns false.
func (z *Zone) Release() bool {
	z.refMu.Lock()
	defer z.refMu.Unlock()
	if z.refCount == 0 {
		return false
	}
	z.refCount--
	return z.refCount == 0
}

// NoLongerUsed reports whether the zone has no external references.
func (z *Zone) NoLongerUsed() bool {
	z.refMu.Lock()
	defer z.refMu.Unlock()
	return z.refCount == 0
}

// RefCount returns the number of external references.
func (z *Zone) RefCount() uint32 {
	z.refMu.Lock()
	defer z.refMu.Unlock()
	return z.refCount
}

// Destroy frees the subtree and resets the zone to its zero state. Only a
// tile root can be destroyed, since a zone has either four children or
// none. Every zone in the subtree must be unreferenced and have no
// renderer.
func (z *Zone) Destroy() error {
	if z.parent != noZone {
		return fmt.Errorf("%w: destroying zone level %d path %#x below the tile root", ErrPrecondition, z.level, z.path)
	}
	if err := z.checkDestroyable(); err != nil {
		return err
	}
	z.destroy()
	return nil
}

func (z *Zone) checkDestroyable() error {
	if !z.NoLongerUsed() {
		return fmt.Errorf("%w: destroying zone level %d path %#x with %d references", ErrPrecondition, z.level, z.path, z.RefCount())
	}
	if z.Renderer() != nil {
		return fmt.Errorf("%w: destroying zone level %d path %#x with a live renderer", ErrPrecondition, z.level, z.path)
	}
	for _, child := range z.Children() {
		if err := child.checkDestroyable(); err != nil {
			return err
		}
	}
	return nil
}

func (z *Zone) destroy() {
	z.unloadData()
	for _, child := range z.Children() {
		child.destroy()
		z.top.zones[child.index] = nil
	}
	z.clearHeader()
}

func (z *Zone) clearHeader() {
	z.level, z.path, z.slot, z.dataOffset = 0, 0, 0, 0
	z.origin = [2]uint32{}
	z.heightMin, z.heightMax = 0, 0
	z.vertexTableSize, z.vertexTableOffset = 0, 0
	z.lods = nil
	z.children = [4]int32{noZone, noZone, noZone, noZone}
	z.state.Store(uint32(StateEmpty))
}
