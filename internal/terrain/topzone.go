package terrain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/Faultbox/midgard-terrain/internal/logger"
	"github.com/Faultbox/midgard-terrain/pkg/binstream"
	"github.com/Faultbox/midgard-terrain/pkg/heightmap"
)

const topZoneMagic = "ZONE"

// UsageKind selects one of a tile's usage counters.
type UsageKind uint8

// Usage counters.
const (
	// UsageVisibility is held while the tile should be on screen.
	UsageVisibility UsageKind = iota
	// UsageHeightmap is held by consumers of raw elevation data.
	UsageHeightmap
	// UsageMaterial is held by consumers of the material grid.
	UsageMaterial

	usageKinds = 3
)

func (k UsageKind) String() string {
	switch k {
	case UsageVisibility:
		return "visibility"
	case UsageHeightmap:
		return "heightmap"
	case UsageMaterial:
		return "material"
	}
	return fmt.Sprintf("usage(%d)", uint8(k))
}

// TopZone is the root zone of one streamable tile. It owns the arena that
// holds every zone of its quadtree and the tile's usage counters.
type TopZone struct {
	Zone

	mgr   Manager
	zones []*Zone

	id     int32
	origin [2]int32
	size   [2]uint32

	dataFileName        string
	dataFileOffset      uint32
	heightmapFileOffset uint32
	materialFileOffset  uint32

	counterMu sync.Mutex
	counters  [usageKinds]uint32
}

// NewTopZone returns an empty tile bound to mgr.
func NewTopZone(mgr Manager) *TopZone {
	t := &TopZone{mgr: mgr}
	t.Zone.top = t
	t.Zone.index = 0
	t.Zone.reset()
	t.zones = []*Zone{&t.Zone}
	return t
}

func (t *TopZone) newZone(parent int32) *Zone {
	z := &Zone{top: t, index: int32(len(t.zones))}
	z.reset()
	z.parent = parent
	t.zones = append(t.zones, z)
	return z
}

func (t *TopZone) emit(kind EventKind, z *Zone) {
	if t.mgr != nil {
		t.mgr.OnZoneEvent(Event{Kind: kind, Top: t, Zone: z})
	}
}

// Init parses the tile header at the reader's position followed by the
// header records of the whole quadtree. On failure the tile is left empty.
func (t *TopZone) Init(r *binstream.Reader) error {
	if s := t.State(); s != StateEmpty {
		return fmt.Errorf("%w: header parse in state %s", ErrPrecondition, s)
	}
	if err := t.readTopHeader(r); err != nil {
		t.clearTile()
		return err
	}
	if err := t.Zone.readHeader(r, nil, 0); err != nil {
		id := t.id
		t.clearTile()
		return fmt.Errorf("tile %d: %w", id, err)
	}

	logger.Debug("terrain tile header parsed",
		zap.Int32("tile", t.id),
		zap.Int32s("origin", t.origin[:]),
		zap.Uint32s("size", t.size[:]),
		zap.Int("zones", len(t.zones)),
		zap.String("data", t.dataFileName))
	return nil
}

func (t *TopZone) readTopHeader(r *binstream.Reader) error {
	if err := r.ReadMagic(topZoneMagic); err != nil {
		return fmt.Errorf("%w: tile header: %v", ErrCorruptZoneData, err)
	}

	var err error
	read := func(name string, fn func() error) {
		if err == nil {
			if e := fn(); e != nil {
				err = fmt.Errorf("%w: reading tile %s: %v", ErrCorruptZoneData, name, e)
			}
		}
	}
	read("id", func() (e error) { t.id, e = r.ReadI32(); return })
	read("origin x", func() (e error) { t.origin[0], e = r.ReadI32(); return })
	read("origin y", func() (e error) { t.origin[1], e = r.ReadI32(); return })
	read("size x", func() (e error) { t.size[0], e = r.ReadU32(); return })
	read("size y", func() (e error) { t.size[1], e = r.ReadU32(); return })
	read("data file name", func() (e error) { t.dataFileName, e = r.ReadString(); return })
	read("data file offset", func() (e error) { t.dataFileOffset, e = r.ReadU32(); return })
	read("heightmap offset", func() (e error) { t.heightmapFileOffset, e = r.ReadU32(); return })
	read("material offset", func() (e error) { t.materialFileOffset, e = r.ReadU32(); return })
	if err != nil {
		return err
	}

	if t.size[0] < 2 || t.size[1] < 2 || uint64(t.size[0])*uint64(t.size[1]) > heightmap.MaxSamples {
		return fmt.Errorf("%w: tile %d is %dx%d samples", ErrCorruptZoneData, t.id, t.size[0], t.size[1])
	}
	if t.dataFileName == "" {
		return fmt.Errorf("%w: tile %d has no data file", ErrCorruptZoneData, t.id)
	}
	if t.heightmapFileOffset < t.dataFileOffset {
		return fmt.Errorf("%w: tile %d heightmap at %d before data block at %d",
			ErrCorruptZoneData, t.id, t.heightmapFileOffset, t.dataFileOffset)
	}
	if t.materialFileOffset != 0 && t.materialFileOffset < t.dataFileOffset {
		return fmt.Errorf("%w: tile %d material grid at %d before data block at %d",
			ErrCorruptZoneData, t.id, t.materialFileOffset, t.dataFileOffset)
	}
	return nil
}

// clearTile drops a partially parsed quadtree.
func (t *TopZone) clearTile() {
	t.zones = t.zones[:1]
	t.Zone.clearHeader()
	t.id = 0
	t.origin = [2]int32{}
	t.size = [2]uint32{}
	t.dataFileName = ""
	t.dataFileOffset, t.heightmapFileOffset, t.materialFileOffset = 0, 0, 0
}

// ID returns the tile id.
func (t *TopZone) ID() int32 { return t.id }

// Origin returns the tile's position in world grid samples.
func (t *TopZone) Origin() (int32, int32) { return t.origin[0], t.origin[1] }

// Size returns the tile's heightmap dimensions in samples.
func (t *TopZone) Size() (uint32, uint32) { return t.size[0], t.size[1] }

// DataFileName returns the name of the file holding heightmap, material
// grid and zone data.
func (t *TopZone) DataFileName() string { return t.dataFileName }

// DataFileOffset returns the start of the tile's region in the data file.
func (t *TopZone) DataFileOffset() uint32 { return t.dataFileOffset }

// HeightmapFileOffset returns the position of the heightmap container.
func (t *TopZone) HeightmapFileOffset() uint32 { return t.heightmapFileOffset }

// MaterialFileOffset returns the position of the material grid, 0 if the
// tile has none.
func (t *TopZone) MaterialFileOffset() uint32 { return t.materialFileOffset }

// Zones returns every zone of the tile in arena order, root first.
func (t *TopZone) Zones() []*Zone {
	out := make([]*Zone, 0, len(t.zones))
	for _, z := range t.zones {
		if z != nil {
			out = append(out, z)
		}
	}
	return out
}

// Counter returns the current value of one usage counter.
func (t *TopZone) Counter(kind UsageKind) uint32 {
	if kind >= usageKinds {
		return 0
	}
	t.counterMu.Lock()
	defer t.counterMu.Unlock()
	return t.counters[kind]
}

// Unused reports whether all usage counters are zero.
func (t *TopZone) Unused() bool {
	t.counterMu.Lock()
	defer t.counterMu.Unlock()
	return t.allZero()
}

func (t *TopZone) allZero() bool {
	return t.counters == [usageKinds]uint32{}
}

// Use increments a usage counter. The heightmap and material counters need
// the corresponding layer to be loaded. A visibility transition from 0 to 1
// fires EventAppeared.
func (t *TopZone) Use(kind UsageKind) error {
	switch kind {
	case UsageVisibility:
	case UsageHeightmap:
		if !t.DataLoaded() || !t.heightmap.Valid() {
			return fmt.Errorf("%w: heightmap of tile %d is not loaded", ErrPrecondition, t.id)
		}
	case UsageMaterial:
		if !t.DataLoaded() || !t.material.Valid() {
			return fmt.Errorf("%w: material grid of tile %d is not loaded", ErrPrecondition, t.id)
		}
	default:
		return fmt.Errorf("%w: unknown usage kind %d", ErrPrecondition, uint8(kind))
	}

	t.counterMu.Lock()
	t.counters[kind]++
	first := t.counters[kind] == 1
	t.counterMu.Unlock()

	if first && kind == UsageVisibility {
		t.emit(EventAppeared, &t.Zone)
	}
	return nil
}

// Release decrements a usage counter. Releasing a counter that is already
// zero returns ErrCounterUnderflow and fires nothing.
//
// When visibility reaches zero every renderer of the tile is released and
// EventDisappeared fires. When the heightmap or material counter reaches
// zero the matching unused event fires; doing so while the tile is still
// visible is allowed but logged. Once all counters are zero EventUnused
// fires.
func (t *TopZone) Release(kind UsageKind) error {
	if kind >= usageKinds {
		return fmt.Errorf("%w: unknown usage kind %d", ErrPrecondition, uint8(kind))
	}

	t.counterMu.Lock()
	if t.counters[kind] == 0 {
		t.counterMu.Unlock()
		return fmt.Errorf("%w: tile %d %s", ErrCounterUnderflow, t.id, kind)
	}
	t.counters[kind]--
	reachedZero := t.counters[kind] == 0
	visible := t.counters[UsageVisibility]
	unused := t.allZero()
	t.counterMu.Unlock()

	if !reachedZero {
		return nil
	}
	switch kind {
	case UsageVisibility:
		t.ReleaseRenderer(true)
		t.emit(EventDisappeared, &t.Zone)
	case UsageHeightmap, UsageMaterial:
		if visible > 0 {
			logger.Warn("terrain usage released while tile is visible",
				zap.Int32("tile", t.id),
				zap.Stringer("counter", kind),
				zap.Uint32("visibility", visible))
		}
		if kind == UsageHeightmap {
			t.emit(EventHeightmapUnused, &t.Zone)
		} else {
			t.emit(EventMaterialUnused, &t.Zone)
		}
	}
	if unused {
		t.emit(EventUnused, &t.Zone)
	}
	return nil
}

// Load opens the tile's data file through fs, decodes the heightmap and
// the optional material grid, and fills the whole quadtree. A data file
// that cannot be opened yields ErrMissingFile.
func (t *TopZone) Load(fs FileSystem, codecs *heightmap.Registry) error {
	if s := t.State(); s != StateHeaderOnly {
		return fmt.Errorf("%w: load of tile %d in state %s", ErrPrecondition, t.id, s)
	}

	f, err := fs.Open(t.dataFileName)
	if err != nil {
		return fmt.Errorf("%w: tile %d: %s: %w", ErrMissingFile, t.id, t.dataFileName, err)
	}
	defer f.Close()
	r := binstream.NewReader(f)

	if err := r.Seek(int64(t.heightmapFileOffset)); err != nil {
		return fmt.Errorf("%w: seeking tile %d heightmap: %v", ErrCorruptZoneData, t.id, err)
	}
	samples, w, h, err := codecs.Read(r)
	if err != nil {
		if errors.Is(err, heightmap.ErrUnsupportedFormat) {
			return fmt.Errorf("tile %d heightmap: %w", t.id, err)
		}
		return fmt.Errorf("%w: tile %d heightmap: %w", ErrCorruptZoneData, t.id, err)
	}
	if w != t.size[0] || h != t.size[1] {
		return fmt.Errorf("%w: tile %d heightmap is %dx%d, header declares %dx%d",
			ErrCorruptZoneData, t.id, w, h, t.size[0], t.size[1])
	}
	hbuf, err := NewSharedBuffer(samples, w, h)
	if err != nil {
		return err
	}
	hm := NewLayer(hbuf)
	resident := uint64(len(samples)) * 4

	var mat *MaterialLayer
	if t.materialFileOffset != 0 {
		mat, err = t.readMaterials(r)
		if err != nil {
			hm.Destroy()
			return err
		}
		resident += uint64(mat.buf.Len()) * 2
	}

	if err := t.InitData(r, hm, mat); err != nil {
		return fmt.Errorf("tile %d: %w", t.id, err)
	}

	logger.Debug("terrain tile loaded",
		zap.Int32("tile", t.id),
		zap.String("data", t.dataFileName),
		zap.Bool("materials", mat != nil),
		zap.String("resident", humanize.Bytes(resident)))
	return nil
}

func (t *TopZone) readMaterials(r *binstream.Reader) (*MaterialLayer, error) {
	if err := r.Seek(int64(t.materialFileOffset)); err != nil {
		return nil, fmt.Errorf("%w: seeking tile %d material grid: %v", ErrCorruptZoneData, t.id, err)
	}
	raw, w, h, err := heightmap.ReadMaterials(r)
	if err != nil {
		return nil, fmt.Errorf("%w: tile %d material grid: %w", ErrCorruptZoneData, t.id, err)
	}
	if w != t.size[0] || h != t.size[1] {
		return nil, fmt.Errorf("%w: tile %d material grid is %dx%d, header declares %dx%d",
			ErrCorruptZoneData, t.id, w, h, t.size[0], t.size[1])
	}
	ids := make([]MaterialID, len(raw))
	for i, id := range raw {
		ids[i] = MaterialID(id)
	}
	buf, err := NewSharedBuffer(ids, w, h)
	if err != nil {
		return nil, err
	}
	return NewLayer(buf), nil
}

// Unload releases the tile's vertex tables, index buffers and layers so
// the tile can be loaded again later. All usage counters must be zero and
// no zone may hold a renderer. Unloading a tile without data does nothing.
func (t *TopZone) Unload() error {
	if !t.Unused() {
		return fmt.Errorf("%w: unloading tile %d while in use", ErrPrecondition, t.id)
	}
	if t.hasRenderer() {
		return fmt.Errorf("%w: unloading tile %d with live renderers", ErrPrecondition, t.id)
	}
	if !t.DataLoaded() {
		return nil
	}
	t.unloadData()
	logger.Debug("terrain tile unloaded", zap.Int32("tile", t.id))
	return nil
}

func (t *TopZone) hasRenderer() bool {
	for _, z := range t.zones {
		if z != nil && z.Renderer() != nil {
			return true
		}
	}
	return false
}

// Destroy frees the whole tile and returns it to the state NewTopZone
// left it in. Usage counters must be zero in addition to the checks of
// Zone.Destroy.
func (t *TopZone) Destroy() error {
	if !t.Unused() {
		return fmt.Errorf("%w: destroying tile %d while in use", ErrPrecondition, t.id)
	}
	if err := t.Zone.Destroy(); err != nil {
		return err
	}
	t.clearTile()
	return nil
}

// ZoneIndex returns the tile's position in the Manager's grid of base
// tiles.
func (t *TopZone) ZoneIndex() (int32, int32) {
	base := t.baseTileSize()
	return floorDiv(t.origin[0], int32(base)), floorDiv(t.origin[1], int32(base))
}

// ZoneExtension returns how many base tiles the tile spans per axis,
// at least one.
func (t *TopZone) ZoneExtension() (uint32, uint32) {
	base := t.baseTileSize()
	ext := func(size uint32) uint32 {
		if size <= 1 {
			return 1
		}
		return max((size-1+base-1)/base, 1)
	}
	return ext(t.size[0]), ext(t.size[1])
}

func (t *TopZone) baseTileSize() uint32 {
	if t.mgr == nil || t.mgr.BaseTileSize() == 0 {
		return 1
	}
	return t.mgr.BaseTileSize()
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
