package terrain

import (
	"fmt"
	"io"

	"github.com/go-gl/mathgl/mgl32"
)

// MaterialHandle is an opaque, live material resolved by the Manager.
type MaterialHandle any

// LightmapHandle is an opaque colormap or lightmap resolved by the Manager.
type LightmapHandle any

// Manager is what zones need from the component that owns them: grid
// geometry, resource lookups, renderer construction and a sink for
// lifecycle events.
//
// OnZoneEvent and CreateRenderer are called without any zone lock held and
// may call back into the zone. Material and Lightmap are called while the
// zone's renderer state is locked and must not.
type Manager interface {
	// StepSize is the world distance between two adjacent grid samples.
	StepSize() float32
	// BaseTileSize is the number of grid cells covered by one tile index.
	BaseTileSize() uint32
	// ZoneIndex maps a world position to a tile grid index.
	ZoneIndex(pos mgl32.Vec3) (int32, int32)
	Material(id MaterialID) (MaterialHandle, bool)
	Lightmap(tileID int32) (LightmapHandle, bool)
	CreateRenderer(z *Zone) (Renderer, error)
	OnZoneEvent(ev Event)
}

// Renderer is the GPU-resident counterpart of a zone.
type Renderer interface {
	// Update replaces every buffer the renderer holds.
	Update(data *RenderData) error
	// Release frees the GPU resources. The renderer is not used afterwards.
	Release()
}

// FileSystem opens tile data files.
type FileSystem interface {
	Open(name string) (io.ReadSeekCloser, error)
}

// RenderData is the renderer-ready mesh of one zone at one LOD.
type RenderData struct {
	LOD       int
	Positions []mgl32.Vec3
	TexCoords []mgl32.Vec2
	Indices   []uint32
	Materials []MaterialID
	Blocks    []RenderBlock
	Lightmap  LightmapHandle
}

// EventKind classifies lifecycle events.
type EventKind int

// Lifecycle events.
const (
	EventRendererCreated EventKind = iota + 1
	EventRendererRemoved
	EventAppeared
	EventDisappeared
	EventHeightmapUnused
	EventMaterialUnused
	EventUnused
)

var eventNames = map[EventKind]string{
	EventRendererCreated: "renderer-created",
	EventRendererRemoved: "renderer-removed",
	EventAppeared:        "appeared",
	EventDisappeared:     "disappeared",
	EventHeightmapUnused: "heightmap-unused",
	EventMaterialUnused:  "material-unused",
	EventUnused:          "unused",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a lifecycle notification. Zone is the zone concerned; for
// tile-level events it is the tile's root zone.
type Event struct {
	Kind EventKind
	Top  *TopZone
	Zone *Zone
}
