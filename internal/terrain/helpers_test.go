package terrain

import (
	"bytes"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/Faultbox/midgard-terrain/internal/terrain/terraintest"
	"github.com/Faultbox/midgard-terrain/pkg/binstream"
	"github.com/Faultbox/midgard-terrain/pkg/heightmap"
)

type fakeRenderer struct {
	zone     *Zone
	updates  []*RenderData
	released bool
}

func (r *fakeRenderer) Update(d *RenderData) error {
	r.updates = append(r.updates, d)
	return nil
}

func (r *fakeRenderer) Release() { r.released = true }

type fakeManager struct {
	step float32
	base uint32

	mu        sync.Mutex
	events    []Event
	renderers []*fakeRenderer
	materials map[MaterialID]MaterialHandle
	lookups   int
	lightmaps int
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		step: 2,
		base: 4,
		materials: map[MaterialID]MaterialHandle{
			1: "grass",
			2: "rock",
		},
	}
}

func (m *fakeManager) StepSize() float32    { return m.step }
func (m *fakeManager) BaseTileSize() uint32 { return m.base }

func (m *fakeManager) ZoneIndex(pos mgl32.Vec3) (int32, int32) {
	cell := m.step * float32(m.base)
	return int32(math.Floor(float64(pos.X() / cell))), int32(math.Floor(float64(pos.Z() / cell)))
}

func (m *fakeManager) Material(id MaterialID) (MaterialHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	h, ok := m.materials[id]
	return h, ok
}

func (m *fakeManager) Lightmap(tileID int32) (LightmapHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lightmaps++
	return fmt.Sprintf("lightmap-%d", tileID), true
}

func (m *fakeManager) CreateRenderer(z *Zone) (Renderer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &fakeRenderer{zone: z}
	m.renderers = append(m.renderers, r)
	return r, nil
}

func (m *fakeManager) OnZoneEvent(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *fakeManager) count(kind EventKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (m *fakeManager) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
	m.lookups = 0
	m.lightmaps = 0
}

func buildFixture(t *testing.T, tile terraintest.Tile) *terraintest.Fixture {
	t.Helper()
	fx, err := terraintest.Build(tile)
	if err != nil {
		t.Fatalf("building fixture: %v", err)
	}
	return fx
}

func parseTile(t *testing.T, fx *terraintest.Fixture) (*TopZone, *fakeManager) {
	t.Helper()
	mgr := newFakeManager()
	top := NewTopZone(mgr)
	if err := top.Init(binstream.NewReader(bytes.NewReader(fx.Header))); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return top, mgr
}

func fixtureFS(fx *terraintest.Fixture) terraintest.FS {
	return terraintest.FS{fx.Tile.DataFile: fx.Data}
}

// loadTile parses and loads a fixture tile.
func loadTile(t *testing.T, tile terraintest.Tile) (*TopZone, *fakeManager, *terraintest.Fixture) {
	t.Helper()
	fx := buildFixture(t, tile)
	top, mgr := parseTile(t, fx)
	if err := top.Load(fixtureFS(fx), heightmap.NewDefaultRegistry()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return top, mgr, fx
}
