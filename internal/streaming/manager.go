// Package streaming is the zone manager of a streamed terrain: it places
// tiles on a grid, loads and evicts their data as the camera moves and
// picks the zones and levels of detail to draw.
package streaming

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"

	"github.com/Faultbox/midgard-terrain/internal/config"
	"github.com/Faultbox/midgard-terrain/internal/logger"
	"github.com/Faultbox/midgard-terrain/internal/metrics"
	"github.com/Faultbox/midgard-terrain/internal/terrain"
	"github.com/Faultbox/midgard-terrain/pkg/binstream"
	"github.com/Faultbox/midgard-terrain/pkg/heightmap"
)

var (
	// ErrDuplicateTile is returned when a tile id is added twice.
	ErrDuplicateTile = errors.New("duplicate tile id")
	// ErrNoTile is returned for a position no tile covers.
	ErrNoTile = errors.New("no tile at position")
	// ErrClosed is returned by operations on a closed manager.
	ErrClosed = errors.New("streaming manager closed")
)

// Options configures a Manager. Zero numeric fields take the defaults of
// config.Default.
type Options struct {
	StepSize      float32
	BaseTileSize  uint32
	Workers       int
	QueueSize     int
	VisibleRadius int
	SplitFactor   float32
	LODTolerance  float32

	// Files opens data and header files. If it also has an
	// Evict(name string) bool method, evicted tiles drop their data file
	// from it.
	Files  terrain.FileSystem
	Codecs *heightmap.Registry
	// Metrics may be nil.
	Metrics *metrics.Metrics

	// Renderers builds the renderer of a zone. Without it Render selects
	// zones but manages no renderers.
	Renderers func(z *terrain.Zone) (terrain.Renderer, error)
	Materials func(id terrain.MaterialID) (terrain.MaterialHandle, bool)
	Lightmaps func(tileID int32) (terrain.LightmapHandle, bool)
	// OnEvent observes every zone event after the manager handled it.
	OnEvent func(ev terrain.Event)
}

// OptionsFromConfig fills the numeric options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		StepSize:      cfg.Terrain.StepSize,
		BaseTileSize:  uint32(cfg.Terrain.BaseTileSize),
		Workers:       cfg.Streaming.LoaderWorkers,
		QueueSize:     cfg.Streaming.QueueSize,
		VisibleRadius: cfg.Streaming.VisibleRadius,
		SplitFactor:   cfg.Streaming.SplitFactor,
		LODTolerance:  cfg.Streaming.LODTolerance,
	}
}

func (o *Options) setDefaults() {
	def := config.Default()
	if o.StepSize <= 0 {
		o.StepSize = def.Terrain.StepSize
	}
	if o.BaseTileSize == 0 {
		o.BaseTileSize = uint32(def.Terrain.BaseTileSize)
	}
	if o.Workers <= 0 {
		o.Workers = def.Streaming.LoaderWorkers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = def.Streaming.QueueSize
	}
	if o.VisibleRadius < 0 {
		o.VisibleRadius = 0
	}
	if o.SplitFactor <= 0 {
		o.SplitFactor = def.Streaming.SplitFactor
	}
	if o.LODTolerance <= 0 {
		o.LODTolerance = def.Streaming.LODTolerance
	}
	if o.Codecs == nil {
		o.Codecs = heightmap.NewDefaultRegistry()
	}
}

type cell struct{ x, y int32 }

type tile struct {
	top *terrain.TopZone
	// mu serializes loading and unloading. Render skips a tile whose
	// mutex is busy.
	mu sync.Mutex
	// failed is set when the data file is missing or cannot be decoded;
	// visibility updates stop requesting the tile until it appears again.
	// Other errors, such as a read failure, are retried.
	failed atomic.Bool
}

// Manager owns a set of tiles and streams them around a camera.
type Manager struct {
	opts Options
	log  *zap.Logger

	mu    sync.RWMutex
	tiles map[int32]*tile
	grid  map[cell][]*tile

	// visMu guards visible. It is never held while counters change.
	visMu   sync.Mutex
	visible map[int32]*tile

	jobs      chan job
	pendingMu sync.Mutex
	pending   map[job]struct{}

	quit      chan struct{}
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a manager without tiles. Call Start to run the loaders.
func New(opts Options) (*Manager, error) {
	if opts.Files == nil {
		return nil, fmt.Errorf("streaming: no file system")
	}
	opts.setDefaults()
	return &Manager{
		opts:    opts,
		log:     logger.Named("streaming"),
		tiles:   make(map[int32]*tile),
		grid:    make(map[cell][]*tile),
		visible: make(map[int32]*tile),
		jobs:    make(chan job, opts.QueueSize),
		pending: make(map[job]struct{}),
		quit:    make(chan struct{}),
	}, nil
}

// StepSize implements terrain.Manager.
func (m *Manager) StepSize() float32 { return m.opts.StepSize }

// BaseTileSize implements terrain.Manager.
func (m *Manager) BaseTileSize() uint32 { return m.opts.BaseTileSize }

// ZoneIndex implements terrain.Manager. The grid lies in the world XZ plane.
func (m *Manager) ZoneIndex(pos mgl32.Vec3) (int32, int32) {
	cellSize := float64(m.opts.StepSize) * float64(m.opts.BaseTileSize)
	return int32(math.Floor(float64(pos.X()) / cellSize)), int32(math.Floor(float64(pos.Z()) / cellSize))
}

// Material implements terrain.Manager.
func (m *Manager) Material(id terrain.MaterialID) (terrain.MaterialHandle, bool) {
	if m.opts.Materials == nil {
		return nil, false
	}
	return m.opts.Materials(id)
}

// Lightmap implements terrain.Manager.
func (m *Manager) Lightmap(tileID int32) (terrain.LightmapHandle, bool) {
	if m.opts.Lightmaps == nil {
		return nil, false
	}
	return m.opts.Lightmaps(tileID)
}

// CreateRenderer implements terrain.Manager.
func (m *Manager) CreateRenderer(z *terrain.Zone) (terrain.Renderer, error) {
	if m.opts.Renderers == nil {
		return nil, nil
	}
	return m.opts.Renderers(z)
}

// OnZoneEvent implements terrain.Manager.
func (m *Manager) OnZoneEvent(ev terrain.Event) {
	id := ev.Top.ID()
	switch ev.Kind {
	case terrain.EventAppeared:
		if t := m.tile(id); t != nil {
			t.failed.Store(false)
		}
		m.enqueue(job{kind: jobLoad, tile: id})
	case terrain.EventUnused:
		m.enqueue(job{kind: jobUnload, tile: id})
	case terrain.EventRendererCreated:
		if m.opts.Metrics != nil {
			m.opts.Metrics.RendererCreated()
		}
	case terrain.EventRendererRemoved:
		if m.opts.Metrics != nil {
			m.opts.Metrics.RendererRemoved()
		}
	}
	if m.opts.OnEvent != nil {
		m.opts.OnEvent(ev)
	}
}

// AddTile parses the tile header found at offset in r and places the tile
// on the grid.
func (m *Manager) AddTile(r io.ReadSeeker, offset int64) (*terrain.TopZone, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	br := binstream.NewReader(r)
	if err := br.Seek(offset); err != nil {
		return nil, fmt.Errorf("seeking tile header at %d: %w", offset, err)
	}
	top := terrain.NewTopZone(m)
	if err := top.Init(br); err != nil {
		return nil, err
	}
	if err := m.register(top); err != nil {
		return nil, err
	}
	return top, nil
}

func (m *Manager) register(top *terrain.TopZone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tiles[top.ID()]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateTile, top.ID())
	}
	t := &tile{top: top}
	m.tiles[top.ID()] = t

	ix, iy := top.ZoneIndex()
	ex, ey := top.ZoneExtension()
	for dy := int32(0); dy < int32(ey); dy++ {
		for dx := int32(0); dx < int32(ex); dx++ {
			c := cell{ix + dx, iy + dy}
			m.grid[c] = append(m.grid[c], t)
		}
	}
	m.log.Debug("tile added",
		zap.Int32("tile", top.ID()),
		zap.Int32s("cell", []int32{ix, iy}),
		zap.Uint32s("extent", []uint32{ex, ey}))
	return nil
}

func (m *Manager) tile(id int32) *tile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tiles[id]
}

// Tile returns a tile by id.
func (m *Manager) Tile(id int32) (*terrain.TopZone, bool) {
	t := m.tile(id)
	if t == nil {
		return nil, false
	}
	return t.top, true
}

// Tiles returns every tile ordered by id.
func (m *Manager) Tiles() []*terrain.TopZone {
	m.mu.RLock()
	out := make([]*terrain.TopZone, 0, len(m.tiles))
	for _, t := range m.tiles {
		out = append(out, t.top)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// tilesAt returns the tiles registered in the cells within radius of c.
func (m *Manager) tilesAt(c cell, radius int32) map[int32]*tile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int32]*tile)
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			for _, t := range m.grid[cell{c.x + dx, c.y + dy}] {
				out[t.top.ID()] = t
			}
		}
	}
	return out
}

// Visible returns the ids of the tiles currently held visible, ascending.
func (m *Manager) Visible() []int32 {
	m.visMu.Lock()
	ids := make([]int32, 0, len(m.visible))
	for id := range m.visible {
		ids = append(ids, id)
	}
	m.visMu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// UpdateVisibility makes the tiles around camera visible and releases the
// ones that fell out of range. Newly visible tiles are queued for loading.
func (m *Manager) UpdateVisibility(camera mgl32.Vec3) {
	if m.closed.Load() {
		return
	}
	cx, cy := m.ZoneIndex(camera)
	want := m.tilesAt(cell{cx, cy}, int32(m.opts.VisibleRadius))

	var appeared, gone, retry []*tile
	m.visMu.Lock()
	for id, t := range want {
		if _, ok := m.visible[id]; !ok {
			m.visible[id] = t
			appeared = append(appeared, t)
		} else if t.top.State() == terrain.StateHeaderOnly && !t.failed.Load() {
			retry = append(retry, t)
		}
	}
	for id, t := range m.visible {
		if _, ok := want[id]; !ok {
			delete(m.visible, id)
			gone = append(gone, t)
		}
	}
	n := len(m.visible)
	m.visMu.Unlock()

	for _, t := range gone {
		if err := t.top.Release(terrain.UsageVisibility); err != nil {
			m.log.Error("releasing tile visibility", zap.Int32("tile", t.top.ID()), zap.Error(err))
		}
	}
	for _, t := range appeared {
		if err := t.top.Use(terrain.UsageVisibility); err != nil {
			m.log.Error("using tile visibility", zap.Int32("tile", t.top.ID()), zap.Error(err))
		}
	}
	// A full queue drops requests; visible tiles still waiting ask again.
	for _, t := range retry {
		m.enqueue(job{kind: jobLoad, tile: t.top.ID()})
	}

	if m.opts.Metrics != nil {
		m.opts.Metrics.SetVisible(n)
	}
}

// Close stops the loaders, drops visibility and releases every renderer.
// Tile data stays resident.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.quit)
		m.wg.Wait()

		m.visMu.Lock()
		visible := m.visible
		m.visible = make(map[int32]*tile)
		m.visMu.Unlock()
		for _, t := range visible {
			_ = t.top.Release(terrain.UsageVisibility)
		}
		for _, top := range m.Tiles() {
			top.ReleaseRenderer(true)
		}
	})
	return nil
}
