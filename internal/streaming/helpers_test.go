package streaming

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Faultbox/midgard-terrain/internal/metrics"
	"github.com/Faultbox/midgard-terrain/internal/terrain"
	"github.com/Faultbox/midgard-terrain/internal/terrain/terraintest"
	"github.com/Faultbox/midgard-terrain/internal/vfs"
)

const headerFile = "world.hdr"

type fakeRenderer struct {
	mu       sync.Mutex
	zone     *terrain.Zone
	lods     []int
	released bool
}

func (r *fakeRenderer) Update(d *terrain.RenderData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lods = append(r.lods, d.LOD)
	return nil
}

func (r *fakeRenderer) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = true
}

type rendererLog struct {
	mu  sync.Mutex
	all []*fakeRenderer
}

func (l *rendererLog) create(z *terrain.Zone) (terrain.Renderer, error) {
	r := &fakeRenderer{zone: z}
	l.mu.Lock()
	l.all = append(l.all, r)
	l.mu.Unlock()
	return r, nil
}

func (l *rendererLog) live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.all {
		r.mu.Lock()
		if !r.released {
			n++
		}
		r.mu.Unlock()
	}
	return n
}

// grid3 is three 9x9 tiles side by side around the origin plus one far
// away tile, on 8 sample cells.
func grid3() []terraintest.Tile {
	return []terraintest.Tile{
		{ID: 1, OriginX: 0, OriginY: 0, Width: 9, Height: 9, Depth: 1},
		{ID: 2, OriginX: 8, OriginY: 0, Width: 9, Height: 9, Depth: 1},
		{ID: 3, OriginX: 0, OriginY: 8, Width: 9, Height: 9, Depth: 1},
		{ID: 9, OriginX: 64, OriginY: 64, Width: 9, Height: 9, Depth: 1},
	}
}

type testEnv struct {
	pack    *terraintest.Pack
	files   *vfs.Manager
	mem     *vfs.MemSource
	reg     *prometheus.Registry
	mgr     *Manager
	renders *rendererLog
}

// newEnv builds tiles into a memory source and adds them to a manager
// with step 1 and 8 sample cells. skip lists data files to leave out.
func newEnv(t *testing.T, tiles []terraintest.Tile, opts Options, skip ...string) *testEnv {
	t.Helper()
	pack, err := terraintest.BuildPack(tiles...)
	if err != nil {
		t.Fatalf("BuildPack: %v", err)
	}

	mem := vfs.NewMemSource("test")
	mem.Put(headerFile, pack.Header)
	for name, data := range pack.FS {
		omit := false
		for _, s := range skip {
			omit = omit || s == name
		}
		if !omit {
			mem.Put(name, data)
		}
	}
	files := vfs.NewManager(true)
	files.AddSource(mem)

	reg := prometheus.NewRegistry()
	m, err := metrics.New("test", reg)
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{pack: pack, files: files, mem: mem, reg: reg, renders: &rendererLog{}}
	if opts.StepSize == 0 {
		opts.StepSize = 1
	}
	if opts.BaseTileSize == 0 {
		opts.BaseTileSize = 8
	}
	if opts.VisibleRadius == 0 {
		opts.VisibleRadius = 1
	}
	opts.Files = files
	opts.Metrics = m
	env.mgr, err = New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = env.mgr.Close() })

	for _, off := range pack.Offsets {
		if _, err := env.mgr.AddTile(bytes.NewReader(pack.Header), int64(off)); err != nil {
			t.Fatalf("AddTile at %d: %v", off, err)
		}
	}
	return env
}

func (e *testEnv) withRenderers() *testEnv {
	e.mgr.opts.Renderers = e.renders.create
	return e
}

func (e *testEnv) top(t *testing.T, id int32) *terrain.TopZone {
	t.Helper()
	top, ok := e.mgr.Tile(id)
	if !ok {
		t.Fatalf("tile %d not found", id)
	}
	return top
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

// expectMetric compares one metric of the test registry with its text
// exposition.
func expectMetric(t *testing.T, reg *prometheus.Registry, name, kind, help, body string) {
	t.Helper()
	expected := "# HELP " + name + " " + help + "\n# TYPE " + name + " " + kind + "\n" + body + "\n"
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), name); err != nil {
		t.Error(err)
	}
}
