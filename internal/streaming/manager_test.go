package streaming

import (
	"bytes"
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/Faultbox/midgard-terrain/internal/catalog"
	"github.com/Faultbox/midgard-terrain/internal/config"
	"github.com/Faultbox/midgard-terrain/internal/terrain"
	"github.com/Faultbox/midgard-terrain/internal/terrain/terraintest"
)

func TestNewRequiresFiles(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New without a file system should fail")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Terrain.StepSize = 2
	cfg.Streaming.VisibleRadius = 4
	opts := OptionsFromConfig(cfg)
	if opts.StepSize != 2 || opts.BaseTileSize != 128 || opts.VisibleRadius != 4 || opts.Workers != 4 {
		t.Errorf("unexpected options %+v", opts)
	}
}

func TestAddTile(t *testing.T) {
	env := newEnv(t, grid3(), Options{})

	tiles := env.mgr.Tiles()
	if len(tiles) != 4 {
		t.Fatalf("got %d tiles, want 4", len(tiles))
	}
	for i, id := range []int32{1, 2, 3, 9} {
		if tiles[i].ID() != id {
			t.Errorf("tiles[%d] = %d, want %d", i, tiles[i].ID(), id)
		}
		if tiles[i].State() != terrain.StateHeaderOnly {
			t.Errorf("tile %d state %s", id, tiles[i].State())
		}
	}

	_, err := env.mgr.AddTile(bytes.NewReader(env.pack.Header), int64(env.pack.Offsets[1]))
	if !errors.Is(err, ErrDuplicateTile) {
		t.Errorf("second add of tile 2: %v, want ErrDuplicateTile", err)
	}
	if _, ok := env.mgr.Tile(42); ok {
		t.Error("unknown tile reported present")
	}

	_, err = env.mgr.AddTile(bytes.NewReader([]byte("nope")), 0)
	if !errors.Is(err, terrain.ErrFormatMismatch) {
		t.Errorf("garbage header: %v, want ErrFormatMismatch", err)
	}
}

func TestZoneIndex(t *testing.T) {
	env := newEnv(t, grid3()[:1], Options{StepSize: 2, BaseTileSize: 8})
	tests := []struct {
		pos  mgl32.Vec3
		x, y int32
	}{
		{mgl32.Vec3{0, 0, 0}, 0, 0},
		{mgl32.Vec3{15.9, 100, 16}, 0, 1},
		{mgl32.Vec3{-0.1, 0, -16}, -1, -1},
		{mgl32.Vec3{-16.1, 0, 33}, -2, 2},
	}
	for _, tt := range tests {
		x, y := env.mgr.ZoneIndex(tt.pos)
		if x != tt.x || y != tt.y {
			t.Errorf("ZoneIndex(%v) = (%d,%d), want (%d,%d)", tt.pos, x, y, tt.x, tt.y)
		}
	}
}

func TestVisibilityStreamsTiles(t *testing.T) {
	env := newEnv(t, grid3(), Options{Workers: 2})
	env.mgr.Start(context.Background())

	env.mgr.UpdateVisibility(mgl32.Vec3{4, 0, 4})
	waitIdle(t, env.mgr)

	if got := env.mgr.Visible(); len(got) != 3 {
		t.Fatalf("visible = %v, want tiles 1 2 3", got)
	}
	for _, id := range []int32{1, 2, 3} {
		if !env.top(t, id).DataLoaded() {
			t.Errorf("tile %d not loaded", id)
		}
	}
	if env.top(t, 9).DataLoaded() {
		t.Error("far tile loaded")
	}
	expectMetric(t, env.reg, "test_streaming_tiles_loaded_total", "counter",
		"Tiles whose data was streamed in.", "test_streaming_tiles_loaded_total 3")
	expectMetric(t, env.reg, "test_streaming_tiles_visible", "gauge",
		"Tiles inside the visible radius.", "test_streaming_tiles_visible 3")

	// Moving away releases the near tiles, which get evicted.
	env.mgr.UpdateVisibility(mgl32.Vec3{68, 0, 68})
	waitIdle(t, env.mgr)

	for _, id := range []int32{1, 2, 3} {
		top := env.top(t, id)
		if top.State() != terrain.StateHeaderOnly {
			t.Errorf("tile %d state %s after eviction", id, top.State())
		}
		if !top.Unused() {
			t.Errorf("tile %d still in use", id)
		}
	}
	if !env.top(t, 9).DataLoaded() {
		t.Error("tile 9 not loaded")
	}
	expectMetric(t, env.reg, "test_streaming_tiles_evicted_total", "counter",
		"Tiles whose data was released after becoming unused.", "test_streaming_tiles_evicted_total 3")
	expectMetric(t, env.reg, "test_streaming_tiles_resident", "gauge",
		"Tiles with data in memory.", "test_streaming_tiles_resident 1")

	files, _ := env.files.Cache().Size()
	if files != 1 {
		t.Errorf("%d files cached after eviction, want only tile 9's", files)
	}

	// Coming back streams the tiles in again.
	env.mgr.UpdateVisibility(mgl32.Vec3{4, 0, 4})
	waitIdle(t, env.mgr)
	for _, id := range []int32{1, 2, 3} {
		if !env.top(t, id).DataLoaded() {
			t.Errorf("tile %d not reloaded", id)
		}
	}
}

func TestMissingDataFileSkipped(t *testing.T) {
	env := newEnv(t, grid3(), Options{Workers: 1}, "tile2.dat")
	env.mgr.Start(context.Background())

	env.mgr.UpdateVisibility(mgl32.Vec3{4, 0, 4})
	waitIdle(t, env.mgr)

	if env.top(t, 2).DataLoaded() {
		t.Fatal("tile without data file loaded")
	}
	if !env.top(t, 1).DataLoaded() || !env.top(t, 3).DataLoaded() {
		t.Error("neighbours of the missing tile not loaded")
	}
	expectMetric(t, env.reg, "test_streaming_tile_load_errors_total", "counter",
		"Failed tile loads. Broken down by reason.",
		`test_streaming_tile_load_errors_total{reason="missing"} 1`)

	// The failed tile is not requested again while it stays visible.
	env.mgr.UpdateVisibility(mgl32.Vec3{4, 0, 4})
	if n := env.mgr.Pending(); n != 0 {
		t.Errorf("%d jobs queued for a tile known to be missing", n)
	}

	// Once the file shows up the tile loads the next time it appears.
	env.mem.Put("tile2.dat", env.pack.FS["tile2.dat"])
	env.mgr.UpdateVisibility(mgl32.Vec3{68, 0, 68})
	env.mgr.UpdateVisibility(mgl32.Vec3{4, 0, 4})
	waitIdle(t, env.mgr)
	if !env.top(t, 2).DataLoaded() {
		t.Error("tile 2 not loaded after its file appeared")
	}
}

func TestCorruptDataFileNotRetried(t *testing.T) {
	env := newEnv(t, grid3()[:1], Options{Workers: 1})
	data := append([]byte(nil), env.pack.FS["tile1.dat"]...)
	copy(data[len(terraintest.DataMagic):], "XXXX")
	env.mem.Put("tile1.dat", data)
	env.mgr.Start(context.Background())

	for i := 0; i < 5; i++ {
		env.mgr.UpdateVisibility(mgl32.Vec3{4, 0, 4})
		waitIdle(t, env.mgr)
	}
	if env.top(t, 1).DataLoaded() {
		t.Fatal("corrupt tile loaded")
	}
	expectMetric(t, env.reg, "test_streaming_tile_load_errors_total", "counter",
		"Failed tile loads. Broken down by reason.",
		`test_streaming_tile_load_errors_total{reason="corrupt"} 1`)

	// Reappearing is the only trigger for another attempt.
	env.mgr.UpdateVisibility(mgl32.Vec3{68, 0, 68})
	env.mgr.UpdateVisibility(mgl32.Vec3{4, 0, 4})
	waitIdle(t, env.mgr)
	expectMetric(t, env.reg, "test_streaming_tile_load_errors_total", "counter",
		"Failed tile loads. Broken down by reason.",
		`test_streaming_tile_load_errors_total{reason="corrupt"} 2`)
}

func TestLoadAll(t *testing.T) {
	env := newEnv(t, grid3(), Options{}, "tile9.dat")
	if err := env.mgr.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	for _, id := range []int32{1, 2, 3} {
		if !env.top(t, id).DataLoaded() {
			t.Errorf("tile %d not loaded", id)
		}
	}
	if env.top(t, 9).DataLoaded() {
		t.Error("tile 9 has no data file")
	}
}

func TestLoadAllCorrupt(t *testing.T) {
	env := newEnv(t, grid3()[:1], Options{})
	data := append([]byte(nil), env.pack.FS["tile1.dat"]...)
	copy(data[len(terraintest.DataMagic):], "XXXX")
	env.mem.Put("tile1.dat", data)

	err := env.mgr.LoadAll(context.Background())
	if !errors.Is(err, terrain.ErrFormatMismatch) {
		t.Errorf("LoadAll of corrupt tile: %v, want ErrFormatMismatch", err)
	}
	expectMetric(t, env.reg, "test_streaming_tile_load_errors_total", "counter",
		"Failed tile loads. Broken down by reason.",
		`test_streaming_tile_load_errors_total{reason="corrupt"} 1`)
}

func TestHeightAt(t *testing.T) {
	env := newEnv(t, grid3(), Options{})
	ramp := terraintest.Ramp(9, 9)

	if _, err := env.mgr.HeightAt(3, 5); !errors.Is(err, terrain.ErrPrecondition) {
		t.Errorf("HeightAt before load: %v, want ErrPrecondition", err)
	}
	if err := env.mgr.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		x, z float32
		want float32
	}{
		{3, 5, ramp[5*9+3]},
		{3.5, 5, (ramp[5*9+3] + ramp[5*9+4]) / 2},
		{3, 5.25, ramp[5*9+3]*0.75 + ramp[6*9+3]*0.25},
		{8, 8, ramp[8*9+8]},
		{10, 2, ramp[2*9+2]},
	}
	for _, tt := range tests {
		got, err := env.mgr.HeightAt(tt.x, tt.z)
		if err != nil {
			t.Errorf("HeightAt(%v,%v): %v", tt.x, tt.z, err)
			continue
		}
		if math.Abs(float64(got-tt.want)) > 1e-4 {
			t.Errorf("HeightAt(%v,%v) = %v, want %v", tt.x, tt.z, got, tt.want)
		}
	}

	if _, err := env.mgr.HeightAt(40, 40); !errors.Is(err, ErrNoTile) {
		t.Errorf("HeightAt outside tiles: %v, want ErrNoTile", err)
	}
	if c := env.top(t, 1).Counter(terrain.UsageHeightmap); c != 0 {
		t.Errorf("heightmap counter left at %d", c)
	}
}

func TestMaterialAt(t *testing.T) {
	tiles := grid3()[:2]
	tiles[0].Materials = terraintest.Checker(9, 9, 2, 1, 2)
	env := newEnv(t, tiles, Options{})
	if err := env.mgr.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		x, z float32
		want terrain.MaterialID
	}{
		{0, 0, 1},
		{2, 0, 2},
		{2.4, 2.4, 1},
		{1.6, 0, 2},
	}
	for _, tt := range tests {
		got, err := env.mgr.MaterialAt(tt.x, tt.z)
		if err != nil {
			t.Errorf("MaterialAt(%v,%v): %v", tt.x, tt.z, err)
			continue
		}
		if got != tt.want {
			t.Errorf("MaterialAt(%v,%v) = %d, want %d", tt.x, tt.z, got, tt.want)
		}
	}

	if _, err := env.mgr.MaterialAt(12, 4); !errors.Is(err, terrain.ErrPrecondition) {
		t.Errorf("MaterialAt on tile without grid: %v, want ErrPrecondition", err)
	}
}

func TestSelectLOD(t *testing.T) {
	lods := []terrain.LevelOfDetail{{MaxError: 8}, {MaxError: 2}, {MaxError: 0}}
	tests := []struct {
		dist, tol float32
		want      int
	}{
		{100, 0.5, 0},
		{16, 0.5, 0},
		{15, 0.5, 1},
		{4, 0.5, 1},
		{3, 0.5, 2},
		{0, 0.5, 2},
	}
	for _, tt := range tests {
		if got := SelectLOD(lods, tt.dist, tt.tol); got != tt.want {
			t.Errorf("SelectLOD(dist %v) = %d, want %d", tt.dist, got, tt.want)
		}
	}
	if got := SelectLOD(lods[:2], 0, 0.5); got != 1 {
		t.Errorf("nothing within tolerance picked %d, want finest", got)
	}
	if got := SelectLOD(nil, 1, 1); got != terrain.NoLOD {
		t.Errorf("no lods picked %d", got)
	}
}

func TestRenderCut(t *testing.T) {
	tiles := []terraintest.Tile{{ID: 5, Width: 17, Height: 17, Depth: 2}}
	env := newEnv(t, tiles, Options{BaseTileSize: 16, SplitFactor: 2, LODTolerance: 0.5}).withRenderers()
	if err := env.mgr.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	root := &env.top(t, 5).Zone

	if cut := env.mgr.Render(mgl32.Vec3{8, 0, 8}); len(cut) != 0 {
		t.Fatalf("invisible tile rendered %d zones", len(cut))
	}

	far := mgl32.Vec3{8, 0, 1000}
	env.mgr.UpdateVisibility(mgl32.Vec3{8, 0, 8})
	cut := env.mgr.Render(far)
	if len(cut) != 1 || cut[0] != root {
		t.Fatalf("far cut = %d zones, want the root", len(cut))
	}
	if root.Renderer() == nil || root.CurrentLOD() != 0 {
		t.Errorf("root renderer %v at lod %d, want coarsest", root.Renderer(), root.CurrentLOD())
	}

	// Above the tile the root splits into its four children.
	near := mgl32.Vec3{8, 50, 8}
	cut = env.mgr.Render(near)
	if len(cut) != 4 {
		t.Fatalf("near cut = %d zones, want 4", len(cut))
	}
	if root.Renderer() != nil {
		t.Error("split root kept its renderer")
	}
	for i, z := range cut {
		if z.Parent() != root {
			t.Errorf("cut[%d] is level %d", i, z.Level())
		}
		if z.Renderer() == nil {
			t.Errorf("cut[%d] has no renderer", i)
		}
		want := SelectLOD(z.LODs(), distanceToBounds(near, z.Bounds()), 0.5)
		if z.CurrentLOD() != want {
			t.Errorf("cut[%d] lod %d, want %d", i, z.CurrentLOD(), want)
		}
	}
	if n := env.renders.live(); n != 4 {
		t.Errorf("%d live renderers, want 4", n)
	}

	// Same camera, same LODs: nothing is rebuilt.
	before := testRebuilds(t, env)
	env.mgr.Render(near)
	if after := testRebuilds(t, env); after != before {
		t.Errorf("steady camera rebuilt renderers: %v -> %v", before, after)
	}

	cut = env.mgr.Render(far)
	if len(cut) != 1 || env.renders.live() != 1 {
		t.Errorf("back far: %d zones, %d live renderers", len(cut), env.renders.live())
	}
	expectMetric(t, env.reg, "test_streaming_renderers_active", "gauge",
		"Zones holding a renderer.", "test_streaming_renderers_active 1")

	// Leaving the view releases everything.
	env.mgr.UpdateVisibility(mgl32.Vec3{1000, 0, 1000})
	if n := env.renders.live(); n != 0 {
		t.Errorf("%d renderers alive after the tile left the view", n)
	}
}

func testRebuilds(t *testing.T, env *testEnv) int {
	t.Helper()
	env.renders.mu.Lock()
	defer env.renders.mu.Unlock()
	n := 0
	for _, r := range env.renders.all {
		r.mu.Lock()
		n += len(r.lods)
		r.mu.Unlock()
	}
	return n
}

func TestRenderWithoutRenderers(t *testing.T) {
	tiles := []terraintest.Tile{{ID: 5, Width: 17, Height: 17, Depth: 2}}
	env := newEnv(t, tiles, Options{BaseTileSize: 16})
	if err := env.mgr.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	env.mgr.UpdateVisibility(mgl32.Vec3{8, 0, 8})

	cut := env.mgr.Render(mgl32.Vec3{8, 50, 8})
	if len(cut) != 4 {
		t.Fatalf("cut = %d zones, want 4", len(cut))
	}
	for _, z := range cut {
		if z.Renderer() != nil {
			t.Error("renderer created without a factory")
		}
	}
}

func TestLoadCatalog(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, nil, Options{})
	pack, err := terraintest.BuildPack(grid3()...)
	if err != nil {
		t.Fatal(err)
	}
	env.mem.Put(headerFile, pack.Header)
	for name, data := range pack.FS {
		env.mem.Put(name, data)
	}

	cat, err := catalog.OpenSQLite(filepath.Join(t.TempDir(), "tiles.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()
	for i, f := range pack.Tiles {
		err := cat.Put(ctx, catalog.Entry{
			ID: f.Tile.ID, HeaderFile: headerFile, HeaderOffset: pack.Offsets[i], DataFile: f.Tile.DataFile,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	n, err := env.mgr.LoadCatalog(ctx, cat)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if n != 4 || len(env.mgr.Tiles()) != 4 {
		t.Errorf("loaded %d tiles, manager has %d", n, len(env.mgr.Tiles()))
	}
	if err := env.mgr.LoadAll(ctx); err != nil {
		t.Fatal(err)
	}
}

type staticCatalog []catalog.Entry

func (c staticCatalog) List(context.Context) ([]catalog.Entry, error) { return c, nil }

func TestLoadCatalogErrors(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, nil, Options{})
	pack, err := terraintest.BuildPack(grid3()[:2]...)
	if err != nil {
		t.Fatal(err)
	}
	env.mem.Put(headerFile, pack.Header)

	_, err = env.mgr.LoadCatalog(ctx, staticCatalog{{ID: 1, HeaderFile: "missing.hdr"}})
	if !errors.Is(err, terrain.ErrMissingFile) {
		t.Errorf("missing header file: %v, want ErrMissingFile", err)
	}

	_, err = env.mgr.LoadCatalog(ctx, staticCatalog{{ID: 7, HeaderFile: headerFile, HeaderOffset: pack.Offsets[1]}})
	if !errors.Is(err, terrain.ErrFormatMismatch) {
		t.Errorf("wrong tile id: %v, want ErrFormatMismatch", err)
	}
}

func TestClose(t *testing.T) {
	tiles := []terraintest.Tile{{ID: 5, Width: 17, Height: 17, Depth: 2}}
	env := newEnv(t, tiles, Options{BaseTileSize: 16}).withRenderers()
	env.mgr.Start(context.Background())
	if err := env.mgr.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	env.mgr.UpdateVisibility(mgl32.Vec3{8, 0, 8})
	env.mgr.Render(mgl32.Vec3{8, 0, 8})
	if env.renders.live() == 0 {
		t.Fatal("no renderer created")
	}

	if err := env.mgr.Close(); err != nil {
		t.Fatal(err)
	}
	if n := env.renders.live(); n != 0 {
		t.Errorf("%d renderers alive after Close", n)
	}
	if !env.top(t, 5).Unused() {
		t.Error("visibility held after Close")
	}
	if err := env.mgr.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := env.mgr.AddTile(bytes.NewReader(env.pack.Header), 0); !errors.Is(err, ErrClosed) {
		t.Errorf("AddTile after Close: %v, want ErrClosed", err)
	}
	if err := env.mgr.LoadAll(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("LoadAll after Close: %v, want ErrClosed", err)
	}
}
