package streaming

import (
	"fmt"
	"math"
	"slices"

	"go.uber.org/zap"

	"github.com/Faultbox/midgard-terrain/internal/terrain"
)

// locate finds the tile covering world (x, z) and returns it with the
// position in the tile's sample grid.
func (m *Manager) locate(x, z float32) (*tile, float64, float64, error) {
	step := float64(m.opts.StepSize)
	cellSize := step * float64(m.opts.BaseTileSize)
	c := cell{int32(math.Floor(float64(x) / cellSize)), int32(math.Floor(float64(z) / cellSize))}

	// A tile's last row and column lie on the next cell's edge.
	near := m.tilesAt(c, 1)
	ids := make([]int32, 0, len(near))
	for id := range near {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		t := near[id]
		ox, oy := t.top.Origin()
		w, h := t.top.Size()
		fx := float64(x)/step - float64(ox)
		fy := float64(z)/step - float64(oy)
		if fx >= 0 && fy >= 0 && fx <= float64(w-1) && fy <= float64(h-1) {
			return t, fx, fy, nil
		}
	}
	return nil, 0, 0, fmt.Errorf("%w: (%g, %g)", ErrNoTile, x, z)
}

// HeightAt returns the bilinearly interpolated terrain height at world
// (x, z). The tile must be loaded; its heightmap counter is held while
// sampling.
func (m *Manager) HeightAt(x, z float32) (float32, error) {
	t, fx, fy, err := m.locate(x, z)
	if err != nil {
		return 0, err
	}
	top := t.top
	if err := m.use(t, terrain.UsageHeightmap); err != nil {
		return 0, err
	}
	defer m.release(top, terrain.UsageHeightmap)

	hm := top.Heightmap()
	w, h := hm.Size()
	x0, y0 := uint32(fx), uint32(fy)
	x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
	tx, ty := float32(fx-float64(x0)), float32(fy-float64(y0))

	sample := func(col, row uint32) float32 {
		v, _ := hm.Sample(col, row)
		return v
	}
	top0 := sample(x0, y0)*(1-tx) + sample(x1, y0)*tx
	bottom := sample(x0, y1)*(1-tx) + sample(x1, y1)*tx
	return top0*(1-ty) + bottom*ty, nil
}

// MaterialAt returns the material of the sample nearest to world (x, z).
// The tile must be loaded with a material grid.
func (m *Manager) MaterialAt(x, z float32) (terrain.MaterialID, error) {
	t, fx, fy, err := m.locate(x, z)
	if err != nil {
		return 0, err
	}
	top := t.top
	if err := m.use(t, terrain.UsageMaterial); err != nil {
		return 0, err
	}
	defer m.release(top, terrain.UsageMaterial)

	id, ok := top.Material().Sample(uint32(math.Round(fx)), uint32(math.Round(fy)))
	if !ok {
		return 0, fmt.Errorf("%w: (%g, %g)", ErrNoTile, x, z)
	}
	return id, nil
}

// use takes a data counter. Holding the tile mutex keeps an unload that
// already checked the counters from running underneath.
func (m *Manager) use(t *tile, kind terrain.UsageKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.top.Use(kind)
}

func (m *Manager) release(top *terrain.TopZone, kind terrain.UsageKind) {
	if err := top.Release(kind); err != nil {
		m.log.Error("releasing tile counter",
			zap.Int32("tile", top.ID()),
			zap.Stringer("counter", kind),
			zap.Error(err))
	}
}
