package streaming

import (
	"errors"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"

	"github.com/Faultbox/midgard-terrain/internal/terrain"
)

// minDistance keeps the LOD metric finite when the camera is inside a zone.
const minDistance = 1e-3

// Render walks the quadtrees of the visible, loaded tiles and returns the
// zones to draw from camera. A zone is split while the camera is closer
// than SplitFactor times its width; the zones of the cut get a renderer
// refreshed to the coarsest LOD whose error over distance stays within
// LODTolerance, and renderers above or below the cut are released.
//
// Render must be called from one goroutine.
func (m *Manager) Render(camera mgl32.Vec3) []*terrain.Zone {
	m.visMu.Lock()
	tiles := make([]*tile, 0, len(m.visible))
	for _, t := range m.visible {
		tiles = append(tiles, t)
	}
	m.visMu.Unlock()
	sort.Slice(tiles, func(i, j int) bool { return tiles[i].top.ID() < tiles[j].top.ID() })

	var cut []*terrain.Zone
	for _, t := range tiles {
		// Busy tiles are loading or unloading; they are drawn next frame.
		if !t.mu.TryLock() {
			continue
		}
		if t.top.DataLoaded() {
			cut = m.selectZones(&t.top.Zone, camera, cut)
		}
		t.mu.Unlock()
	}
	return cut
}

func (m *Manager) selectZones(z *terrain.Zone, camera mgl32.Vec3, cut []*terrain.Zone) []*terrain.Zone {
	dist := distanceToBounds(camera, z.Bounds())
	size := z.WorldSize()
	if !z.IsLeaf() && dist < m.opts.SplitFactor*max(size.X(), size.Z()) {
		if m.opts.Renderers != nil {
			z.ReleaseRenderer(false)
		}
		for _, child := range z.Children() {
			cut = m.selectZones(child, camera, cut)
		}
		return cut
	}

	if m.opts.Renderers != nil {
		for _, child := range z.Children() {
			child.ReleaseRenderer(true)
		}
		m.refresh(z, SelectLOD(z.LODs(), dist, m.opts.LODTolerance))
	}
	return append(cut, z)
}

func (m *Manager) refresh(z *terrain.Zone, lod int) {
	if err := z.CreateRenderer(); err != nil {
		if !errors.Is(err, terrain.ErrNoRenderer) {
			m.log.Error("creating zone renderer",
				zap.Int32("tile", z.Top().ID()),
				zap.Uint8("level", z.Level()),
				zap.Error(err))
		}
		return
	}
	before := z.CurrentLOD()
	if err := z.RefreshRendererBuffers(lod); err != nil {
		m.log.Error("refreshing zone renderer",
			zap.Int32("tile", z.Top().ID()),
			zap.Uint8("level", z.Level()),
			zap.Int("lod", lod),
			zap.Error(err))
		return
	}
	if z.CurrentLOD() != before && m.opts.Metrics != nil {
		m.opts.Metrics.RendererRebuilt()
	}
}

// SelectLOD returns the coarsest LOD whose MaxError seen from dist is at
// most tolerance, or the finest one if none is. lods are ordered coarse to
// fine.
func SelectLOD(lods []terrain.LevelOfDetail, dist, tolerance float32) int {
	if len(lods) == 0 {
		return terrain.NoLOD
	}
	dist = max(dist, minDistance)
	for i, l := range lods {
		if l.MaxError/dist <= tolerance {
			return i
		}
	}
	return len(lods) - 1
}

// distanceToBounds returns the distance from p to the closest point of b,
// zero inside.
func distanceToBounds(p mgl32.Vec3, b terrain.Bounds) float32 {
	var d mgl32.Vec3
	for i := 0; i < 3; i++ {
		switch {
		case p[i] < b.Min[i]:
			d[i] = b.Min[i] - p[i]
		case p[i] > b.Max[i]:
			d[i] = p[i] - b.Max[i]
		}
	}
	return d.Len()
}
