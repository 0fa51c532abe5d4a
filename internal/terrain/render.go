package terrain

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"

	"github.com/Faultbox/midgard-terrain/internal/logger"
)

// Renderer returns the zone's renderer, nil if none exists.
func (z *Zone) Renderer() Renderer {
	z.rmu.Lock()
	defer z.rmu.Unlock()
	return z.renderer
}

// CurrentLOD returns the LOD last published to the renderer, or NoLOD.
func (z *Zone) CurrentLOD() int {
	z.rmu.Lock()
	defer z.rmu.Unlock()
	return z.currentLOD
}

// CreateRenderer asks the Manager for a renderer for this zone. The zone's
// data must be loaded. Calling it while a renderer exists does nothing.
func (z *Zone) CreateRenderer() error {
	if !z.DataLoaded() {
		return fmt.Errorf("%w: renderer for zone in state %s", ErrPrecondition, z.State())
	}

	if z.Renderer() != nil {
		return nil
	}
	r, err := z.top.mgr.CreateRenderer(z)
	if err != nil {
		return fmt.Errorf("creating renderer: %w", err)
	}
	if r == nil {
		return fmt.Errorf("%w: manager returned no renderer", ErrNoRenderer)
	}

	z.rmu.Lock()
	if z.renderer != nil {
		z.rmu.Unlock()
		r.Release()
		return nil
	}
	z.renderer = r
	z.currentLOD = NoLOD
	z.state.Store(uint32(StateRendererActive))
	z.rmu.Unlock()

	z.top.emit(EventRendererCreated, z)
	return nil
}

// ReleaseRenderer tears down the zone's renderer and, when recursive is
// set, every renderer below it. Resolved material handles are dropped with
// the renderer.
func (z *Zone) ReleaseRenderer(recursive bool) {
	z.rmu.Lock()
	r := z.renderer
	if r != nil {
		z.renderer = nil
		z.currentLOD = NoLOD
		z.resolved = false
		z.lightmap = nil
		for i := range z.lods {
			for j := range z.lods[i].Blocks {
				z.lods[i].Blocks[j].Materials = nil
			}
		}
		z.state.CompareAndSwap(uint32(StateRendererActive), uint32(StateDataLoaded))
	}
	z.rmu.Unlock()

	if r != nil {
		r.Release()
		z.top.emit(EventRendererRemoved, z)
	}
	if recursive {
		for _, child := range z.Children() {
			child.ReleaseRenderer(true)
		}
	}
}

// RefreshRendererBuffers publishes the mesh of LOD lod to the renderer.
// lod is clamped to the available range; asking for the LOD already
// published does nothing. Material handles are resolved only on the first
// publication after the renderer was created.
func (z *Zone) RefreshRendererBuffers(lod int) error {
	z.rmu.Lock()
	defer z.rmu.Unlock()

	if z.renderer == nil {
		return ErrNoRenderer
	}
	if len(z.lods) == 0 {
		return fmt.Errorf("%w: zone level %d path %#x has no lods", ErrPrecondition, z.level, z.path)
	}
	if lod < 0 {
		lod = 0
	}
	if lod >= len(z.lods) {
		lod = len(z.lods) - 1
	}
	if lod == z.currentLOD {
		return nil
	}
	l := &z.lods[lod]
	if !l.Loaded() || !z.heightmap.Valid() {
		return fmt.Errorf("%w: lod %d of zone level %d is not loaded", ErrPrecondition, lod, z.level)
	}

	if z.currentLOD == NoLOD && !z.resolved {
		z.resolveMaterials()
	}

	data, err := z.buildRenderData(lod)
	if err != nil {
		return err
	}
	if err := z.renderer.Update(data); err != nil {
		return fmt.Errorf("updating renderer: %w", err)
	}
	z.currentLOD = lod
	return nil
}

// resolveMaterials looks up every render block's materials and the tile
// lightmap. Called with rmu held.
func (z *Zone) resolveMaterials() {
	mgr := z.top.mgr
	for i := range z.lods {
		for j := range z.lods[i].Blocks {
			block := &z.lods[i].Blocks[j]
			block.Materials = make([]MaterialHandle, len(block.MaterialIDs))
			for k, id := range block.MaterialIDs {
				h, ok := mgr.Material(id)
				if !ok {
					logger.Warn("unresolved terrain material",
						zap.Int32("tile", z.top.id),
						zap.Uint8("level", z.level),
						zap.Uint16("material", uint16(id)))
				}
				block.Materials[k] = h
			}
		}
	}
	z.lightmap, _ = mgr.Lightmap(z.top.id)
	z.resolved = true
}

// buildRenderData synthesizes positions, texture coordinates, indices and
// per-vertex materials for one LOD.
func (z *Zone) buildRenderData(lod int) (*RenderData, error) {
	l := &z.lods[lod]
	step := z.top.mgr.StepSize()
	tileX := float32(z.top.origin[0]) + float32(z.origin[0])
	tileY := float32(z.top.origin[1]) + float32(z.origin[1])
	uScale := 1 / float32(max(z.top.size[0]-1, 1))
	vScale := 1 / float32(max(z.top.size[1]-1, 1))

	data := &RenderData{
		LOD:       lod,
		Positions: make([]mgl32.Vec3, len(z.vertices)),
		TexCoords: make([]mgl32.Vec2, len(z.vertices)),
		Indices:   append([]uint32(nil), l.Indices...),
		Materials: make([]MaterialID, len(z.vertices)),
		Blocks:    append([]RenderBlock(nil), l.Blocks...),
		Lightmap:  z.lightmap,
	}
	for i, v := range z.vertices {
		col, row := uint32(v.Col), uint32(v.Row)
		h, ok := z.heightmap.Sample(col, row)
		if !ok {
			return nil, fmt.Errorf("%w: vertex %d (%d,%d) outside heightmap", ErrCorruptZoneData, i, row, col)
		}
		data.Positions[i] = mgl32.Vec3{(tileX + float32(col)) * step, h, (tileY + float32(row)) * step}
		data.TexCoords[i] = mgl32.Vec2{
			float32(z.origin[0]+col) * uScale,
			float32(z.origin[1]+row) * vScale,
		}
		if z.material.Valid() {
			data.Materials[i], _ = z.material.Sample(col, row)
		}
	}
	return data, nil
}
