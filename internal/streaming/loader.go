package streaming

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/midgard-terrain/internal/catalog"
	"github.com/Faultbox/midgard-terrain/internal/metrics"
	"github.com/Faultbox/midgard-terrain/internal/terrain"
	"github.com/Faultbox/midgard-terrain/pkg/heightmap"
)

type jobKind uint8

const (
	jobLoad jobKind = iota + 1
	jobUnload
)

type job struct {
	kind jobKind
	tile int32
}

// Start runs the loader workers until ctx is done or Close is called.
// Calling it again does nothing.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		for i := 0; i < m.opts.Workers; i++ {
			m.wg.Add(1)
			go m.worker(ctx)
		}
		m.log.Debug("loaders started", zap.Int("workers", m.opts.Workers))
	})
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		case j := <-m.jobs:
			m.run(j)
			m.pendingMu.Lock()
			delete(m.pending, j)
			m.pendingMu.Unlock()
		}
	}
}

// enqueue queues a job unless the same job is already pending. A full
// queue drops the job.
func (m *Manager) enqueue(j job) bool {
	if m.closed.Load() {
		return false
	}
	m.pendingMu.Lock()
	if _, ok := m.pending[j]; ok {
		m.pendingMu.Unlock()
		return false
	}
	m.pending[j] = struct{}{}
	m.pendingMu.Unlock()

	select {
	case m.jobs <- j:
		return true
	default:
		// queue full: rollback
		m.pendingMu.Lock()
		delete(m.pending, j)
		m.pendingMu.Unlock()
		m.log.Debug("load queue full", zap.Int32("tile", j.tile))
		return false
	}
}

// Pending returns the number of queued or running jobs.
func (m *Manager) Pending() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending)
}

// WaitIdle blocks until no job is queued or running.
func (m *Manager) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for m.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.quit:
			return ErrClosed
		case <-ticker.C:
		}
	}
	return nil
}

func (m *Manager) run(j job) {
	t := m.tile(j.tile)
	if t == nil {
		return
	}
	switch j.kind {
	case jobLoad:
		// The tile may have left the view while the job waited.
		if t.top.Counter(terrain.UsageVisibility) == 0 {
			return
		}
		_ = m.loadTile(t)
	case jobUnload:
		m.unloadTile(t)
	}
}

// loadTile loads one tile's data. A missing, corrupt or unsupported data
// file marks the tile failed so visibility updates stop retrying it; a
// missing file is only logged.
func (m *Manager) loadTile(t *tile) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.top.State() != terrain.StateHeaderOnly {
		return nil
	}
	start := time.Now()
	err := t.top.Load(m.opts.Files, m.opts.Codecs)
	if err == nil {
		if m.opts.Metrics != nil {
			m.opts.Metrics.TileLoaded(start)
		}
		m.log.Debug("tile loaded",
			zap.Int32("tile", t.top.ID()),
			zap.Duration("took", time.Since(start)))
		return nil
	}

	reason := failureReason(err)
	if m.opts.Metrics != nil {
		m.opts.Metrics.TileLoadFailed(reason)
	}
	if reason != metrics.ReasonOther {
		t.failed.Store(true)
	}
	if reason == metrics.ReasonMissing {
		m.log.Warn("tile data missing, skipping",
			zap.Int32("tile", t.top.ID()),
			zap.String("file", t.top.DataFileName()),
			zap.Error(err))
		return nil
	}
	m.log.Error("tile load failed",
		zap.Int32("tile", t.top.ID()),
		zap.String("reason", reason),
		zap.Error(err))
	return err
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, terrain.ErrMissingFile):
		return metrics.ReasonMissing
	case errors.Is(err, heightmap.ErrUnsupportedFormat):
		return metrics.ReasonUnsupported
	case errors.Is(err, terrain.ErrFormatMismatch):
		return metrics.ReasonCorrupt
	}
	return metrics.ReasonOther
}

// unloadTile frees an unused tile's data and evicts its data file.
func (m *Manager) unloadTile(t *tile) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// The tile may have been used again since the job was queued.
	if !t.top.Unused() || !t.top.DataLoaded() {
		return
	}
	if err := t.top.Unload(); err != nil {
		m.log.Warn("tile unload refused", zap.Int32("tile", t.top.ID()), zap.Error(err))
		return
	}
	if m.opts.Metrics != nil {
		m.opts.Metrics.TileEvicted()
	}
	if ev, ok := m.opts.Files.(interface{ Evict(name string) bool }); ok {
		ev.Evict(t.top.DataFileName())
	}
	m.log.Debug("tile evicted", zap.Int32("tile", t.top.ID()))
}

// LoadAll loads every tile that has no data yet, regardless of
// visibility. Missing data files are skipped; the first other failure is
// returned. Such tiles are evicted like any other once their counters
// next drop to zero.
func (m *Manager) LoadAll(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)

	m.mu.RLock()
	tiles := make([]*tile, 0, len(m.tiles))
	for _, t := range m.tiles {
		tiles = append(tiles, t)
	}
	m.mu.RUnlock()

	for _, t := range tiles {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return m.loadTile(t)
		})
	}
	return g.Wait()
}

// CatalogSource lists tile locations.
type CatalogSource interface {
	List(ctx context.Context) ([]catalog.Entry, error)
}

// LoadCatalog adds every tile listed by cat, opening header files through
// the manager's file system. Header files are parsed in parallel; tiles of
// one header file are read in offset order. It returns the number of
// tiles added.
func (m *Manager) LoadCatalog(ctx context.Context, cat CatalogSource) (int, error) {
	entries, err := cat.List(ctx)
	if err != nil {
		return 0, err
	}

	byFile := make(map[string][]catalog.Entry)
	for _, e := range entries {
		byFile[e.HeaderFile] = append(byFile[e.HeaderFile], e)
	}
	files := make([]string, 0, len(byFile))
	for name := range byFile {
		files = append(files, name)
	}
	sort.Strings(files)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for _, name := range files {
		group := byFile[name]
		sort.Slice(group, func(i, j int) bool { return group[i].HeaderOffset < group[j].HeaderOffset })
		g.Go(func() error {
			return m.addHeaderFile(ctx, name, group)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	m.log.Info("catalog loaded", zap.Int("tiles", len(entries)), zap.Int("header_files", len(files)))
	return len(entries), nil
}

func (m *Manager) addHeaderFile(ctx context.Context, name string, entries []catalog.Entry) error {
	f, err := m.opts.Files.Open(name)
	if err != nil {
		return fmt.Errorf("%w: header %s: %w", terrain.ErrMissingFile, name, err)
	}
	defer f.Close()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		top, err := m.AddTile(f, int64(e.HeaderOffset))
		if err != nil {
			return fmt.Errorf("%s@%d: %w", name, e.HeaderOffset, err)
		}
		if top.ID() != e.ID {
			return fmt.Errorf("%w: %s@%d holds tile %d, catalog says %d",
				terrain.ErrFormatMismatch, name, e.HeaderOffset, top.ID(), e.ID)
		}
	}
	return nil
}
