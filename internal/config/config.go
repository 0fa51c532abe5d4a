// Package config handles terrain streaming configuration loading and management.
package config

import (
	"errors"
	"fmt"

	"github.com/Faultbox/midgard-terrain/internal/logger"
	"github.com/Faultbox/midgard-terrain/pkg/heightmap"
)

// Config holds all terrain settings.
type Config struct {
	Terrain   TerrainConfig   `yaml:"terrain"`
	Streaming StreamingConfig `yaml:"streaming"`
	Data      DataConfig      `yaml:"data"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// TerrainConfig holds world geometry and encoding settings.
type TerrainConfig struct {
	StepSize        float32 `yaml:"step_size"`      // World units between samples
	BaseTileSize    int32   `yaml:"base_tile_size"` // Spatial index cell, in samples
	HeightmapFormat string  `yaml:"heightmap_format"`
	DeltaPrecision  float32 `yaml:"delta_precision"`
}

// StreamingConfig holds loader and level-of-detail settings.
type StreamingConfig struct {
	LoaderWorkers int     `yaml:"loader_workers"`
	QueueSize     int     `yaml:"queue_size"`
	VisibleRadius int     `yaml:"visible_radius"` // In spatial index cells
	SplitFactor   float32 `yaml:"split_factor"`
	LODTolerance  float32 `yaml:"lod_tolerance"`
}

// DataConfig holds data file locations.
type DataConfig struct {
	Roots      []string `yaml:"roots"` // Searched last to first
	CacheFiles bool     `yaml:"cache_files"`
}

// CatalogConfig holds the tile catalog location.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
	Format  string `yaml:"format"` // console or json
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Terrain: TerrainConfig{
			StepSize:        1.0,
			BaseTileSize:    128,
			HeightmapFormat: "basic",
			DeltaPrecision:  0.05,
		},
		Streaming: StreamingConfig{
			LoaderWorkers: 4,
			QueueSize:     256,
			VisibleRadius: 2,
			SplitFactor:   2.0,
			LODTolerance:  0.5,
		},
		Data: DataConfig{
			Roots:      []string{"./terrain"},
			CacheFiles: true,
		},
		Catalog: CatalogConfig{
			Path: "./terrain/catalog.db",
		},
		Metrics: MetricsConfig{
			Namespace: "terrain",
		},
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "",
			Format:  "console",
		},
	}
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Terrain.StepSize <= 0 {
		errs = append(errs, fmt.Errorf("terrain.step_size must be positive, got %v", c.Terrain.StepSize))
	}
	if c.Terrain.BaseTileSize <= 0 {
		errs = append(errs, fmt.Errorf("terrain.base_tile_size must be positive, got %d", c.Terrain.BaseTileSize))
	}
	if _, err := heightmap.ParseFormat(c.Terrain.HeightmapFormat); err != nil {
		errs = append(errs, fmt.Errorf("terrain.heightmap_format: %w", err))
	}
	if c.Terrain.HeightmapFormat == "delta" && c.Terrain.DeltaPrecision <= 0 {
		errs = append(errs, fmt.Errorf("terrain.delta_precision must be positive, got %v", c.Terrain.DeltaPrecision))
	}
	if c.Streaming.LoaderWorkers < 1 {
		errs = append(errs, fmt.Errorf("streaming.loader_workers must be at least 1, got %d", c.Streaming.LoaderWorkers))
	}
	if c.Streaming.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("streaming.queue_size must be at least 1, got %d", c.Streaming.QueueSize))
	}
	if c.Streaming.VisibleRadius < 0 {
		errs = append(errs, fmt.Errorf("streaming.visible_radius must not be negative, got %d", c.Streaming.VisibleRadius))
	}
	if c.Streaming.SplitFactor <= 0 {
		errs = append(errs, fmt.Errorf("streaming.split_factor must be positive, got %v", c.Streaming.SplitFactor))
	}
	if c.Streaming.LODTolerance <= 0 {
		errs = append(errs, fmt.Errorf("streaming.lod_tolerance must be positive, got %v", c.Streaming.LODTolerance))
	}
	if len(c.Data.Roots) == 0 {
		errs = append(errs, errors.New("data.roots is empty"))
	}
	if !logger.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging.format %q must be console or json", c.Logging.Format))
	}
	return errors.Join(errs...)
}
