// terrainctl inspects and manages streamed terrain tiles.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/Faultbox/midgard-terrain/internal/config"
	"github.com/Faultbox/midgard-terrain/internal/logger"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env is what every command gets after the global flags were applied.
type env struct {
	cfg *config.Config
}

func newApp() *cli.App {
	e := &env{}
	app := &cli.App{
		Name:  "terrainctl",
		Usage: "Inspect and manage streamed terrain tiles",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "Path to config file", EnvVars: []string{"TERRAIN_CONFIG"}, TakesFile: true},
			&cli.BoolFlag{Name: "debug", Usage: "Enable debug logging"},
			&cli.StringFlag{Name: "log-file", Usage: "Also log to this file"},
			&cli.StringSliceFlag{Name: "data", Usage: "Data root, repeatable, last wins (overrides data.roots)"},
			&cli.StringFlag{Name: "catalog", Usage: "Catalog database (overrides catalog.path)"},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			cfg.ApplyOverrides(config.Overrides{
				Debug:       c.Bool("debug"),
				LogFile:     c.String("log-file"),
				DataRoots:   c.StringSlice("data"),
				CatalogPath: c.String("catalog"),
			})
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			var fileCfg logger.FileConfig
			if cfg.Logging.LogFile != "" {
				fileCfg = logger.DefaultFileConfig(cfg.Logging.LogFile)
				fileCfg.Format = cfg.Logging.Format
			}
			if err := logger.InitWithFileConfig(cfg.Logging.Level, fileCfg, true); err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			e.cfg = cfg
			return nil
		},
		After: func(c *cli.Context) error {
			logger.Sync()
			return nil
		},
	}
	app.Commands = []*cli.Command{
		e.infoCommand(),
		e.heightmapCommand(),
		e.catalogCommand(),
		e.probeCommand(),
		e.configCommand(),
	}
	return app
}
