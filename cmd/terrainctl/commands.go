package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/Faultbox/midgard-terrain/internal/catalog"
	"github.com/Faultbox/midgard-terrain/internal/config"
	"github.com/Faultbox/midgard-terrain/internal/metrics"
	"github.com/Faultbox/midgard-terrain/internal/streaming"
	"github.com/Faultbox/midgard-terrain/internal/terrain"
	"github.com/Faultbox/midgard-terrain/internal/vfs"
	"github.com/Faultbox/midgard-terrain/pkg/binstream"
	"github.com/Faultbox/midgard-terrain/pkg/heightmap"
)

// openFiles builds the data file stack from the configured roots.
func (e *env) openFiles() (*vfs.Manager, error) {
	files := vfs.NewManager(e.cfg.Data.CacheFiles)
	for _, root := range e.cfg.Data.Roots {
		if err := files.AddDir(root); err != nil {
			return nil, err
		}
	}
	return files, nil
}

func (e *env) newManager(files terrain.FileSystem) (*streaming.Manager, error) {
	m, err := metrics.New(e.cfg.Metrics.Namespace, nil)
	if err != nil {
		return nil, err
	}
	opts := streaming.OptionsFromConfig(e.cfg)
	opts.Files = files
	opts.Metrics = m
	return streaming.New(opts)
}

// readHeaders parses the tiles at offsets of a header stream.
func (e *env) readHeaders(r io.ReadSeeker, offsets []int64) ([]*terrain.TopZone, error) {
	m, err := e.newManager(vfs.NewManager(false))
	if err != nil {
		return nil, err
	}
	defer m.Close()

	var tops []*terrain.TopZone
	for _, off := range offsets {
		top, err := m.AddTile(r, off)
		if err != nil {
			return nil, fmt.Errorf("tile header at %d: %w", off, err)
		}
		tops = append(tops, top)
	}
	return tops, nil
}

func offsetsFlag(c *cli.Context) []int64 {
	offsets := c.Int64Slice("offset")
	if len(offsets) == 0 {
		return []int64{0}
	}
	return offsets
}

func (e *env) infoCommand() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "Show tile headers and their quadtrees",
		ArgsUsage: "<header-file>",
		Flags: []cli.Flag{
			&cli.Int64SliceFlag{Name: "offset", Usage: "Tile header offset, repeatable (default 0)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.ShowSubcommandHelp(c)
			}
			f, err := os.Open(c.Args().First())
			if err != nil {
				return err
			}
			defer f.Close()

			tops, err := e.readHeaders(f, offsetsFlag(c))
			if err != nil {
				return err
			}
			for _, top := range tops {
				printTile(c.App.Writer, top)
			}
			return nil
		},
	}
}

func printTile(w io.Writer, top *terrain.TopZone) {
	ox, oy := top.Origin()
	sx, sy := top.Size()
	ix, iy := top.ZoneIndex()
	ex, ey := top.ZoneExtension()
	fmt.Fprintf(w, "Tile %d\n", top.ID())
	fmt.Fprintf(w, "  Origin:     %d, %d\n", ox, oy)
	fmt.Fprintf(w, "  Size:       %d x %d samples\n", sx, sy)
	fmt.Fprintf(w, "  Data file:  %s (heightmap @%d, materials @%d)\n",
		top.DataFileName(), top.HeightmapFileOffset(), top.MaterialFileOffset())
	fmt.Fprintf(w, "  Grid cell:  %d, %d (extent %d x %d)\n", ix, iy, ex, ey)
	fmt.Fprintf(w, "  Zones:      %d\n", len(top.Zones()))
	fmt.Fprintln(w, "  Quadtree:")
	printZone(w, &top.Zone)
	fmt.Fprintln(w)
}

func printZone(w io.Writer, z *terrain.Zone) {
	ox, oy := z.HeightmapOrigin()
	gw, gh := z.GridSize()
	lo, hi := z.HeightRange()
	lods := make([]string, 0, len(z.LODs()))
	for _, l := range z.LODs() {
		lods = append(lods, fmt.Sprintf("%d:%g/%d", l.Index, l.MaxError, l.FaceCount/3))
	}
	fmt.Fprintf(w, "    %sL%d path %#x at (%d,%d) %dx%d height %.2f..%.2f lods [%s]\n",
		strings.Repeat("  ", int(z.Level())), z.Level(), z.Path(), ox, oy, gw, gh, lo, hi,
		strings.Join(lods, " "))
	for _, child := range z.Children() {
		printZone(w, child)
	}
}

func (e *env) heightmapCommand() *cli.Command {
	return &cli.Command{
		Name:  "heightmap",
		Usage: "Inspect and convert heightmap containers",
		Subcommands: []*cli.Command{
			{
				Name:      "stat",
				Usage:     "Show a heightmap's format, size and height range",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "offset", Usage: "Container offset inside the file"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.ShowSubcommandHelp(c)
					}
					return heightmapStat(c.App.Writer, c.Args().First(), c.Int64("offset"))
				},
			},
			{
				Name:      "convert",
				Usage:     "Re-encode a heightmap in another format",
				ArgsUsage: "<in> <out>",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "offset", Usage: "Container offset inside the input file"},
					&cli.StringFlag{Name: "format", Usage: "basic, delta or zstd (default terrain.heightmap_format)"},
					&cli.Float64Flag{Name: "precision", Usage: "Delta quantization step (default terrain.delta_precision)"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return cli.ShowSubcommandHelp(c)
					}
					format := c.String("format")
					if format == "" {
						format = e.cfg.Terrain.HeightmapFormat
					}
					precision := float32(c.Float64("precision"))
					if precision == 0 {
						precision = e.cfg.Terrain.DeltaPrecision
					}
					return heightmapConvert(c.App.Writer, c.Args().Get(0), c.Args().Get(1), c.Int64("offset"),
						format, precision)
				},
			},
		},
	}
}

func readHeightmap(path string, offset int64) ([]float32, uint32, uint32, heightmap.FormatID, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, 0, err
	}
	defer f.Close()

	r := binstream.NewReader(f)
	if err := r.Seek(offset); err != nil {
		return nil, 0, 0, 0, err
	}
	if err := r.ReadMagic(heightmap.Magic); err != nil {
		return nil, 0, 0, 0, fmt.Errorf("%w: %v", heightmap.ErrInvalidMagic, err)
	}
	id, err := r.ReadU32()
	if err != nil {
		return nil, 0, 0, 0, err
	}
	if err := r.Seek(offset); err != nil {
		return nil, 0, 0, 0, err
	}
	samples, w, h, err := heightmap.NewDefaultRegistry().Read(r)
	if err != nil {
		return nil, 0, 0, 0, err
	}
	return samples, w, h, heightmap.FormatID(id), nil
}

func heightmapStat(w io.Writer, path string, offset int64) error {
	samples, width, height, id, err := readHeightmap(path, offset)
	if err != nil {
		return err
	}
	lo, hi := heightmap.Range(samples)
	fmt.Fprintf(w, "Format:   %s\n", id)
	fmt.Fprintf(w, "Size:     %d x %d\n", width, height)
	fmt.Fprintf(w, "Heights:  %.3f .. %.3f\n", lo, hi)
	fmt.Fprintf(w, "Decoded:  %s\n", humanize.Bytes(uint64(len(samples))*4))
	return nil
}

func heightmapConvert(w io.Writer, in, out string, offset int64, format string, precision float32) error {
	id, err := heightmap.ParseFormat(format)
	if err != nil {
		return err
	}
	samples, width, height, from, err := readHeightmap(in, offset)
	if err != nil {
		return err
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	err = heightmap.NewDefaultRegistry().Write(f, id, samples, width, height, heightmap.Params{Precision: precision})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}

	info, err := os.Stat(out)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Converted %s (%s) to %s (%s), %s\n", in, from, out, id, humanize.Bytes(uint64(info.Size())))
	return nil
}

func (e *env) catalogCommand() *cli.Command {
	return &cli.Command{
		Name:  "catalog",
		Usage: "Manage the tile catalog",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Register the tiles of a header file found in the data roots",
				ArgsUsage: "<header-file>",
				Flags: []cli.Flag{
					&cli.Int64SliceFlag{Name: "offset", Usage: "Tile header offset, repeatable (default 0)"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.ShowSubcommandHelp(c)
					}
					return e.catalogAdd(c.Context, c.App.Writer, c.Args().First(), offsetsFlag(c))
				},
			},
			{
				Name:  "list",
				Usage: "List registered tiles",
				Action: func(c *cli.Context) error {
					return e.catalogList(c.Context, c.App.Writer)
				},
			},
			{
				Name:      "rm",
				Usage:     "Remove tiles by id",
				ArgsUsage: "<id>...",
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return cli.ShowSubcommandHelp(c)
					}
					return e.catalogRemove(c.Context, c.App.Writer, c.Args().Slice())
				},
			},
		},
	}
}

func (e *env) catalogAdd(ctx context.Context, w io.Writer, name string, offsets []int64) error {
	files, err := e.openFiles()
	if err != nil {
		return err
	}
	defer files.Close()
	f, err := files.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	tops, err := e.readHeaders(f, offsets)
	if err != nil {
		return err
	}

	cat, err := catalog.OpenSQLite(e.cfg.Catalog.Path)
	if err != nil {
		return err
	}
	defer cat.Close()

	for i, top := range tops {
		ox, oy := top.Origin()
		sx, sy := top.Size()
		err := cat.Put(ctx, catalog.Entry{
			ID:           top.ID(),
			HeaderFile:   name,
			HeaderOffset: uint32(offsets[i]),
			DataFile:     top.DataFileName(),
			OriginX:      ox,
			OriginY:      oy,
			SizeX:        sx,
			SizeY:        sy,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Added tile %d (%s@%d)\n", top.ID(), name, offsets[i])
	}
	return nil
}

func (e *env) catalogList(ctx context.Context, w io.Writer) error {
	cat, err := catalog.OpenSQLite(e.cfg.Catalog.Path)
	if err != nil {
		return err
	}
	defer cat.Close()

	entries, err := cat.List(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%-8s %-24s %-12s %-12s %s\n", "ID", "HEADER", "ORIGIN", "SIZE", "DATA")
	for _, en := range entries {
		fmt.Fprintf(w, "%-8d %-24s %-12s %-12s %s\n",
			en.ID,
			fmt.Sprintf("%s@%d", en.HeaderFile, en.HeaderOffset),
			fmt.Sprintf("%d,%d", en.OriginX, en.OriginY),
			fmt.Sprintf("%dx%d", en.SizeX, en.SizeY),
			en.DataFile)
	}
	fmt.Fprintf(w, "%d tiles\n", len(entries))
	return nil
}

func (e *env) catalogRemove(ctx context.Context, w io.Writer, args []string) error {
	cat, err := catalog.OpenSQLite(e.cfg.Catalog.Path)
	if err != nil {
		return err
	}
	defer cat.Close()

	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid tile id %q", arg)
		}
		if err := cat.Delete(ctx, int32(id)); err != nil {
			return err
		}
		fmt.Fprintf(w, "Removed tile %d\n", id)
	}
	return nil
}

func (e *env) probeCommand() *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "Stream the catalog's tiles around a position and report the terrain there",
		Flags: []cli.Flag{
			&cli.Float64Flag{Name: "x", Usage: "World X"},
			&cli.Float64Flag{Name: "z", Usage: "World Z"},
			&cli.IntFlag{Name: "radius", Usage: "Visible radius in grid cells (default streaming.visible_radius)"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "Give up streaming after this long"},
		},
		Action: func(c *cli.Context) error {
			e.cfg.ApplyOverrides(config.Overrides{VisibleRadius: c.Int("radius")})
			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()
			return e.probe(ctx, c.App.Writer, float32(c.Float64("x")), float32(c.Float64("z")))
		},
	}
}

func (e *env) probe(ctx context.Context, w io.Writer, x, z float32) error {
	files, err := e.openFiles()
	if err != nil {
		return err
	}
	defer files.Close()

	cat, err := catalog.OpenSQLite(e.cfg.Catalog.Path)
	if err != nil {
		return err
	}
	defer cat.Close()

	m, err := e.newManager(files)
	if err != nil {
		return err
	}
	defer m.Close()

	n, err := m.LoadCatalog(ctx, cat)
	if err != nil {
		return err
	}
	m.Start(ctx)
	camera := mgl32.Vec3{x, 0, z}
	m.UpdateVisibility(camera)
	if err := m.WaitIdle(ctx); err != nil {
		return err
	}

	loaded := 0
	for _, id := range m.Visible() {
		if top, ok := m.Tile(id); ok && top.DataLoaded() {
			loaded++
		}
	}
	fmt.Fprintf(w, "Tiles:    %d in catalog, %d visible, %d loaded\n", n, len(m.Visible()), loaded)
	if cache := files.Cache(); cache != nil {
		count, size := cache.Size()
		fmt.Fprintf(w, "Cached:   %d files, %s\n", count, humanize.Bytes(uint64(size)))
	}

	h, err := m.HeightAt(x, z)
	switch {
	case errors.Is(err, streaming.ErrNoTile):
		fmt.Fprintf(w, "Height:   no tile at (%g, %g)\n", x, z)
		return nil
	case err != nil:
		return err
	}
	fmt.Fprintf(w, "Height:   %.3f\n", h)

	if mat, err := m.MaterialAt(x, z); err == nil {
		fmt.Fprintf(w, "Material: %d\n", mat)
	} else if !errors.Is(err, terrain.ErrPrecondition) {
		return err
	}

	cut := m.Render(mgl32.Vec3{x, h + 2, z})
	fmt.Fprintf(w, "Zones:    %d in the render cut\n", len(cut))
	return nil
}

func (e *env) configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Show or write configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Print the effective configuration",
				Action: func(c *cli.Context) error {
					data, err := yaml.Marshal(e.cfg)
					if err != nil {
						return err
					}
					_, err = c.App.Writer.Write(data)
					return err
				},
			},
			{
				Name:      "init",
				Usage:     "Write the default configuration (to the user config directory without a path)",
				ArgsUsage: "[path]",
				Action: func(c *cli.Context) error {
					cfg := config.Default()
					if c.NArg() == 0 {
						if err := cfg.Save(); err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "Wrote %s\n", filepath.Join(config.ConfigDir(), config.FileName))
						return nil
					}
					if err := cfg.SaveTo(c.Args().First()); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "Wrote %s\n", c.Args().First())
					return nil
				},
			},
		},
	}
}
