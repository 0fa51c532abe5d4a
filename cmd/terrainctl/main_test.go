package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/Faultbox/midgard-terrain/internal/terrain/terraintest"
)

type workspace struct {
	dir     string
	config  string
	catalog string
	pack    *terraintest.Pack
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	pack, err := terraintest.BuildPack(
		terraintest.Tile{ID: 1, Width: 9, Height: 9, Depth: 1},
		terraintest.Tile{ID: 2, OriginX: 8, Width: 9, Height: 9, Depth: 1},
		terraintest.Tile{ID: 3, OriginY: 8, Width: 9, Height: 9, Depth: 1,
			Materials: terraintest.Checker(9, 9, 3, 4, 5)},
	)
	if err != nil {
		t.Fatal(err)
	}
	write := func(name string, data []byte) {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("world.hdr", pack.Header)
	for name, data := range pack.FS {
		write(name, data)
	}
	write("terrain.yaml", []byte("logging:\n  level: error\n"))

	return &workspace{
		dir:     dir,
		config:  filepath.Join(dir, "terrain.yaml"),
		catalog: filepath.Join(dir, "catalog.db"),
		pack:    pack,
	}
}

func (ws *workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = io.Discard
	full := append([]string{"terrainctl", "--config", ws.config, "--data", ws.dir, "--catalog", ws.catalog}, args...)
	err := app.Run(full)
	return out.String(), err
}

func (ws *workspace) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := ws.run(t, args...)
	if err != nil {
		t.Fatalf("terrainctl %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func (ws *workspace) offsetArgs() []string {
	var args []string
	for _, off := range ws.pack.Offsets {
		args = append(args, "--offset", strconv.Itoa(int(off)))
	}
	return args
}

func TestInfo(t *testing.T) {
	ws := newWorkspace(t)
	args := append([]string{"info"}, ws.offsetArgs()...)
	out := ws.mustRun(t, append(args, filepath.Join(ws.dir, "world.hdr"))...)

	for _, want := range []string{"Tile 1", "Tile 2", "Tile 3", "tile3.dat", "Zones:      5", "L1 path"} {
		if !strings.Contains(out, want) {
			t.Errorf("info output lacks %q:\n%s", want, out)
		}
	}
}

func TestInfoBadHeader(t *testing.T) {
	ws := newWorkspace(t)
	if _, err := ws.run(t, "info", filepath.Join(ws.dir, "tile1.dat")); err == nil {
		t.Error("info on a data file should fail")
	}
}

func TestHeightmapStatAndConvert(t *testing.T) {
	ws := newWorkspace(t)
	data := filepath.Join(ws.dir, "tile1.dat")
	offset := strconv.Itoa(len(terraintest.DataMagic))

	out := ws.mustRun(t, "heightmap", "stat", "--offset", offset, data)
	for _, want := range []string{"Format:   basic", "Size:     9 x 9"} {
		if !strings.Contains(out, want) {
			t.Errorf("stat output lacks %q:\n%s", want, out)
		}
	}

	converted := filepath.Join(ws.dir, "tile1.hmz")
	out = ws.mustRun(t, "heightmap", "convert", "--offset", offset, "--format", "zstd", data, converted)
	if !strings.Contains(out, "(basic)") || !strings.Contains(out, "(zstd)") {
		t.Errorf("convert output: %s", out)
	}
	out = ws.mustRun(t, "heightmap", "stat", converted)
	if !strings.Contains(out, "Format:   zstd") {
		t.Errorf("converted file stat:\n%s", out)
	}

	if _, err := ws.run(t, "heightmap", "convert", "--offset", offset, "--format", "png", data, converted); err == nil {
		t.Error("unknown format should fail")
	}
}

func TestCatalogAndProbe(t *testing.T) {
	ws := newWorkspace(t)

	args := append([]string{"catalog", "add"}, ws.offsetArgs()...)
	out := ws.mustRun(t, append(args, "world.hdr")...)
	if strings.Count(out, "Added tile") != 3 {
		t.Errorf("catalog add output:\n%s", out)
	}

	out = ws.mustRun(t, "catalog", "list")
	if !strings.Contains(out, "3 tiles") || !strings.Contains(out, "8,0") {
		t.Errorf("catalog list output:\n%s", out)
	}

	ramp := terraintest.Ramp(9, 9)
	out = ws.mustRun(t, "probe", "--x", "3", "--z", "5")
	if want := fmt.Sprintf("Height:   %.3f", ramp[5*9+3]); !strings.Contains(out, want) {
		t.Errorf("probe output lacks %q:\n%s", want, out)
	}
	if !strings.Contains(out, "3 loaded") {
		t.Errorf("probe did not load the tiles:\n%s", out)
	}

	out = ws.mustRun(t, "probe", "--x", "1", "--z", "9")
	if !strings.Contains(out, "Material: 4") {
		t.Errorf("probe on the material tile:\n%s", out)
	}

	out = ws.mustRun(t, "probe", "--x", "500", "--z", "500")
	if !strings.Contains(out, "no tile") {
		t.Errorf("probe outside the tiles:\n%s", out)
	}

	ws.mustRun(t, "catalog", "rm", "2")
	out = ws.mustRun(t, "catalog", "list")
	if !strings.Contains(out, "2 tiles") {
		t.Errorf("catalog list after rm:\n%s", out)
	}
	if _, err := ws.run(t, "catalog", "rm", "2"); err == nil {
		t.Error("removing a missing tile should fail")
	}
}

func TestConfigCommands(t *testing.T) {
	ws := newWorkspace(t)

	out := ws.mustRun(t, "config", "show")
	if !strings.Contains(out, "base_tile_size: 128") || !strings.Contains(out, "level: error") {
		t.Errorf("config show:\n%s", out)
	}

	path := filepath.Join(ws.dir, "out", "terrain.yaml")
	ws.mustRun(t, "config", "init", path)
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config init did not write %s: %v", path, err)
	}
}

func TestInvalidConfig(t *testing.T) {
	ws := newWorkspace(t)
	if err := os.WriteFile(ws.config, []byte("streaming:\n  loader_workers: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ws.run(t, "config", "show"); err == nil {
		t.Error("invalid config should fail before any command runs")
	}
}
