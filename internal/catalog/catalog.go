// Package catalog records where each terrain tile's header lives.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for a tile id the catalog does not hold.
var ErrNotFound = errors.New("tile not in catalog")

// Entry locates one tile.
type Entry struct {
	ID           int32
	HeaderFile   string
	HeaderOffset uint32
	// DataFile, origin and size repeat the tile header so a catalog can be
	// listed without opening any header file.
	DataFile         string
	OriginX, OriginY int32
	SizeX, SizeY     uint32
}

// Catalog is an SQLite backed tile index.
type Catalog struct {
	db *sql.DB
}

// OpenSQLite opens or creates a catalog database at path.
func OpenSQLite(path string) (*Catalog, error) {
	if path == "" {
		return nil, fmt.Errorf("empty catalog path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Catalog{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tiles (
			id INTEGER PRIMARY KEY,
			header_file TEXT NOT NULL,
			header_offset INTEGER NOT NULL,
			data_file TEXT NOT NULL,
			origin_x INTEGER NOT NULL,
			origin_y INTEGER NOT NULL,
			size_x INTEGER NOT NULL,
			size_y INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS tiles_header ON tiles(header_file);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("catalog schema: %w", err)
		}
	}
	return nil
}

// Put inserts or replaces an entry.
func (c *Catalog) Put(ctx context.Context, e Entry) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO tiles (id, header_file, header_offset, data_file, origin_x, origin_y, size_x, size_y)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			header_file = excluded.header_file,
			header_offset = excluded.header_offset,
			data_file = excluded.data_file,
			origin_x = excluded.origin_x,
			origin_y = excluded.origin_y,
			size_x = excluded.size_x,
			size_y = excluded.size_y`,
		e.ID, e.HeaderFile, int64(e.HeaderOffset), e.DataFile, e.OriginX, e.OriginY, int64(e.SizeX), int64(e.SizeY))
	if err != nil {
		return fmt.Errorf("storing tile %d: %w", e.ID, err)
	}
	return nil
}

// Get returns the entry of one tile.
func (c *Catalog) Get(ctx context.Context, id int32) (Entry, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, header_file, header_offset, data_file, origin_x, origin_y, size_x, size_y
		 FROM tiles WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("reading tile %d: %w", id, err)
	}
	return e, nil
}

// List returns every entry ordered by header file and offset, the order
// that reads each header file front to back.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, header_file, header_offset, data_file, origin_x, origin_y, size_x, size_y
		 FROM tiles ORDER BY header_file, header_offset, id`)
	if err != nil {
		return nil, fmt.Errorf("listing tiles: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("listing tiles: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete removes one tile.
func (c *Catalog) Delete(ctx context.Context, id int32) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM tiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting tile %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e                  Entry
		offset, sizeX, szY int64
	)
	if err := s.Scan(&e.ID, &e.HeaderFile, &offset, &e.DataFile, &e.OriginX, &e.OriginY, &sizeX, &szY); err != nil {
		return Entry{}, err
	}
	e.HeaderOffset = uint32(offset)
	e.SizeX, e.SizeY = uint32(sizeX), uint32(szY)
	return e, nil
}
