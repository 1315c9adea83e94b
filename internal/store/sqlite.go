package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/skyrange/server/internal/region"
	"github.com/skyrange/server/internal/skyerr"
)

// SQLite is the embedded backend. Range lookups use the (owner, lo) primary
// key: the candidate tile for a pixel is the last one starting at or before it.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "create directory for sqlite")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}

	// Enable WAL mode for better concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable WAL")
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "set busy timeout")
	}

	s := &SQLite{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS skymaps (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS skymap_tiles (
	skymap_id INTEGER NOT NULL,
	lo INTEGER NOT NULL,
	hi INTEGER NOT NULL,
	probdensity REAL NOT NULL,
	PRIMARY KEY (skymap_id, lo)
);

CREATE TABLE IF NOT EXISTS telescopes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	footprint_json TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS fields (
	telescope_id INTEGER NOT NULL,
	field_id INTEGER NOT NULL,
	lon REAL NOT NULL,
	lat REAL NOT NULL,
	PRIMARY KEY (telescope_id, field_id)
);

CREATE TABLE IF NOT EXISTS field_tiles (
	telescope_id INTEGER NOT NULL,
	field_id INTEGER NOT NULL,
	lo INTEGER NOT NULL,
	hi INTEGER NOT NULL,
	PRIMARY KEY (telescope_id, field_id, lo)
);

CREATE TABLE IF NOT EXISTS galaxies (
	name TEXT PRIMARY KEY,
	lon REAL NOT NULL,
	lat REAL NOT NULL,
	nested INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_galaxies_nested ON galaxies(nested);
`

// EnsureSchema creates missing tables and indexes.
func (s *SQLite) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return errors.Wrap(err, "migrate sqlite schema")
}

// Reset drops every table and recreates the schema.
func (s *SQLite) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"skymap_tiles", "skymaps", "field_tiles", "fields", "telescopes", "galaxies"} {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return errors.Wrapf(err, "drop %s", table)
		}
	}
	return s.EnsureSchema(ctx)
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateSkymap stores a sky map and its tiles in one transaction.
func (s *SQLite) CreateSkymap(ctx context.Context, name string, m *region.SkyMap) (*Skymap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `INSERT INTO skymaps (name, created_at) VALUES (?, ?)`, name, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, errors.Wrap(err, "insert sky map")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "sky map id")
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO skymap_tiles (skymap_id, lo, hi, probdensity) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return nil, errors.Wrap(err, "prepare tile insert")
	}
	defer stmt.Close()

	for _, t := range m.Tiles() {
		if _, err := stmt.ExecContext(ctx, id, t.Lo, t.Hi, t.Density); err != nil {
			return nil, errors.Wrapf(err, "insert tile [%d, %d)", t.Lo, t.Hi)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit sky map")
	}
	return &Skymap{ID: id, Name: name, CreatedAt: now, TileCount: m.Len(), Region: m}, nil
}

// SkymapInfo returns a sky map without its tiles.
func (s *SQLite) SkymapInfo(ctx context.Context, id int64) (*Skymap, error) {
	var sm Skymap
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.name, s.created_at, (SELECT COUNT(*) FROM skymap_tiles t WHERE t.skymap_id = s.id)
		FROM skymaps s WHERE s.id = ?
	`, id).Scan(&sm.ID, &sm.Name, &createdAt, &sm.TileCount)
	if err == sql.ErrNoRows {
		return nil, skymapNotFound(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get sky map")
	}
	sm.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &sm, nil
}

// GetSkymap returns a sky map with its Region.
func (s *SQLite) GetSkymap(ctx context.Context, id int64) (*Skymap, error) {
	sm, err := s.SkymapInfo(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT lo, hi, probdensity FROM skymap_tiles WHERE skymap_id = ? ORDER BY lo`, id)
	if err != nil {
		return nil, errors.Wrap(err, "query sky map tiles")
	}
	defer rows.Close()

	var tiles []region.Weighted
	for rows.Next() {
		var t region.Weighted
		if err := rows.Scan(&t.Lo, &t.Hi, &t.Density); err != nil {
			return nil, errors.Wrap(err, "scan sky map tile")
		}
		tiles = append(tiles, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "read sky map tiles")
	}
	sm.Region = region.New(tiles)
	sm.TileCount = len(tiles)
	return sm, nil
}

// ListSkymaps returns every sky map without loading tiles.
func (s *SQLite) ListSkymaps(ctx context.Context) ([]*Skymap, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.created_at, (SELECT COUNT(*) FROM skymap_tiles t WHERE t.skymap_id = s.id)
		FROM skymaps s ORDER BY s.id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list sky maps")
	}
	defer rows.Close()

	out := []*Skymap{}
	for rows.Next() {
		var sm Skymap
		var createdAt string
		if err := rows.Scan(&sm.ID, &sm.Name, &createdAt, &sm.TileCount); err != nil {
			return nil, errors.Wrap(err, "scan sky map")
		}
		sm.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &sm)
	}
	return out, errors.Wrap(rows.Err(), "list sky maps")
}

// DeleteSkymap removes a sky map and its tiles.
func (s *SQLite) DeleteSkymap(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM skymap_tiles WHERE skymap_id = ?`, id); err != nil {
		return errors.Wrap(err, "delete sky map tiles")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM skymaps WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete sky map")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return skymapNotFound(id)
	}
	return errors.Wrap(tx.Commit(), "commit delete")
}

// DensityAt looks up the tile containing nested.
func (s *SQLite) DensityAt(ctx context.Context, id int64, nested int64) (float64, bool, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM skymaps WHERE id = ?`, id).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, skymapNotFound(id)
		}
		return 0, false, errors.Wrap(err, "get sky map")
	}

	var hi int64
	var density float64
	err := s.db.QueryRowContext(ctx, `
		SELECT hi, probdensity FROM skymap_tiles
		WHERE skymap_id = ? AND lo <= ?
		ORDER BY lo DESC LIMIT 1
	`, id, nested).Scan(&hi, &density)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "density lookup")
	}
	if nested >= hi {
		return 0, false, nil
	}
	return density, true, nil
}

// CreateTelescope stores a telescope with its fields and their tiles in one
// transaction. A telescope name can only be used once.
func (s *SQLite) CreateTelescope(ctx context.Context, t *Telescope, fields []*Field) (*Telescope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	footprint, err := json.Marshal(t.Footprint)
	if err != nil {
		return nil, errors.Wrap(err, "marshal footprint")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM telescopes WHERE name = ?`, t.Name).Scan(&existing)
	if err == nil {
		return nil, skyerr.Newf(skyerr.CodeConflict, "telescope %q already exists", t.Name)
	}
	if err != sql.ErrNoRows {
		return nil, errors.Wrap(err, "check telescope")
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `INSERT INTO telescopes (name, footprint_json, created_at) VALUES (?, ?, ?)`,
		t.Name, string(footprint), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, errors.Wrap(err, "insert telescope")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "telescope id")
	}

	fieldStmt, err := tx.PrepareContext(ctx, `INSERT INTO fields (telescope_id, field_id, lon, lat) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return nil, errors.Wrap(err, "prepare field insert")
	}
	defer fieldStmt.Close()
	tileStmt, err := tx.PrepareContext(ctx, `INSERT INTO field_tiles (telescope_id, field_id, lo, hi) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return nil, errors.Wrap(err, "prepare field tile insert")
	}
	defer tileStmt.Close()

	for _, f := range fields {
		if _, err := fieldStmt.ExecContext(ctx, id, f.ID, f.Lon, f.Lat); err != nil {
			return nil, errors.Wrapf(err, "insert field %d", f.ID)
		}
		for _, r := range f.Coverage.Tiles() {
			if _, err := tileStmt.ExecContext(ctx, id, f.ID, r.Lo, r.Hi); err != nil {
				return nil, errors.Wrapf(err, "insert tile of field %d", f.ID)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit telescope")
	}

	return &Telescope{ID: id, Name: t.Name, Footprint: t.Footprint, FieldCount: len(fields), CreatedAt: now}, nil
}

// GetTelescope returns a telescope by name.
func (s *SQLite) GetTelescope(ctx context.Context, name string) (*Telescope, error) {
	rows, err := s.db.QueryContext(ctx, telescopeQuery+` WHERE t.name = ?`, name)
	if err != nil {
		return nil, errors.Wrap(err, "get telescope")
	}
	defer rows.Close()
	ts, err := scanTelescopes(rows)
	if err != nil {
		return nil, err
	}
	if len(ts) == 0 {
		return nil, telescopeNotFound(name)
	}
	return ts[0], nil
}

// ListTelescopes returns every telescope.
func (s *SQLite) ListTelescopes(ctx context.Context) ([]*Telescope, error) {
	rows, err := s.db.QueryContext(ctx, telescopeQuery+` ORDER BY t.name`)
	if err != nil {
		return nil, errors.Wrap(err, "list telescopes")
	}
	defer rows.Close()
	return scanTelescopes(rows)
}

const telescopeQuery = `
	SELECT t.id, t.name, t.footprint_json, t.created_at,
		(SELECT COUNT(*) FROM fields f WHERE f.telescope_id = t.id)
	FROM telescopes t`

func scanTelescopes(rows *sql.Rows) ([]*Telescope, error) {
	out := []*Telescope{}
	for rows.Next() {
		var t Telescope
		var footprint, createdAt string
		if err := rows.Scan(&t.ID, &t.Name, &footprint, &createdAt, &t.FieldCount); err != nil {
			return nil, errors.Wrap(err, "scan telescope")
		}
		if err := json.Unmarshal([]byte(footprint), &t.Footprint); err != nil {
			return nil, errors.Wrap(err, "unmarshal footprint")
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &t)
	}
	return out, errors.Wrap(rows.Err(), "read telescopes")
}

// Fields returns the fields of a telescope ordered by field id, each with its
// coverage.
func (s *SQLite) Fields(ctx context.Context, telescope string) ([]*Field, error) {
	t, err := s.GetTelescope(ctx, telescope)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT field_id, lon, lat FROM fields WHERE telescope_id = ? ORDER BY field_id`, t.ID)
	if err != nil {
		return nil, errors.Wrap(err, "query fields")
	}
	var fields []*Field
	byID := make(map[int64][]region.Range)
	for rows.Next() {
		var f Field
		if err := rows.Scan(&f.ID, &f.Lon, &f.Lat); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan field")
		}
		fields = append(fields, &f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "read fields")
	}

	tiles, err := s.db.QueryContext(ctx, `SELECT field_id, lo, hi FROM field_tiles WHERE telescope_id = ? ORDER BY field_id, lo`, t.ID)
	if err != nil {
		return nil, errors.Wrap(err, "query field tiles")
	}
	defer tiles.Close()
	for tiles.Next() {
		var id int64
		var r region.Range
		if err := tiles.Scan(&id, &r.Lo, &r.Hi); err != nil {
			return nil, errors.Wrap(err, "scan field tile")
		}
		byID[id] = append(byID[id], r)
	}
	if err := tiles.Err(); err != nil {
		return nil, errors.Wrap(err, "read field tiles")
	}

	for _, f := range fields {
		f.Coverage = region.New(byID[f.ID])
	}
	return fields, nil
}

// AddGalaxies upserts galaxies by name in one transaction.
func (s *SQLite) AddGalaxies(ctx context.Context, galaxies []Galaxy) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO galaxies (name, lon, lat, nested) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET lon = excluded.lon, lat = excluded.lat, nested = excluded.nested
	`)
	if err != nil {
		return 0, errors.Wrap(err, "prepare galaxy insert")
	}
	defer stmt.Close()

	for _, g := range galaxies {
		if _, err := stmt.ExecContext(ctx, g.Name, g.Lon, g.Lat, g.Nested); err != nil {
			return 0, errors.Wrapf(err, "insert galaxy %q", g.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit galaxies")
	}
	return len(galaxies), nil
}

// Galaxies returns the whole catalog ordered by name.
func (s *SQLite) Galaxies(ctx context.Context) ([]Galaxy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, lon, lat, nested FROM galaxies ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "query galaxies")
	}
	defer rows.Close()

	var out []Galaxy
	for rows.Next() {
		var g Galaxy
		if err := rows.Scan(&g.Name, &g.Lon, &g.Lat, &g.Nested); err != nil {
			return nil, errors.Wrap(err, "scan galaxy")
		}
		out = append(out, g)
	}
	return out, errors.Wrap(rows.Err(), "read galaxies")
}

// CountGalaxies returns the catalog size.
func (s *SQLite) CountGalaxies(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM galaxies`).Scan(&n)
	return n, errors.Wrap(err, "count galaxies")
}
