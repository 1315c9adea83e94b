package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/skyrange/server/internal/region"
	"github.com/skyrange/server/internal/skyerr"
)

// Postgres is the server backend. Tiles are indexed as int8range values with
// a GiST index so containment lookups (pixels @> p) avoid a scan.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and ensures the schema.
func NewPostgres(ctx context.Context, dsn string, maxConns int) (*Postgres, error) {
	if dsn == "" {
		return nil, skyerr.New(skyerr.CodeMalformedInput, "postgres storage needs a DSN")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse PostgreSQL DSN")
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create PostgreSQL pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping PostgreSQL")
	}

	p := &Postgres{pool: pool}
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS skymaps (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS skymap_tiles (
	skymap_id BIGINT NOT NULL REFERENCES skymaps(id) ON DELETE CASCADE,
	lo BIGINT NOT NULL,
	hi BIGINT NOT NULL,
	probdensity DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (skymap_id, lo),
	CHECK (lo < hi)
);
CREATE INDEX IF NOT EXISTS ix_skymap_tiles_pixels ON skymap_tiles USING GIST (int8range(lo, hi));

CREATE TABLE IF NOT EXISTS telescopes (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	footprint JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS fields (
	telescope_id BIGINT NOT NULL REFERENCES telescopes(id) ON DELETE CASCADE,
	field_id BIGINT NOT NULL,
	lon DOUBLE PRECISION NOT NULL,
	lat DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (telescope_id, field_id)
);

CREATE TABLE IF NOT EXISTS field_tiles (
	telescope_id BIGINT NOT NULL,
	field_id BIGINT NOT NULL,
	lo BIGINT NOT NULL,
	hi BIGINT NOT NULL,
	PRIMARY KEY (telescope_id, field_id, lo),
	FOREIGN KEY (telescope_id, field_id) REFERENCES fields(telescope_id, field_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS ix_field_tiles_pixels ON field_tiles USING GIST (int8range(lo, hi));

CREATE TABLE IF NOT EXISTS galaxies (
	name TEXT PRIMARY KEY,
	lon DOUBLE PRECISION NOT NULL,
	lat DOUBLE PRECISION NOT NULL,
	nested BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_galaxies_nested ON galaxies (nested);
`

// EnsureSchema creates missing tables and indexes.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, postgresSchema)
	return errors.Wrap(err, "migrate postgres schema")
}

// Reset drops every table and recreates the schema.
func (p *Postgres) Reset(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `DROP TABLE IF EXISTS field_tiles, fields, telescopes, skymap_tiles, skymaps, galaxies CASCADE`)
	if err != nil {
		return errors.Wrap(err, "drop tables")
	}
	return p.EnsureSchema(ctx)
}

// Close closes the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// CreateSkymap stores a sky map and bulk-loads its tiles with COPY.
func (p *Postgres) CreateSkymap(ctx context.Context, name string, m *region.SkyMap) (*Skymap, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	sm := &Skymap{Name: name, TileCount: m.Len(), Region: m}
	err = tx.QueryRow(ctx, `INSERT INTO skymaps (name) VALUES ($1) RETURNING id, created_at`, name).
		Scan(&sm.ID, &sm.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "insert sky map")
	}

	tiles := m.Tiles()
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"skymap_tiles"}, []string{"skymap_id", "lo", "hi", "probdensity"},
		pgx.CopyFromSlice(len(tiles), func(i int) ([]any, error) {
			return []any{sm.ID, tiles[i].Lo, tiles[i].Hi, tiles[i].Density}, nil
		}))
	if err != nil {
		return nil, errors.Wrap(err, "copy sky map tiles")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit sky map")
	}
	return sm, nil
}

// GetSkymap returns a sky map with its Region.
func (p *Postgres) GetSkymap(ctx context.Context, id int64) (*Skymap, error) {
	sm, err := p.SkymapInfo(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, `SELECT lo, hi, probdensity FROM skymap_tiles WHERE skymap_id = $1 ORDER BY lo`, id)
	if err != nil {
		return nil, errors.Wrap(err, "query sky map tiles")
	}
	tiles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (region.Weighted, error) {
		var t region.Weighted
		err := row.Scan(&t.Lo, &t.Hi, &t.Density)
		return t, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "read sky map tiles")
	}
	sm.Region = region.New(tiles)
	sm.TileCount = len(tiles)
	return sm, nil
}

// SkymapInfo returns a sky map without its tiles.
func (p *Postgres) SkymapInfo(ctx context.Context, id int64) (*Skymap, error) {
	var sm Skymap
	var n int64
	err := p.pool.QueryRow(ctx, `
		SELECT s.id, s.name, s.created_at, (SELECT COUNT(*) FROM skymap_tiles t WHERE t.skymap_id = s.id)
		FROM skymaps s WHERE s.id = $1
	`, id).Scan(&sm.ID, &sm.Name, &sm.CreatedAt, &n)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, skymapNotFound(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get sky map")
	}
	sm.TileCount = int(n)
	return &sm, nil
}

// ListSkymaps returns every sky map without loading tiles.
func (p *Postgres) ListSkymaps(ctx context.Context) ([]*Skymap, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT s.id, s.name, s.created_at, (SELECT COUNT(*) FROM skymap_tiles t WHERE t.skymap_id = s.id)
		FROM skymaps s ORDER BY s.id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list sky maps")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Skymap, error) {
		var sm Skymap
		var n int64
		err := row.Scan(&sm.ID, &sm.Name, &sm.CreatedAt, &n)
		sm.TileCount = int(n)
		return &sm, err
	})
	return out, errors.Wrap(err, "read sky maps")
}

// DeleteSkymap removes a sky map; its tiles go with it.
func (p *Postgres) DeleteSkymap(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM skymaps WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete sky map")
	}
	if tag.RowsAffected() == 0 {
		return skymapNotFound(id)
	}
	return nil
}

// DensityAt looks up the tile containing nested through the range index.
func (p *Postgres) DensityAt(ctx context.Context, id int64, nested int64) (float64, bool, error) {
	var density *float64
	err := p.pool.QueryRow(ctx, `
		SELECT (SELECT probdensity FROM skymap_tiles
			WHERE skymap_id = s.id AND int8range(lo, hi) @> $2::bigint)
		FROM skymaps s WHERE s.id = $1
	`, id, nested).Scan(&density)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, skymapNotFound(id)
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "density lookup")
	}
	if density == nil {
		return 0, false, nil
	}
	return *density, true, nil
}

// CreateTelescope stores a telescope and bulk-loads its fields and tiles.
func (p *Postgres) CreateTelescope(ctx context.Context, t *Telescope, fields []*Field) (*Telescope, error) {
	footprint, err := json.Marshal(t.Footprint)
	if err != nil {
		return nil, errors.Wrap(err, "marshal footprint")
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	out := &Telescope{Name: t.Name, Footprint: t.Footprint, FieldCount: len(fields)}
	err = tx.QueryRow(ctx, `
		INSERT INTO telescopes (name, footprint) VALUES ($1, $2::jsonb)
		ON CONFLICT (name) DO NOTHING
		RETURNING id, created_at
	`, t.Name, string(footprint)).Scan(&out.ID, &out.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, skyerr.Newf(skyerr.CodeConflict, "telescope %q already exists", t.Name)
	}
	if err != nil {
		return nil, errors.Wrap(err, "insert telescope")
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"fields"}, []string{"telescope_id", "field_id", "lon", "lat"},
		pgx.CopyFromSlice(len(fields), func(i int) ([]any, error) {
			f := fields[i]
			return []any{out.ID, f.ID, f.Lon, f.Lat}, nil
		}))
	if err != nil {
		return nil, errors.Wrap(err, "copy fields")
	}

	var rows [][]any
	for _, f := range fields {
		for _, r := range f.Coverage.Tiles() {
			rows = append(rows, []any{out.ID, f.ID, r.Lo, r.Hi})
		}
	}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"field_tiles"}, []string{"telescope_id", "field_id", "lo", "hi"}, pgx.CopyFromRows(rows))
	if err != nil {
		return nil, errors.Wrap(err, "copy field tiles")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit telescope")
	}
	return out, nil
}

const pgTelescopeQuery = `
	SELECT t.id, t.name, t.footprint::text, t.created_at,
		(SELECT COUNT(*) FROM fields f WHERE f.telescope_id = t.id)
	FROM telescopes t`

func collectTelescopes(rows pgx.Rows) ([]*Telescope, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Telescope, error) {
		var t Telescope
		var footprint string
		var n int64
		if err := row.Scan(&t.ID, &t.Name, &footprint, &t.CreatedAt, &n); err != nil {
			return nil, err
		}
		t.FieldCount = int(n)
		return &t, json.Unmarshal([]byte(footprint), &t.Footprint)
	})
}

// GetTelescope returns a telescope by name.
func (p *Postgres) GetTelescope(ctx context.Context, name string) (*Telescope, error) {
	rows, err := p.pool.Query(ctx, pgTelescopeQuery+` WHERE t.name = $1`, name)
	if err != nil {
		return nil, errors.Wrap(err, "get telescope")
	}
	ts, err := collectTelescopes(rows)
	if err != nil {
		return nil, errors.Wrap(err, "read telescope")
	}
	if len(ts) == 0 {
		return nil, telescopeNotFound(name)
	}
	return ts[0], nil
}

// ListTelescopes returns every telescope.
func (p *Postgres) ListTelescopes(ctx context.Context) ([]*Telescope, error) {
	rows, err := p.pool.Query(ctx, pgTelescopeQuery+` ORDER BY t.name`)
	if err != nil {
		return nil, errors.Wrap(err, "list telescopes")
	}
	ts, err := collectTelescopes(rows)
	return ts, errors.Wrap(err, "read telescopes")
}

// Fields returns the fields of a telescope with their coverage.
func (p *Postgres) Fields(ctx context.Context, telescope string) ([]*Field, error) {
	t, err := p.GetTelescope(ctx, telescope)
	if err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, `SELECT field_id, lon, lat FROM fields WHERE telescope_id = $1 ORDER BY field_id`, t.ID)
	if err != nil {
		return nil, errors.Wrap(err, "query fields")
	}
	fields, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Field, error) {
		var f Field
		err := row.Scan(&f.ID, &f.Lon, &f.Lat)
		return &f, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "read fields")
	}

	rows, err = p.pool.Query(ctx, `SELECT field_id, lo, hi FROM field_tiles WHERE telescope_id = $1 ORDER BY field_id, lo`, t.ID)
	if err != nil {
		return nil, errors.Wrap(err, "query field tiles")
	}
	byID := make(map[int64][]region.Range)
	var (
		id int64
		r  region.Range
	)
	_, err = pgx.ForEachRow(rows, []any{&id, &r.Lo, &r.Hi}, func() error {
		byID[id] = append(byID[id], r)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "read field tiles")
	}

	for _, f := range fields {
		f.Coverage = region.New(byID[f.ID])
	}
	return fields, nil
}

// AddGalaxies upserts galaxies by name in one batch.
func (p *Postgres) AddGalaxies(ctx context.Context, galaxies []Galaxy) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, g := range galaxies {
		batch.Queue(`
			INSERT INTO galaxies (name, lon, lat, nested) VALUES ($1, $2, $3, $4)
			ON CONFLICT (name) DO UPDATE SET lon = EXCLUDED.lon, lat = EXCLUDED.lat, nested = EXCLUDED.nested
		`, g.Name, g.Lon, g.Lat, g.Nested)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, errors.Wrap(err, "insert galaxies")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit galaxies")
	}
	return len(galaxies), nil
}

// Galaxies returns the whole catalog ordered by name.
func (p *Postgres) Galaxies(ctx context.Context) ([]Galaxy, error) {
	rows, err := p.pool.Query(ctx, `SELECT name, lon, lat, nested FROM galaxies ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "query galaxies")
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Galaxy])
	return out, errors.Wrap(err, "read galaxies")
}

// CountGalaxies returns the catalog size.
func (p *Postgres) CountGalaxies(ctx context.Context) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM galaxies`).Scan(&n)
	return n, errors.Wrap(err, "count galaxies")
}
