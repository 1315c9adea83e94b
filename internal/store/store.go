// Package store persists sky maps, telescope fields and galaxies together
// with their tiles. Tiles are stored one row per canonical range, keyed by
// the owning record and lo; Regions are rebuilt from them in lo order.
package store

import (
	"context"
	"time"

	"github.com/skyrange/server/internal/geometry"
	"github.com/skyrange/server/internal/region"
	"github.com/skyrange/server/internal/skyerr"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Skymap is a stored probability sky map.
type Skymap struct {
	ID        int64          `json:"id"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"created_at"`
	TileCount int            `json:"tile_count"`
	Region    *region.SkyMap `json:"-"`
}

// Telescope owns a grid of fields sharing one footprint.
type Telescope struct {
	ID         int64              `json:"id"`
	Name       string             `json:"name"`
	Footprint  geometry.Footprint `json:"footprint"`
	FieldCount int                `json:"field_count"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Field is one pointing of a telescope.
type Field struct {
	ID       int64            `json:"id"`
	Lon      float64          `json:"lon"`
	Lat      float64          `json:"lat"`
	Coverage *region.Coverage `json:"-"`
}

// Galaxy is a catalog point at a single MaxOrder pixel.
type Galaxy struct {
	Name   string  `json:"name"`
	Lon    float64 `json:"lon"`
	Lat    float64 `json:"lat"`
	Nested int64   `json:"nested"`
}

// Store is implemented by the SQLite and PostgreSQL backends. Writes of one
// record happen in a single transaction.
type Store interface {
	EnsureSchema(ctx context.Context) error
	// Reset drops every table and recreates the schema.
	Reset(ctx context.Context) error

	CreateSkymap(ctx context.Context, name string, m *region.SkyMap) (*Skymap, error)
	// SkymapInfo returns the sky map without loading its tiles.
	SkymapInfo(ctx context.Context, id int64) (*Skymap, error)
	// GetSkymap returns the sky map with its Region loaded.
	GetSkymap(ctx context.Context, id int64) (*Skymap, error)
	ListSkymaps(ctx context.Context) ([]*Skymap, error)
	DeleteSkymap(ctx context.Context, id int64) error
	// DensityAt returns the density of the tile of sky map id containing the
	// MaxOrder pixel nested. ok is false when no tile contains it.
	DensityAt(ctx context.Context, id int64, nested int64) (density float64, ok bool, err error)

	CreateTelescope(ctx context.Context, t *Telescope, fields []*Field) (*Telescope, error)
	GetTelescope(ctx context.Context, name string) (*Telescope, error)
	ListTelescopes(ctx context.Context) ([]*Telescope, error)
	// Fields returns the fields of a telescope with their coverage loaded.
	Fields(ctx context.Context, telescope string) ([]*Field, error)

	// AddGalaxies inserts or replaces galaxies by name.
	AddGalaxies(ctx context.Context, galaxies []Galaxy) (int, error)
	Galaxies(ctx context.Context) ([]Galaxy, error)
	CountGalaxies(ctx context.Context) (int64, error)

	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
	MaxConns    int
}

// Open connects to the configured backend and ensures its schema.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverSQLite:
		return NewSQLite(ctx, opts.SQLitePath)
	case DriverPostgres:
		return NewPostgres(ctx, opts.PostgresDSN, opts.MaxConns)
	}
	return nil, skyerr.Newf(skyerr.CodeMalformedInput, "unknown storage driver %q", opts.Driver)
}

func skymapNotFound(id int64) error {
	return skyerr.NotFound("sky map %d not found", id)
}

func telescopeNotFound(name string) error {
	return skyerr.NotFound("telescope %q not found", name)
}
