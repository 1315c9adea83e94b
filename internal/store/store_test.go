package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyrange/server/internal/geometry"
	"github.com/skyrange/server/internal/region"
	"github.com/skyrange/server/internal/skyerr"
)

func openSQLite(t *testing.T) Store {
	t.Helper()
	s, err := Open(context.Background(), Options{Driver: DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "sky.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openPostgres(t *testing.T) Store {
	t.Helper()
	dsn := os.Getenv("SKYRANGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SKYRANGE_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(context.Background(), Options{Driver: DriverPostgres, PostgresDSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	require.NoError(t, s.Reset(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T)   { runStoreSuite(t, openSQLite) }
func TestPostgresStore(t *testing.T) { runStoreSuite(t, openPostgres) }

func runStoreSuite(t *testing.T, open func(*testing.T) Store) {
	t.Run("skymap lifecycle", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		m := region.New([]region.Weighted{
			{Range: region.Range{Lo: 10, Hi: 20}, Density: 5},
			{Range: region.Range{Lo: 0, Hi: 10}, Density: 2},
			{Range: region.Range{Lo: 1 << 58, Hi: 1<<58 + 1<<40}, Density: 0.5},
		})
		created, err := s.CreateSkymap(ctx, "S190425z", m)
		require.NoError(t, err)
		assert.Equal(t, 3, created.TileCount)

		got, err := s.GetSkymap(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "S190425z", got.Name)
		assert.Equal(t, m.Tiles(), got.Region.Tiles())

		list, err := s.ListSkymaps(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, 3, list[0].TileCount)
		assert.Nil(t, list[0].Region)

		d, ok, err := s.DensityAt(ctx, created.ID, 15)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 5.0, d)

		d, ok, err = s.DensityAt(ctx, created.ID, 10)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 5.0, d, "boundary pixel belongs to the upper tile")

		_, ok, err = s.DensityAt(ctx, created.ID, 20)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.DeleteSkymap(ctx, created.ID))
		_, err = s.GetSkymap(ctx, created.ID)
		assert.True(t, skyerr.Is(err, skyerr.CodeNotFound))
		err = s.DeleteSkymap(ctx, created.ID)
		assert.True(t, skyerr.Is(err, skyerr.CodeNotFound))
		_, _, err = s.DensityAt(ctx, created.ID, 15)
		assert.True(t, skyerr.Is(err, skyerr.CodeNotFound))
	})

	t.Run("telescope fields", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		fields := []*Field{
			{ID: 2, Lon: 10, Lat: 20, Coverage: region.New([]region.Range{{Lo: 100, Hi: 200}, {Lo: 0, Hi: 50}})},
			{ID: 1, Lon: 11, Lat: 21, Coverage: region.New([]region.Range{{Lo: 300, Hi: 400}})},
			{ID: 3, Lon: 12, Lat: 22, Coverage: region.Empty[region.Range]()},
		}
		tel, err := s.CreateTelescope(ctx, &Telescope{Name: "ZTF", Footprint: geometry.ZTF}, fields)
		require.NoError(t, err)
		assert.Equal(t, 3, tel.FieldCount)

		_, err = s.CreateTelescope(ctx, &Telescope{Name: "ZTF", Footprint: geometry.ZTF}, nil)
		assert.True(t, skyerr.Is(err, skyerr.CodeConflict))

		got, err := s.GetTelescope(ctx, "ZTF")
		require.NoError(t, err)
		assert.Equal(t, geometry.ZTF, got.Footprint)
		assert.Equal(t, 3, got.FieldCount)

		loaded, err := s.Fields(ctx, "ZTF")
		require.NoError(t, err)
		require.Len(t, loaded, 3)
		assert.Equal(t, int64(1), loaded[0].ID)
		assert.Equal(t, []region.Range{{Lo: 300, Hi: 400}}, loaded[0].Coverage.Tiles())
		assert.Equal(t, []region.Range{{Lo: 0, Hi: 50}, {Lo: 100, Hi: 200}}, loaded[1].Coverage.Tiles())
		assert.Equal(t, 0, loaded[2].Coverage.Len())

		_, err = s.Fields(ctx, "DECam")
		assert.True(t, skyerr.Is(err, skyerr.CodeNotFound))

		all, err := s.ListTelescopes(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
	})

	t.Run("galaxies", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		n, err := s.AddGalaxies(ctx, []Galaxy{
			{Name: "NGC 4993", Lon: 197.45, Lat: -23.38, Nested: 12345},
			{Name: "M31", Lon: 10.68, Lat: 41.27, Nested: 999},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = s.AddGalaxies(ctx, []Galaxy{{Name: "M31", Lon: 10.7, Lat: 41.3, Nested: 1000}})
		require.NoError(t, err)

		count, err := s.CountGalaxies(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)

		gs, err := s.Galaxies(ctx)
		require.NoError(t, err)
		require.Len(t, gs, 2)
		assert.Equal(t, Galaxy{Name: "M31", Lon: 10.7, Lat: 41.3, Nested: 1000}, gs[0])
	})

	t.Run("creation time after reset", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		m := region.New([]region.Weighted{{Range: region.Range{Lo: 0, Hi: 10}, Density: 1}})

		first, err := s.CreateSkymap(ctx, "S1", m)
		require.NoError(t, err)
		got, err := s.GetSkymap(ctx, first.ID)
		require.NoError(t, err)
		assert.True(t, first.CreatedAt.Equal(got.CreatedAt), "stored %v, read %v", first.CreatedAt, got.CreatedAt)

		require.NoError(t, s.Reset(ctx))
		second, err := s.CreateSkymap(ctx, "S1", m)
		require.NoError(t, err)
		// ids may be reused, so the timestamp alone tells the two apart
		assert.False(t, first.CreatedAt.Equal(second.CreatedAt))

		tel, err := s.CreateTelescope(ctx, &Telescope{Name: "T", Footprint: geometry.ZTF}, nil)
		require.NoError(t, err)
		all, err := s.ListTelescopes(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.True(t, tel.CreatedAt.Equal(all[0].CreatedAt))
	})

	t.Run("reset", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		_, err := s.AddGalaxies(ctx, []Galaxy{{Name: "a", Nested: 1}})
		require.NoError(t, err)
		require.NoError(t, s.Reset(ctx))
		count, err := s.CountGalaxies(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle"})
	assert.True(t, skyerr.Is(err, skyerr.CodeMalformedInput))
}
