// Package service provides the business logic behind the HTTP API and CLI.
package service

import (
	"cmp"
	"context"
	"encoding/json"
	"runtime"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skyrange/server/internal/cache"
	"github.com/skyrange/server/internal/geometry"
	"github.com/skyrange/server/internal/healpix"
	"github.com/skyrange/server/internal/ingest"
	"github.com/skyrange/server/internal/jobstore"
	"github.com/skyrange/server/internal/join"
	"github.com/skyrange/server/internal/logger"
	"github.com/skyrange/server/internal/metrics"
	"github.com/skyrange/server/internal/query"
	"github.com/skyrange/server/internal/region"
	"github.com/skyrange/server/internal/render"
	"github.com/skyrange/server/internal/skyerr"
	"github.com/skyrange/server/internal/store"
)

// Config contains sky service configuration.
type Config struct {
	Store    store.Store
	Cache    *cache.Manager
	Renderer *render.SkymapRenderer
	Logger   *zap.Logger

	// MaxDepth bounds the order of field coverage pixels.
	MaxDepth int
	// Workers bounds concurrent field coverage builds; 0 means GOMAXPROCS.
	Workers int
	// FieldCacheSize is the number of telescopes whose fields stay decoded.
	FieldCacheSize int
}

// SkyService orchestrates storage, caching, region building and ranking.
type SkyService struct {
	store    store.Store
	cache    *cache.Manager
	renderer *render.SkymapRenderer
	coverer  *geometry.Coverer
	log      *zap.Logger
	workers  int

	// decoded fields by cache.FieldsKey; Regions are immutable and shared
	fields *lru.Cache[string, []query.Candidate[int64]]
}

// Density is the answer to a point lookup on a sky map.
type Density struct {
	Lon     float64 `json:"lon"`
	Lat     float64 `json:"lat"`
	Nested  int64   `json:"nested"`
	Inside  bool    `json:"inside"`
	Density float64 `json:"density"`
}

// NewSkyService creates a new sky service.
func NewSkyService(cfg Config) (*SkyService, error) {
	if cfg.Store == nil || cfg.Cache == nil || cfg.Renderer == nil {
		return nil, errors.New("sky service needs a store, a cache and a renderer")
	}
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = geometry.DefaultMaxDepth
	}
	coverer, err := geometry.NewCoverer(cfg.MaxDepth)
	if err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.FieldCacheSize <= 0 {
		cfg.FieldCacheSize = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.L()
	}
	fields, err := lru.New[string, []query.Candidate[int64]](cfg.FieldCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create field cache")
	}

	return &SkyService{
		store:    cfg.Store,
		cache:    cfg.Cache,
		renderer: cfg.Renderer,
		coverer:  coverer,
		log:      cfg.Logger,
		workers:  cfg.Workers,
		fields:   fields,
	}, nil
}

// CreateSkymap builds a sky map from a probability table and stores it.
// Rows whose tiles overlap are rejected as malformed input.
func (s *SkyService) CreateSkymap(ctx context.Context, name string, rows []region.Row) (*store.Skymap, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, skyerr.Malformed("sky map name is required")
	}
	m, err := region.FromProbabilityTable(rows)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, skyerr.Wrap(skyerr.CodeMalformedInput, err, "probability table")
	}

	sm, err := s.store.CreateSkymap(ctx, name, m)
	if err != nil {
		return nil, err
	}
	metrics.TilesIngested.WithLabelValues("skymap").Add(float64(m.Len()))
	s.cacheSkymap(ctx, sm, m)
	s.cache.PurgeQueries()

	s.log.Info("sky map created",
		zap.Int64("id", sm.ID),
		zap.String("name", sm.Name),
		zap.Int("tiles", m.Len()),
		zap.Float64("mass", join.Mass(m)),
	)
	return sm, nil
}

// ListSkymaps returns every stored sky map without tiles.
func (s *SkyService) ListSkymaps(ctx context.Context) ([]*store.Skymap, error) {
	return s.store.ListSkymaps(ctx)
}

// Skymap returns a stored sky map without tiles.
func (s *SkyService) Skymap(ctx context.Context, id int64) (*store.Skymap, error) {
	return s.store.SkymapInfo(ctx, id)
}

// DeleteSkymap removes a sky map.
func (s *SkyService) DeleteSkymap(ctx context.Context, id int64) error {
	if err := s.store.DeleteSkymap(ctx, id); err != nil {
		return err
	}
	s.cache.PurgeQueries()
	s.log.Info("sky map deleted", zap.Int64("id", id))
	return nil
}

// skymapRegion returns the sky map and its Region, using the region cache.
func (s *SkyService) skymapRegion(ctx context.Context, id int64) (*store.Skymap, *region.SkyMap, error) {
	info, err := s.store.SkymapInfo(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	key := cache.SkymapKey(info.ID, info.CreatedAt)
	if data, ok := s.cache.GetRegion(ctx, key); ok {
		m, err := region.DecodeSkyMap(data)
		if err == nil {
			return info, m, nil
		}
		s.log.Warn("discarding unreadable sky map snapshot", zap.String("key", key), zap.Error(err))
	}

	sm, err := s.store.GetSkymap(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	s.cacheSkymap(ctx, sm, sm.Region)
	return sm, sm.Region, nil
}

func (s *SkyService) cacheSkymap(ctx context.Context, sm *store.Skymap, m *region.SkyMap) {
	data, err := region.EncodeSkyMap(m)
	if err != nil {
		s.log.Warn("encode sky map snapshot", zap.Int64("id", sm.ID), zap.Error(err))
		return
	}
	if err := s.cache.SetRegion(ctx, cache.SkymapKey(sm.ID, sm.CreatedAt), data); err != nil {
		s.log.Warn("cache sky map snapshot", zap.Int64("id", sm.ID), zap.Error(err))
	}
}

// DensityAt returns the density of sky map id at (lon, lat) in degrees,
// answered by the store's range index.
func (s *SkyService) DensityAt(ctx context.Context, id int64, lon, lat float64) (*Density, error) {
	nested, err := healpix.AngToPix(healpix.MaxOrder, lon, lat)
	if err != nil {
		return nil, skyerr.Wrap(skyerr.CodeMalformedInput, err, "density lookup")
	}
	d, ok, err := s.store.DensityAt(ctx, id, nested)
	if err != nil {
		return nil, err
	}
	return &Density{Lon: lon, Lat: lat, Nested: nested, Inside: ok, Density: d}, nil
}

// RenderSkymap returns a PNG of sky map id.
func (s *SkyService) RenderSkymap(ctx context.Context, id int64, opts render.Options) ([]byte, error) {
	opts, err := s.renderer.Resolve(opts)
	if err != nil {
		return nil, err
	}
	info, err := s.store.SkymapInfo(ctx, id)
	if err != nil {
		return nil, err
	}
	key := cache.ImageKey(cache.SkymapKey(info.ID, info.CreatedAt), opts.Width, opts.Height, opts.Colormap, opts.LogScale)
	cacheable := len(opts.Markers) == 0
	if cacheable {
		if data, ok := s.cache.GetImage(key); ok {
			return data, nil
		}
	}

	_, m, err := s.skymapRegion(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := s.renderer.Render(ctx, m, opts)
	if err != nil {
		return nil, err
	}
	if cacheable {
		if err := s.cache.SetImage(key, data); err != nil {
			s.log.Debug("image not cached", zap.String("key", key), zap.Error(err))
		}
	}
	return data, nil
}

// CreateTelescope builds the coverage of every field centre with the given
// footprint and stores the telescope with its fields in one transaction.
func (s *SkyService) CreateTelescope(ctx context.Context, name string, fp geometry.Footprint, centres []ingest.FieldCentre) (*store.Telescope, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, skyerr.Malformed("telescope name is required")
	}
	fp.Shape = strings.ToLower(fp.Shape)
	if err := fp.Validate(); err != nil {
		return nil, err
	}
	seen := make(map[int64]bool, len(centres))
	for _, c := range centres {
		if seen[c.ID] {
			return nil, skyerr.Malformed("duplicate field id %d", c.ID)
		}
		seen[c.ID] = true
	}

	start := time.Now()
	fields := make([]*store.Field, len(centres))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, c := range centres {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return skyerr.Cancelled(err)
			}
			pixels, err := s.coverer.Cover(fp, c.RA, c.Dec)
			if err != nil {
				return errors.WithMessagef(err, "field %d", c.ID)
			}
			cov, err := region.FromTaggedIndices(pixels)
			if err != nil {
				return errors.WithMessagef(err, "field %d", c.ID)
			}
			fields[i] = &store.Field{ID: c.ID, Lon: c.RA, Lat: c.Dec, Coverage: region.Coalesce(cov)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	t, err := s.store.CreateTelescope(ctx, &store.Telescope{Name: name, Footprint: fp}, fields)
	if err != nil {
		return nil, err
	}
	tiles := 0
	for _, f := range fields {
		tiles += f.Coverage.Len()
	}
	metrics.TilesIngested.WithLabelValues("field").Add(float64(tiles))
	s.cache.PurgeQueries()

	s.log.Info("telescope created",
		zap.String("name", t.Name),
		zap.String("shape", fp.Shape),
		zap.Int("fields", len(fields)),
		zap.Int("tiles", tiles),
		zap.Int("max_depth", s.coverer.MaxDepth()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return t, nil
}

// ListTelescopes returns every telescope.
func (s *SkyService) ListTelescopes(ctx context.Context) ([]*store.Telescope, error) {
	return s.store.ListTelescopes(ctx)
}

// Telescope returns one telescope by name.
func (s *SkyService) Telescope(ctx context.Context, name string) (*store.Telescope, error) {
	return s.store.GetTelescope(ctx, name)
}

func (s *SkyService) fieldCandidates(ctx context.Context, telescope string) ([]query.Candidate[int64], error) {
	t, err := s.store.GetTelescope(ctx, telescope)
	if err != nil {
		return nil, err
	}
	key := cache.FieldsKey(t.Name, t.CreatedAt)
	if cands, ok := s.fields.Get(key); ok {
		metrics.CacheHits.WithLabelValues("fields").Inc()
		return cands, nil
	}
	metrics.CacheMisses.WithLabelValues("fields").Inc()

	fields, err := s.store.Fields(ctx, telescope)
	if err != nil {
		return nil, err
	}
	cands := make([]query.Candidate[int64], len(fields))
	for i, f := range fields {
		cands[i] = query.Candidate[int64]{ID: f.ID, Coverage: f.Coverage}
	}
	s.fields.Add(key, cands)
	return cands, nil
}

// AddGalaxies locates each galaxy at its MaxOrder pixel and upserts it by
// name. The whole batch is rejected if any row is off the sphere.
func (s *SkyService) AddGalaxies(ctx context.Context, rows []ingest.Galaxy) (int, error) {
	galaxies := make([]store.Galaxy, len(rows))
	for i, g := range rows {
		name := strings.TrimSpace(g.Name)
		if name == "" {
			return 0, skyerr.Malformed("galaxy %d has no name", i)
		}
		nested, err := healpix.AngToPix(healpix.MaxOrder, g.RA, g.Dec)
		if err != nil {
			return 0, skyerr.Wrap(skyerr.CodeMalformedInput, err, "galaxy "+name)
		}
		galaxies[i] = store.Galaxy{Name: name, Lon: g.RA, Lat: g.Dec, Nested: nested}
	}
	n, err := s.store.AddGalaxies(ctx, galaxies)
	if err != nil {
		return 0, err
	}
	s.cache.PurgeQueries()
	s.log.Info("galaxies loaded", zap.Int("count", n))
	return n, nil
}

// CountGalaxies returns the catalog size.
func (s *SkyService) CountGalaxies(ctx context.Context) (int64, error) {
	return s.store.CountGalaxies(ctx)
}

func (s *SkyService) galaxyPoints(ctx context.Context) ([]query.Point[string], error) {
	galaxies, err := s.store.Galaxies(ctx)
	if err != nil {
		return nil, err
	}
	points := make([]query.Point[string], len(galaxies))
	for i, g := range galaxies {
		points[i] = query.Point[string]{ID: g.Name, Nested: g.Nested}
	}
	return points, nil
}

// Limit maps a requested result count to the one passed to the ranking:
// zero selects query.DefaultLimit and negative values mean no limit.
func Limit(n int) int {
	if n == 0 {
		return query.DefaultLimit
	}
	return n
}

// TopFields ranks the fields of telescope by the probability of sky map
// skymapID they enclose.
func (s *SkyService) TopFields(ctx context.Context, skymapID int64, telescope string, n int) ([]query.Ranked[int64], error) {
	n = Limit(n)
	key := cache.QueryKey(string(jobstore.KindTopFields), skymapID, telescope, n)
	return cachedQuery(s, key, string(jobstore.KindTopFields), func() ([]query.Ranked[int64], error) {
		_, m, err := s.skymapRegion(ctx, skymapID)
		if err != nil {
			return nil, err
		}
		cands, err := s.fieldCandidates(ctx, telescope)
		if err != nil {
			return nil, err
		}
		return query.RankByProbability(ctx, m, cands, n)
	})
}

// TopGalaxies ranks galaxies by the density of sky map skymapID at their
// position.
func (s *SkyService) TopGalaxies(ctx context.Context, skymapID int64, n int) ([]query.Ranked[string], error) {
	n = Limit(n)
	key := cache.QueryKey(string(jobstore.KindTopGalaxies), skymapID, "", n)
	return cachedQuery(s, key, string(jobstore.KindTopGalaxies), func() ([]query.Ranked[string], error) {
		_, m, err := s.skymapRegion(ctx, skymapID)
		if err != nil {
			return nil, err
		}
		points, err := s.galaxyPoints(ctx)
		if err != nil {
			return nil, err
		}
		return query.RankByDensity(ctx, m, points, n)
	})
}

// FieldGalaxyCounts ranks the fields of telescope by the number of
// galaxies they contain.
func (s *SkyService) FieldGalaxyCounts(ctx context.Context, telescope string, n int) ([]query.Ranked[int64], error) {
	n = Limit(n)
	key := cache.QueryKey(string(jobstore.KindFieldGalaxyCounts), 0, telescope, n)
	return cachedQuery(s, key, string(jobstore.KindFieldGalaxyCounts), func() ([]query.Ranked[int64], error) {
		cands, err := s.fieldCandidates(ctx, telescope)
		if err != nil {
			return nil, err
		}
		points, err := s.galaxyPoints(ctx)
		if err != nil {
			return nil, err
		}
		return query.RankByPointCount(ctx, cands, points, n)
	})
}

// FieldMarkers returns image markers at the centres of the top n fields of
// telescope for sky map skymapID, labelled with their field id.
func (s *SkyService) FieldMarkers(ctx context.Context, skymapID int64, telescope string, n int) ([]render.Marker, error) {
	ranked, err := s.TopFields(ctx, skymapID, telescope, n)
	if err != nil {
		return nil, err
	}
	fields, err := s.store.Fields(ctx, telescope)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*store.Field, len(fields))
	for _, f := range fields {
		byID[f.ID] = f
	}
	markers := make([]render.Marker, 0, len(ranked))
	for _, r := range ranked {
		if f, ok := byID[r.ID]; ok {
			markers = append(markers, render.Marker{Lon: f.Lon, Lat: f.Lat, Label: strconv.FormatInt(f.ID, 10)})
		}
	}
	return markers, nil
}

func cachedQuery[K cmp.Ordered](s *SkyService, key, kind string, run func() ([]query.Ranked[K], error)) ([]query.Ranked[K], error) {
	if data, ok := s.cache.GetQuery(key); ok {
		var out []query.Ranked[K]
		if err := json.Unmarshal(data, &out); err == nil {
			return out, nil
		}
	}

	gen := s.cache.QueryGeneration()
	start := time.Now()
	out, err := run()
	metrics.QueriesTotal.WithLabelValues(kind).Inc()
	metrics.QueryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(out); err == nil {
		s.cache.SetQueryIf(gen, key, data)
	}
	return out, nil
}

// RunQuery executes the query described by p and flattens the ranking into
// job results.
func (s *SkyService) RunQuery(ctx context.Context, p jobstore.Params) ([]jobstore.Result, error) {
	switch p.Kind {
	case jobstore.KindTopFields:
		rows, err := s.TopFields(ctx, p.SkymapID, p.Telescope, p.Limit)
		return flatten(rows, func(id int64) string { return strconv.FormatInt(id, 10) }), err
	case jobstore.KindTopGalaxies:
		rows, err := s.TopGalaxies(ctx, p.SkymapID, p.Limit)
		return flatten(rows, func(id string) string { return id }), err
	case jobstore.KindFieldGalaxyCounts:
		rows, err := s.FieldGalaxyCounts(ctx, p.Telescope, p.Limit)
		return flatten(rows, func(id int64) string { return strconv.FormatInt(id, 10) }), err
	}
	return nil, skyerr.Malformed("unknown query kind %q", p.Kind)
}

// ValidateParams checks that p names a known query with the arguments it
// needs.
func ValidateParams(p jobstore.Params) error {
	switch p.Kind {
	case jobstore.KindTopFields:
		if p.SkymapID == 0 || p.Telescope == "" {
			return skyerr.Malformed("%s needs skymap_id and telescope", p.Kind)
		}
	case jobstore.KindTopGalaxies:
		if p.SkymapID == 0 {
			return skyerr.Malformed("%s needs skymap_id", p.Kind)
		}
	case jobstore.KindFieldGalaxyCounts:
		if p.Telescope == "" {
			return skyerr.Malformed("%s needs telescope", p.Kind)
		}
	default:
		return skyerr.Malformed("unknown query kind %q", p.Kind)
	}
	return nil
}

func flatten[K cmp.Ordered](rows []query.Ranked[K], id func(K) string) []jobstore.Result {
	if rows == nil {
		return nil
	}
	out := make([]jobstore.Result, len(rows))
	for i, r := range rows {
		out[i] = jobstore.Result{Rank: i + 1, ID: id(r.ID), Score: r.Score}
	}
	return out
}

// Reset drops and recreates the schema and clears every cache.
func (s *SkyService) Reset(ctx context.Context) error {
	if err := s.store.Reset(ctx); err != nil {
		return err
	}
	s.fields.Purge()
	if err := s.cache.Purge(); err != nil {
		return errors.Wrap(err, "purge caches")
	}
	s.log.Warn("database reset")
	return nil
}

// CacheStats reports cache occupancy.
func (s *SkyService) CacheStats() map[string]interface{} {
	stats := s.cache.Stats()
	stats["field_cache_len"] = s.fields.Len()
	return stats
}
