// Package api provides HTTP handlers for the SkyRange server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/skyrange/server/internal/logger"
	"github.com/skyrange/server/internal/metrics"
	"github.com/skyrange/server/internal/service"
	"github.com/skyrange/server/internal/skyerr"
)

// maxBodyBytes bounds uploaded sky maps, field grids and catalogs.
const maxBodyBytes = 64 << 20

// RouterConfig contains router configuration.
type RouterConfig struct {
	Service     *service.SkyService
	JobManager  *JobManager
	CORSOrigins []string
	Title       string
	Logger      *zap.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	log := cfg.Logger
	if log == nil {
		log = logger.L()
	}
	h := &handlers{svc: cfg.Service, jobs: cfg.JobManager, log: log, title: cfg.Title}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logger.AccessMiddleware(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/info", h.info)

		r.Route("/skymaps", func(r chi.Router) {
			r.Get("/", h.listSkymaps)
			r.Post("/", h.createSkymap)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getSkymap)
				r.Delete("/", h.deleteSkymap)
				r.Get("/density", h.density)
				r.Get("/image.png", h.image)
				r.Get("/fields", h.topFields)
				r.Get("/galaxies", h.topGalaxies)
			})
		})

		r.Route("/telescopes", func(r chi.Router) {
			r.Get("/", h.listTelescopes)
			r.Post("/", h.createTelescope)
			r.Get("/{name}", h.getTelescope)
			r.Get("/{name}/galaxy-counts", h.fieldGalaxyCounts)
		})

		r.Post("/galaxies", h.addGalaxies)
		r.Get("/galaxies/count", h.countGalaxies)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.submitJob)
			r.Get("/{job_id}", h.jobStatus)
			r.Get("/{job_id}/result", h.jobResult)
			r.Delete("/{job_id}", h.cancelJob)
		})

		r.Post("/admin/reset", h.reset)
	})

	return r
}

type handlers struct {
	svc   *service.SkyService
	jobs  *JobManager
	log   *zap.Logger
	title string
}

func (h *handlers) info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"title": h.title,
		"cache": h.svc.CacheStats(),
	})
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusOf maps an error code to an HTTP status.
func statusOf(err error) int {
	switch skyerr.CodeOf(err) {
	case skyerr.CodeDomain, skyerr.CodeMalformedInput:
		return http.StatusBadRequest
	case skyerr.CodeNotFound:
		return http.StatusNotFound
	case skyerr.CodeConflict:
		return http.StatusConflict
	case skyerr.CodeCancelled:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  skyerr.CodeOf(err),
	})
}

// decodeBody decodes a bounded JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return skyerr.Wrap(skyerr.CodeMalformedInput, err, "invalid request body")
	}
	return nil
}

func isCSV(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return strings.HasPrefix(ct, "text/csv") || strings.HasPrefix(ct, "text/plain")
}

func skymapID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, skyerr.Malformed("invalid sky map id %q", raw)
	}
	return id, nil
}

// queryInt parses an optional integer query parameter; absent yields 0.
func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, skyerr.Malformed("invalid %s %q", name, raw)
	}
	return v, nil
}

func queryFloat(r *http.Request, name string) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, skyerr.Malformed("missing required query param: %s", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, skyerr.Malformed("invalid %s %q", name, raw)
	}
	return v, nil
}
