package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/skyrange/server/internal/geometry"
	"github.com/skyrange/server/internal/ingest"
)

type createTelescopeRequest struct {
	Name      string               `json:"name"`
	Footprint geometry.Footprint   `json:"footprint"`
	Fields    []ingest.FieldCentre `json:"fields"`
}

func (h *handlers) listTelescopes(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListTelescopes(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"telescopes": list})
}

func (h *handlers) createTelescope(w http.ResponseWriter, r *http.Request) {
	var req createTelescopeRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	t, err := h.svc.CreateTelescope(r.Context(), req.Name, req.Footprint, req.Fields)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *handlers) getTelescope(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Telescope(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handlers) fieldGalaxyCounts(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	n, err := queryInt(r, "n")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	results, err := h.svc.FieldGalaxyCounts(r.Context(), name, n)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"telescope": name,
		"results":   results,
	})
}

// addGalaxies accepts a JSON array or a CSV catalog.
func (h *handlers) addGalaxies(w http.ResponseWriter, r *http.Request) {
	var (
		rows []ingest.Galaxy
		err  error
	)
	if isCSV(r) {
		rows, err = ingest.Galaxies(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	} else {
		err = decodeBody(w, r, &rows)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	n, err := h.svc.AddGalaxies(r.Context(), rows)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"loaded": n})
}

func (h *handlers) countGalaxies(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.CountGalaxies(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": n})
}
