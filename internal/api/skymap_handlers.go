package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/skyrange/server/internal/ingest"
	"github.com/skyrange/server/internal/region"
	"github.com/skyrange/server/internal/render"
	"github.com/skyrange/server/internal/skyerr"
)

// createSkymapRequest carries a probability table as [nuniq, density] pairs.
// Packed indices exceed float64 precision, so both are kept as json.Number.
type createSkymapRequest struct {
	Name  string           `json:"name"`
	Tiles [][2]json.Number `json:"tiles"`
}

func (req createSkymapRequest) rows() ([]region.Row, error) {
	rows := make([]region.Row, len(req.Tiles))
	for i, t := range req.Tiles {
		nuniq, err := strconv.ParseInt(t[0].String(), 10, 64)
		if err != nil {
			return nil, skyerr.Malformed("tile %d: bad packed index %q", i, t[0])
		}
		density, err := t[1].Float64()
		if err != nil {
			return nil, skyerr.Malformed("tile %d: bad density %q", i, t[1])
		}
		rows[i] = region.Row{NUniq: nuniq, Density: density}
	}
	return rows, nil
}

func (h *handlers) listSkymaps(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListSkymaps(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"skymaps": list})
}

// createSkymap accepts JSON, or a CSV probability table with the name in
// the "name" query parameter.
func (h *handlers) createSkymap(w http.ResponseWriter, r *http.Request) {
	var (
		name string
		rows []region.Row
		err  error
	)
	if isCSV(r) {
		name = r.URL.Query().Get("name")
		rows, err = ingest.ProbabilityTable(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	} else {
		var req createSkymapRequest
		if err = decodeBody(w, r, &req); err == nil {
			name = req.Name
			rows, err = req.rows()
		}
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	sm, err := h.svc.CreateSkymap(r.Context(), name, rows)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sm)
}

func (h *handlers) getSkymap(w http.ResponseWriter, r *http.Request) {
	id, err := skymapID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sm, err := h.svc.Skymap(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sm)
}

func (h *handlers) deleteSkymap(w http.ResponseWriter, r *http.Request) {
	id, err := skymapID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.DeleteSkymap(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) density(w http.ResponseWriter, r *http.Request) {
	id, err := skymapID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	lon, err := queryFloat(r, "lon")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	lat, err := queryFloat(r, "lat")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	d, err := h.svc.DensityAt(r.Context(), id, lon, lat)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// image renders the sky map. With ?telescope= the centres of the top n
// fields are marked.
func (h *handlers) image(w http.ResponseWriter, r *http.Request) {
	id, err := skymapID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	opts := render.Options{Colormap: q.Get("colormap")}
	switch strings.ToLower(q.Get("scale")) {
	case "", "linear":
	case "log":
		opts.LogScale = true
	default:
		h.writeError(w, r, skyerr.Malformed("unknown scale %q", q.Get("scale")))
		return
	}
	if opts.Width, err = queryInt(r, "width"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if opts.Height, err = queryInt(r, "height"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if telescope := q.Get("telescope"); telescope != "" {
		n, err := queryInt(r, "n")
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if opts.Markers, err = h.svc.FieldMarkers(r.Context(), id, telescope, n); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	data, err := h.svc.RenderSkymap(r.Context(), id, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Write(data)
}

func (h *handlers) topFields(w http.ResponseWriter, r *http.Request) {
	id, err := skymapID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	telescope := strings.TrimSpace(r.URL.Query().Get("telescope"))
	if telescope == "" {
		h.writeError(w, r, skyerr.Malformed("missing required query param: telescope"))
		return
	}
	n, err := queryInt(r, "n")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	results, err := h.svc.TopFields(r.Context(), id, telescope, n)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"skymap_id": id,
		"telescope": telescope,
		"results":   results,
	})
}

func (h *handlers) topGalaxies(w http.ResponseWriter, r *http.Request) {
	id, err := skymapID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	n, err := queryInt(r, "n")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	results, err := h.svc.TopGalaxies(r.Context(), id, n)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"skymap_id": id,
		"results":   results,
	})
}

func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Reset(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reset": true})
}
