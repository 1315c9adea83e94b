package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/skyrange/server/internal/jobstore"
	"github.com/skyrange/server/internal/service"
	"github.com/skyrange/server/internal/skyerr"
)

func (h *handlers) loadJob(w http.ResponseWriter, r *http.Request) *jobstore.Job {
	if h.jobs == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return nil
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		h.writeError(w, r, err)
		return nil
	}
	if job == nil {
		h.writeError(w, r, skyerr.NotFound("job %s not found", jobID))
		return nil
	}
	return job
}

func (h *handlers) submitJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return
	}

	var params jobstore.Params
	if err := decodeBody(w, r, &params); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := service.ValidateParams(params); err != nil {
		h.writeError(w, r, err)
		return
	}
	params.Limit = service.Limit(params.Limit)

	job, err := h.jobs.Submit(r.Context(), params)
	if errors.Is(err, ErrQueueFull) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *handlers) jobStatus(w http.ResponseWriter, r *http.Request) {
	job := h.loadJob(w, r)
	if job == nil {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handlers) jobResult(w http.ResponseWriter, r *http.Request) {
	job := h.loadJob(w, r)
	if job == nil {
		return
	}
	if job.Status != jobstore.StatusCompleted {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":  "job not completed (status: " + string(job.Status) + ")",
			"status": job.Status,
		})
		return
	}

	results, err := h.jobs.Results(r.Context(), job.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  job.ID,
		"params":  job.Params,
		"results": results,
	})
}

func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	job := h.loadJob(w, r)
	if job == nil {
		return
	}
	cancelled, err := h.jobs.Cancel(r.Context(), job.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":    job.ID,
		"cancelled": cancelled,
	})
}
