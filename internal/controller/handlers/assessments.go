package handlers

import (
	"encoding/json"
	"net/http"

	"mopplane/internal/logger"
	"mopplane/internal/report"
	"mopplane/pkg/api"
)

const maxSubmitBytes = 10 << 20

// SubmitAssessment handles POST /assessments.
// Validation errors are returned synchronously; everything else is reported
// through the job status.
func (h *Handlers) SubmitAssessment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes)).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id, err := h.engine.Submit(ctx, req.MOP, req.Servers)
	if err != nil {
		h.engineError(w, r, err)
		return
	}

	logger.FromContext(ctx, h.logger).Info("assessment submitted",
		"job_id", id, "mop", req.MOP.Name, "servers", len(req.Servers))
	h.respondJson(w, http.StatusAccepted, api.SubmitResponse{JobID: id})
}

// ListAssessments handles GET /assessments.
func (h *Handlers) ListAssessments(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.engine.List(r.Context())
	if err != nil {
		h.engineError(w, r, err)
		return
	}

	now := h.now()
	resp := api.ListResponse{Assessments: make([]api.StatusResponse, 0, len(jobs))}
	for _, job := range jobs {
		status := toStatus(job, now)
		status.Log = nil
		resp.Assessments = append(resp.Assessments, status)
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetAssessment handles GET /assessments/{id}.
func (h *Handlers) GetAssessment(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toStatus(job, h.now()))
}

// GetResult handles GET /assessments/{id}/result.
func (h *Handlers) GetResult(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.Result(r.Context(), r.PathValue("id"))
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, result)
}

// GetReport handles GET /assessments/{id}/report?format=csv|json.
func (h *Handlers) GetReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	format := r.URL.Query().Get("format")
	if format != "" && format != "csv" && format != "json" {
		h.httpError(w, "format must be csv or json", http.StatusBadRequest)
		return
	}

	result, err := h.engine.Result(r.Context(), id)
	if err != nil {
		h.engineError(w, r, err)
		return
	}

	rep := report.Assemble(result)
	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="assessment-`+id+`.csv"`)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	if err := report.Write(w, rep, format); err != nil {
		logger.FromContext(r.Context(), h.logger).Error("failed to write report", "job_id", id, "error", err)
	}
}

// CancelAssessment handles POST /assessments/{id}/cancel.
// Cancelling a finished assessment succeeds without effect.
func (h *Handlers) CancelAssessment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.Cancel(r.Context(), id); err != nil {
		h.engineError(w, r, err)
		return
	}

	job, err := h.engine.Status(r.Context(), id)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusAccepted, toStatus(job, h.now()))
}

// DeleteAssessment handles DELETE /assessments/{id}.
func (h *Handlers) DeleteAssessment(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.engineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
