// Package api provides the HTTP surface for starting and polling data mart
// runs.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
	"github.com/OWOX/owox-data-marts-sub004/internal/service/datamart"
	runservice "github.com/OWOX/owox-data-marts-sub004/internal/service/run"
)

// anonymousUserID stands in when the caller supplies no identity header.
// Authentication proper sits in front of this service.
const anonymousUserID = "anonymous"

// Handler serves the run API.
type Handler struct {
	dataMarts  domain.DataMartRepository
	runs       *runservice.Service
	insights   *runservice.InsightService
	sqlPreview *runservice.SQLPreviewService
	consumer   *datamart.Consumer
	logger     *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(
	dataMarts domain.DataMartRepository,
	runs *runservice.Service,
	insights *runservice.InsightService,
	sqlPreview *runservice.SQLPreviewService,
	consumer *datamart.Consumer,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		dataMarts:  dataMarts,
		runs:       runs,
		insights:   insights,
		sqlPreview: sqlPreview,
		consumer:   consumer,
		logger:     logger.With("component", "api"),
	}
}

// Routes mounts the handler under /api/v1.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1/data-marts/{dataMartID}", func(r chi.Router) {
		r.Post("/insights/{insightID}/runs", h.startInsightRun)
		r.Get("/runs", h.listRuns)
		r.Get("/runs/{runID}", h.getRun)
		r.Post("/sample", h.sampleColumns)
		r.Post("/sql/dry-run", h.dryRunSQL)
		r.Post("/sql/runs", h.startSQLPreview)
	})
}

func (h *Handler) startInsightRun(w http.ResponseWriter, r *http.Request) {
	dataMartID := chi.URLParam(r, "dataMartID")
	insightID := chi.URLParam(r, "insightID")

	run, err := h.insights.Run(r.Context(), dataMartID, insightID, userID(r), domain.RunTypeManual)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"runId": run.ID})
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if run.DataMartID != chi.URLParam(r, "dataMartID") {
		h.writeError(w, domain.ErrNotFound("run %s not found", run.ID))
		return
	}
	h.writeJSON(w, http.StatusOK, runResponse(run))
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.ListByDataMart(r.Context(), chi.URLParam(r, "dataMartID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(runs))
	for i := range runs {
		out = append(out, runResponse(&runs[i]))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": out})
}

type sampleRequest struct {
	Columns []string `json:"columns"`
	Limit   int      `json:"limit"`
}

func (h *Handler) sampleColumns(w http.ResponseWriter, r *http.Request) {
	var req sampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.ErrValidation("invalid request body: %v", err))
		return
	}

	mart, err := h.dataMarts.GetByID(r.Context(), chi.URLParam(r, "dataMartID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	table, err := h.consumer.SampleColumns(r.Context(), mart, req.Columns, req.Limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, table)
}

type sqlRequest struct {
	SQL   string `json:"sql"`
	Limit int    `json:"limit"`
}

func (h *Handler) dryRunSQL(w http.ResponseWriter, r *http.Request) {
	var req sqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.ErrValidation("invalid request body: %v", err))
		return
	}

	mart, err := h.dataMarts.GetByID(r.Context(), chi.URLParam(r, "dataMartID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	result, err := h.consumer.DryRunSQL(r.Context(), mart, req.SQL)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":          result.Valid,
		"bytesProcessed": result.BytesProcessed,
		"message":        result.Message,
	})
}

func (h *Handler) startSQLPreview(w http.ResponseWriter, r *http.Request) {
	var req sqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.ErrValidation("invalid request body: %v", err))
		return
	}

	run, err := h.sqlPreview.Run(r.Context(), chi.URLParam(r, "dataMartID"), req.SQL, userID(r), req.Limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"runId": run.ID})
}

func runResponse(run *domain.Run) map[string]interface{} {
	resp := map[string]interface{}{
		"id":         run.ID,
		"dataMartId": run.DataMartID,
		"type":       run.Type,
		"status":     run.Status,
		"runType":    run.RunType,
		"createdAt":  run.CreatedAt,
		"logs":       rawRecords(run.Logs),
		"errors":     rawRecords(run.Errors),
	}
	if run.InsightID != nil {
		resp["insightId"] = *run.InsightID
	}
	if run.StartedAt != nil {
		resp["startedAt"] = *run.StartedAt
	}
	if run.FinishedAt != nil {
		resp["finishedAt"] = *run.FinishedAt
	}
	return resp
}

// rawRecords re-emits stored log entries as JSON objects instead of
// double-encoded strings.
func rawRecords(entries []string) []json.RawMessage {
	records := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		records = append(records, json.RawMessage(e))
	}
	return records
}

func userID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return anonymousUserID
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := httpStatusFromDomainError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
