// Package api provides the REST and WebSocket control surface over the
// ETL orchestrator.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/PepeluiMoreno/bdns-etl/internal/catalog"
	"github.com/PepeluiMoreno/bdns-etl/internal/execution"
	"github.com/PepeluiMoreno/bdns-etl/internal/extract"
	"github.com/PepeluiMoreno/bdns-etl/internal/orchestrator"
	"github.com/PepeluiMoreno/bdns-etl/internal/versions"
)

// StartRunRequest is the payload for seeding and sync launches.
type StartRunRequest struct {
	Entity    string `json:"entity"`
	Year      int    `json:"year,omitempty"`
	DateFrom  string `json:"date_from,omitempty"`
	DateTo    string `json:"date_to,omitempty"`
	Parallel  bool   `json:"parallel"`
	Workers   int    `json:"workers,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
	Cleanup   bool   `json:"cleanup_before,omitempty"`
	Backup    bool   `json:"create_backup,omitempty"`
}

// ErrorResponse is the standard error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Routes holds the handler dependencies.
type Routes struct {
	service *orchestrator.Service
	logger  *slog.Logger
}

// NewRoutes creates the handler set over the control service.
func NewRoutes(service *orchestrator.Service, logger *slog.Logger) *Routes {
	if logger == nil {
		logger = slog.Default()
	}
	return &Routes{service: service, logger: logger}
}

// Router wires the v1 control routes.
func Router(routes *Routes) http.Handler {
	r := chi.NewRouter()

	r.Post("/seed", routes.startSeeding)
	r.Post("/sync", routes.startSync)
	r.Post("/sync-catalogos", routes.syncCatalogs)

	r.Route("/executions", func(r chi.Router) {
		r.Get("/", routes.listExecutions)
		r.Get("/{id}", routes.getExecution)
		r.Post("/{id}/stop", routes.stopExecution)
		r.Post("/{id}/retry", routes.retryExecution)
	})

	r.Get("/statistics", routes.getStatistics)
	r.Get("/version", getVersion)

	return r
}

func (rt *Routes) startSeeding(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Entity == "" || req.Year == 0 {
		writeError(w, http.StatusBadRequest, "entity and year are required")
		return
	}

	ex, err := rt.service.StartSeeding(r.Context(), req.Entity, req.Year, req.options(), "api")
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ex)
}

func (rt *Routes) startSync(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Entity == "" {
		writeError(w, http.StatusBadRequest, "entity is required")
		return
	}

	window, err := req.window()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ex, err := rt.service.StartSync(r.Context(), req.Entity, window, req.options(), "api")
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ex)
}

func (rt *Routes) syncCatalogs(w http.ResponseWriter, r *http.Request) {
	result, err := rt.service.SyncCatalogs(r.Context())
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Routes) listExecutions(w http.ResponseWriter, r *http.Request) {
	filter := execution.ListFilter{
		Status: execution.Status(r.URL.Query().Get("status")),
		Type:   execution.Type(r.URL.Query().Get("type")),
		Entity: r.URL.Query().Get("entity"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	list, err := rt.service.ListExecutions(r.Context(), filter)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []*execution.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": list,
		"total":      len(list),
	})
}

func (rt *Routes) getExecution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid execution id")
		return
	}

	ex, err := rt.service.GetExecution(r.Context(), id)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (rt *Routes) stopExecution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid execution id")
		return
	}

	if err := rt.service.StopExecution(r.Context(), id); err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (rt *Routes) retryExecution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid execution id")
		return
	}

	var req StartRunRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	ex, err := rt.service.Retry(r.Context(), id, req.options())
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ex)
}

func (rt *Routes) getStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := rt.service.GetStatistics(r.Context())
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func getVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, versions.GetVersionInfo())
}

func (rt *Routes) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, extract.ErrUnknownSource):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, execution.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrDuplicateActiveRun),
		errors.Is(err, catalog.ErrSyncInProgress),
		errors.Is(err, execution.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		rt.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (req StartRunRequest) options() orchestrator.Options {
	return orchestrator.Options{
		Parallel:      req.Parallel,
		Workers:       req.Workers,
		BatchSize:     req.BatchSize,
		CleanupBefore: req.Cleanup,
		CreateBackup:  req.Backup,
	}
}

func (req StartRunRequest) window() (*extract.DateWindow, error) {
	if req.DateFrom == "" && req.DateTo == "" {
		return nil, nil
	}
	if req.DateFrom == "" || req.DateTo == "" {
		return nil, errors.New("date_from and date_to must be set together")
	}

	from, err := time.Parse("2006-01-02", req.DateFrom)
	if err != nil {
		return nil, errors.New("date_from must be YYYY-MM-DD")
	}
	to, err := time.Parse("2006-01-02", req.DateTo)
	if err != nil {
		return nil, errors.New("date_to must be YYYY-MM-DD")
	}
	if to.Before(from) {
		return nil, errors.New("date_to must not precede date_from")
	}
	return &extract.DateWindow{From: from, To: to}, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
