package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"agent-chaos/internal/chaos"
	"agent-chaos/internal/faults"
	"agent-chaos/internal/logging"
	"agent-chaos/internal/monitoring"
	"agent-chaos/internal/storage"

	"github.com/gorilla/mux"
)

// Handler serves the control-plane API: the live fault state for agents
// running out of process, runner status, archived reports and run triggers.
type Handler struct {
	runner         *chaos.Runner
	registry       *faults.Registry
	archive        *storage.ReportArchive
	health         *monitoring.HealthManager
	metrics        *monitoring.Metrics
	logger         *logging.Logger
	experimentsDir string

	// runs started over HTTP outlive the request; they stop with baseCtx
	baseCtx context.Context
	wg      sync.WaitGroup
}

type Option func(*Handler)

func WithArchive(a *storage.ReportArchive) Option { return func(h *Handler) { h.archive = a } }

func WithHealth(hm *monitoring.HealthManager) Option { return func(h *Handler) { h.health = hm } }

func WithMetrics(m *monitoring.Metrics) Option { return func(h *Handler) { h.metrics = m } }

func WithExperimentsDir(dir string) Option { return func(h *Handler) { h.experimentsDir = dir } }

func WithBaseContext(ctx context.Context) Option { return func(h *Handler) { h.baseCtx = ctx } }

func NewHandler(runner *chaos.Runner, registry *faults.Registry, logger *logging.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	h := &Handler{
		runner:   runner,
		registry: registry,
		logger:   logger.WithField("component", "api"),
		baseCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FaultsResponse is what an out-of-process agent polls before each turn.
type FaultsResponse struct {
	faults.State
	Resets uint64 `json:"resets"`
}

type ReportIndexEntry struct {
	ExperimentID string    `json:"experiment_id"`
	StoredAt     time.Time `json:"stored_at"`
	Key          string    `json:"key"`
}

type ReportIndexResponse struct {
	Reports []ReportIndexEntry `json:"reports"`
	Count   int                `json:"count"`
}

type RunAcceptedResponse struct {
	RunID       string   `json:"run_id"`
	Experiments []string `json:"experiments"`
	StatusURL   string   `json:"status_url"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		h.writeJSONResponse(w, http.StatusOK, map[string]string{"status": string(monitoring.HealthStatusHealthy)})
		return
	}

	resp := h.health.CheckHealth(r.Context())
	status := http.StatusOK
	if resp.Status == monitoring.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSONResponse(w, status, resp)
}

func (h *Handler) Faults(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, FaultsResponse{
		State:  h.registry.Snapshot(),
		Resets: h.registry.Resets(),
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, h.runner.Status())
}

func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.writeErrorResponse(w, http.StatusNotImplemented, "report archive is disabled")
		return
	}

	index, err := h.archive.Index(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Failed to list reports", "error", err)
		h.writeErrorResponse(w, http.StatusInternalServerError, "failed to list reports")
		return
	}

	entries := make([]ReportIndexEntry, 0, len(index))
	for _, a := range index {
		entries = append(entries, ReportIndexEntry{ExperimentID: a.ExperimentID, StoredAt: a.StoredAt, Key: a.Key})
	}
	h.writeJSONResponse(w, http.StatusOK, ReportIndexResponse{Reports: entries, Count: len(entries)})
}

// SetFaultRequest is the body of PUT /api/v1/faults/{kind}.
type SetFaultRequest struct {
	Value *float64 `json:"value"`
}

// SetFault sets one fault kind by hand between runs. The registry belongs to
// the runner while a run is in progress, so writes then answer 409.
func (h *Handler) SetFault(w http.ResponseWriter, r *http.Request) {
	kind, err := faults.ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		h.writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}

	var req SetFaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		h.writeErrorResponse(w, http.StatusBadRequest, `request body must be {"value": <number>}`)
		return
	}

	err = h.runner.WhileIdle(func() error { return h.registry.Set(kind, *req.Value) })
	switch {
	case errors.Is(err, chaos.ErrRunnerBusy):
		h.writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, faults.ErrInvalidFaultValue):
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.WarnContext(r.Context(), "Fault set by operator", "kind", kind, "value", *req.Value)
	h.Faults(w, r)
}

// ResetFaults restores the all-disabled fault state between runs.
func (h *Handler) ResetFaults(w http.ResponseWriter, r *http.Request) {
	err := h.runner.WhileIdle(func() error {
		h.registry.Reset()
		return nil
	})
	if err != nil {
		h.writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	}
	h.Faults(w, r)
}

// GetReport returns one archived report document as stored: the newest for
// the experiment, or the one archived at ?at=<RFC 3339 time>.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.writeErrorResponse(w, http.StatusNotImplemented, "report archive is disabled")
		return
	}

	id := mux.Vars(r)["experiment"]
	var latest storage.ArchivedReport
	var err error
	if at := r.URL.Query().Get("at"); at != "" {
		ts, perr := time.Parse(time.RFC3339Nano, at)
		if perr != nil {
			h.writeErrorResponse(w, http.StatusBadRequest, "invalid at timestamp: "+perr.Error())
			return
		}
		latest, err = h.archive.Get(r.Context(), id, ts)
	} else {
		latest, err = h.archive.Latest(r.Context(), id)
	}
	if errors.Is(err, storage.ErrKeyNotFound) {
		h.writeErrorResponse(w, http.StatusNotFound, "no report for experiment "+id)
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Failed to read report", "experiment_id", id, "error", err)
		h.writeErrorResponse(w, http.StatusInternalServerError, "failed to read report")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Report-Key", latest.Key)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(latest.Data); err != nil {
		h.logger.WithError(err).Error("Failed to write report body")
	}
}

// StartRun validates the experiment directory and starts a run in the background.
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	if h.runner.Busy() {
		h.writeErrorResponse(w, http.StatusConflict, chaos.ErrRunnerBusy.Error())
		return
	}

	specs, err := h.runner.Load(h.experimentsDir)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	h.wg.Add(1)
	runID, err := h.runner.Start(h.baseCtx, specs, func(summary *chaos.RunSummary, err error) {
		defer h.wg.Done()
		if err != nil {
			h.logger.Warn("Background run stopped early", "run_id", summary.RunID, "error", err)
		}
	})
	if errors.Is(err, chaos.ErrRunnerBusy) {
		h.wg.Done()
		h.writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.wg.Done()
		h.writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	ids := make([]string, 0, len(specs))
	for _, s := range specs {
		ids = append(ids, s.ID)
	}
	h.logger.InfoContext(r.Context(), "Run accepted", "run_id", runID, "experiments", len(ids))
	h.writeJSONResponse(w, http.StatusAccepted, RunAcceptedResponse{
		RunID:       runID,
		Experiments: ids,
		StatusURL:   "/api/v1/status",
	})
}

// Wait blocks until every run started over HTTP has returned.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func (h *Handler) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSONResponse(w, statusCode, ErrorResponse{
		Error:   message,
		Code:    statusCode,
		Message: http.StatusText(statusCode),
	})
}
