package api

import (
	"net/http"

	"agent-chaos/internal/logging"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all control-plane routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(logging.CorrelationIDMiddleware(h.logger))
	router.Use(logging.LoggingMiddleware(h.logger))
	if h.metrics != nil {
		router.Use(h.metrics.Middleware(routeTemplate))
	}

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)

	// full paths on the root router so a method mismatch answers 405 on every route
	router.HandleFunc("/api/v1/faults", h.Faults).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/faults", h.ResetFaults).Methods(http.MethodDelete)
	router.HandleFunc("/api/v1/faults/{kind}", h.SetFault).Methods(http.MethodPut)
	router.HandleFunc("/api/v1/status", h.Status).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/reports", h.ListReports).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/reports/{experiment}", h.GetReport).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/runs", h.StartRun).Methods(http.MethodPost)

	router.HandleFunc("/", h.RootHandler).Methods(http.MethodGet)

	return router
}

// routeTemplate keeps the {experiment} variable out of metric labels.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// RootHandler lists the available endpoints
func (h *Handler) RootHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"service":     "agent-chaos",
		"api_version": "v1",
		"endpoints": map[string]string{
			"health":  "GET /health",
			"metrics": "GET /metrics",
			"faults":  "GET /api/v1/faults",
			"reset":   "DELETE /api/v1/faults",
			"fault":   "PUT /api/v1/faults/{kind}",
			"status":  "GET /api/v1/status",
			"reports": "GET /api/v1/reports",
			"report":  "GET /api/v1/reports/{experiment}[?at=]",
			"run":     "POST /api/v1/runs",
		},
	})
}
