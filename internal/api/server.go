package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dfci-online/luminate-cookbook/internal/ratelimit"
	"github.com/dfci-online/luminate-cookbook/internal/stream"
)

// SetupRoutes configures all HTTP routes.
func (h *Handler) SetupRoutes(streamServer *stream.Server, rateLimiter *ratelimit.Limiter, rateLimitPerHour int, log logrus.FieldLogger) *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/v1").Subrouter()

	// Upload session endpoints. Starting a session and submitting a code
	// drive a real browser, so these are rate limited.
	limited := api.PathPrefix("").Subrouter()
	limited.Use(RateLimitMiddleware(rateLimiter, rateLimitPerHour))
	limited.HandleFunc("/uploads", h.StartUpload).Methods("POST")
	limited.HandleFunc("/uploads/{id}/code", h.SubmitCode).Methods("POST")

	// Status polling and cancellation are not rate limited.
	api.HandleFunc("/uploads/{id}", h.GetStatus).Methods("GET")
	api.HandleFunc("/uploads/{id}", h.CancelUpload).Methods("DELETE")
	api.HandleFunc("/uploads/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		streamServer.HandleSessionEvents(w, r, mux.Vars(r)["id"])
	}).Methods("GET")

	api.HandleFunc("/health", h.Health).Methods("GET")

	// Standalone tools.
	api.HandleFunc("/pagebuilder/analyze", h.AnalyzePageBuilder).Methods("POST")
	api.HandleFunc("/pagebuilder/export", h.ExportPageBuilder).Methods("POST")
	api.HandleFunc("/beautify", h.BeautifyEmail).Methods("POST")

	r.Use(corsMiddleware)
	r.Use(LoggingMiddleware(log))

	return r
}

// corsMiddleware adds CORS headers for the browser-based tool pages.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
