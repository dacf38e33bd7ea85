package server

import (
	"net/http"

	"github.com/ahmethakanbesel/campaign-runner/internal/job"
)

const defaultMaxUploadBytes = 10 << 20

type Option func(*options)

type options struct {
	metrics        http.Handler
	maxUploadBytes int64
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *options) { o.metrics = h }
}

// WithMaxUploadBytes caps request bodies for job creation and table uploads.
func WithMaxUploadBytes(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxUploadBytes = n
		}
	}
}

// NewHandler creates the full HTTP handler with routes and middleware.
// Exported for use in tests (e.g., httptest.NewServer).
func NewHandler(jobSvc *job.Service, opts ...Option) http.Handler {
	o := options{maxUploadBytes: defaultMaxUploadBytes}
	for _, opt := range opts {
		opt(&o)
	}

	h := &handler{
		jobSvc:         jobSvc,
		maxUploadBytes: o.maxUploadBytes,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /api/v1/jobs", h.createJob)
	mux.HandleFunc("GET /api/v1/jobs", h.listJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.getJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/progress", h.getProgress)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", h.cancelJob)
	mux.HandleFunc("POST /api/v1/tables", h.uploadTable)
	mux.HandleFunc("GET /api/v1/queue", h.queue)
	if o.metrics != nil {
		mux.Handle("GET /metrics", o.metrics)
	}

	// Apply middleware stack: recovery -> requestID -> logging
	var handler http.Handler = mux
	handler = logging(handler)
	handler = requestID(handler)
	handler = recovery(handler)

	return handler
}
