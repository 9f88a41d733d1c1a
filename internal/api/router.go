// Package api exposes the extraction pipeline over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
	"github.com/adverant/nexus/ocr-worker/internal/queue"
	"github.com/adverant/nexus/ocr-worker/internal/storage"
)

// StatsFunc reports one component's statistics for /health.
type StatsFunc func(ctx context.Context) (interface{}, error)

// RouterConfig holds the dependencies of the HTTP surface. Jobs and Store
// are optional; the job routes answer 503 without them. ImageRoot is the
// directory imagePath and job filePath inputs must resolve into; empty
// refuses path input.
type RouterConfig struct {
	Extractor      processor.TextExtractor
	Jobs           queue.Enqueuer
	Store          storage.Store
	Stats          map[string]StatsFunc
	ImageRoot      string
	MaxUploadSize  int64
	RequestTimeout time.Duration
	Logger         *logging.Logger
}

// NewRouter creates the chi router with all OCR routes mounted.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = 50 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}

	h := &Handler{
		extractor:     cfg.Extractor,
		jobs:          cfg.Jobs,
		store:         cfg.Store,
		stats:         cfg.Stats,
		imageRoot:     cfg.ImageRoot,
		maxUploadSize: cfg.MaxUploadSize,
		logger:        cfg.Logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", h.Health)

	r.Route("/ocr", func(r chi.Router) {
		r.Get("/info", h.Info)
		r.Get("/languages", h.Languages)

		r.Post("/extract", h.Extract)
		r.Post("/extract-with-boxes", h.ExtractWithBoxes)
		r.Post("/upload-extract", h.UploadExtract)
		r.Post("/upload-extract-with-boxes", h.UploadExtractWithBoxes)
		r.Post("/search", h.Search)

		r.Post("/jobs", h.SubmitJob)
		r.Get("/jobs/{jobId}", h.GetJob)
	})

	return r
}

// requestLogger logs one line per request through the worker logger.
func requestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", chimiddleware.GetReqID(r.Context()),
			)
		})
	}
}
