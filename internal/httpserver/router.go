package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"weatherfish/internal/handlers"
	"weatherfish/internal/metrics"
	"weatherfish/internal/middleware"
)

// Options bound every request. Zero values fall back to the defaults below.
type Options struct {
	RequestTimeout time.Duration // default: 90s
	MaxBodyBytes   int64         // default: 64 KB

	// CORS; an empty origin list allows any origin.
	AllowedOrigins   []string
	AllowCredentials bool
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, reportHandler *handlers.ReportHandler, opts Options) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 90 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 * 1024
	}

	r.Use(metrics.Middleware)

	// browser frontend; answers preflight requests before routing
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: opts.AllowCredentials,
	}).Handler)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.MaxBodySize(opts.MaxBodyBytes))

	// health check and metrics stay outside the request timeout
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))

		r.Post("/generate-documents", reportHandler.GenerateDocuments)
		r.Post("/cache/clear", reportHandler.ClearCache)

		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/status", reportHandler.SchedulerStatus)
			r.Post("/trigger", reportHandler.TriggerScheduler)
		})
	})
}
