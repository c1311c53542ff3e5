package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tierfs/tierfs/internal/logger"
	"github.com/tierfs/tierfs/pkg/api/handlers"
	"github.com/tierfs/tierfs/pkg/files"
	"github.com/tierfs/tierfs/pkg/metadata"
	"github.com/tierfs/tierfs/pkg/metrics"
	"github.com/tierfs/tierfs/pkg/storage"
)

// metadataTimeout bounds the non-streaming routes. Upload and download
// streams are exempt since they run for as long as the transfer takes.
const metadataTimeout = 30 * time.Second

// Deps carries everything the routes need.
type Deps struct {
	Files   *files.Service
	Meta    *metadata.Store
	Cache   storage.CacheStore
	NAS     storage.NASStore
	Metrics *metrics.FileMetrics
}

// NewRouter builds the chi router with the full middleware stack and routes.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	// Order matters: the logger needs the request ID and real IP in place.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	fh := handlers.NewFilesHandler(deps.Files, deps.Metrics)
	uh := handlers.NewUploadsHandler(deps.Files, deps.Metrics)
	hh := handlers.NewHealthHandler(deps.Meta, deps.Cache, deps.NAS)

	r.Route("/health", func(r chi.Router) {
		r.Get("/", hh.Liveness)
		r.Get("/ready", hh.Readiness)
	})

	// Serves 404 while metrics are disabled, so the mount is unconditional.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/files", func(r chi.Router) {
			r.Post("/", fh.Upload)

			r.Route("/{fileID}", func(r chi.Router) {
				r.Get("/download", fh.Download)

				r.Group(func(r chi.Router) {
					r.Use(middleware.Timeout(metadataTimeout))
					r.Get("/", fh.Get)
					r.Delete("/", fh.Trash)
					r.Post("/rename", fh.Rename)
					r.Post("/move", fh.Move)
					r.Post("/restore", fh.Restore)
					r.Delete("/purge", fh.Purge)
					r.Get("/sync", fh.SyncProgress)
				})
			})
		})

		r.Route("/uploads", func(r chi.Router) {
			r.Put("/{sessionID}/parts/{partNumber}", uh.Part)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(metadataTimeout))
				r.Post("/", uh.Initiate)
				r.Get("/{sessionID}", uh.Status)
				r.Delete("/{sessionID}", uh.Abort)
				r.Post("/{sessionID}/complete", uh.Complete)
				r.Get("/queue/{ticketID}", uh.TicketStatus)
				r.Delete("/queue/{ticketID}", uh.TicketCancel)
			})
		})
	})

	return r
}

// requestLogger installs the request-scoped log context and emits one line
// per completed request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		lc := logger.NewLogContext(r.RemoteAddr)
		lc.RequestID = middleware.GetReqID(r.Context())
		lc.UserID = r.Header.Get("X-User-ID")
		ctx := logger.WithContext(r.Context(), lc)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		logger.InfoCtx(ctx, "request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			logger.KeyDuration, float64(time.Since(start).Microseconds())/1000.0,
		)
	})
}
