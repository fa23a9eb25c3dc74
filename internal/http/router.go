// Package http wires the VFS handlers into a chi router.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vfscore/internal/handlers"
	"vfscore/internal/metrics"
	"vfscore/internal/search"
	"vfscore/internal/service"
	"vfscore/internal/storage"
	"vfscore/internal/vectorstore"
)

// Deps holds dependencies for the HTTP router.
type Deps struct {
	VFS *service.VFS
	// Searcher defaults to VFS.
	Searcher search.Searcher
	DB       *storage.DB
	Vectors  vectorstore.VectorStore
	Logger   *slog.Logger

	// Metrics and Gatherer are optional; without them /metrics is not served.
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	// RequestTimeout bounds every request except blob downloads. Zero
	// disables it.
	RequestTimeout time.Duration
}

// NewRouter creates a new HTTP router with the provided dependencies.
func NewRouter(deps *Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}
	r.Use(CORS)

	searcher := deps.Searcher
	if searcher == nil {
		searcher = deps.VFS
	}

	resourceHandler := handlers.NewResourceHandler(deps.VFS)
	folderHandler := handlers.NewFolderHandler(deps.VFS.Folders())
	blobHandler := handlers.NewBlobHandler(deps.VFS.Blobs())
	noteHandler := handlers.NewNoteHandler(deps.VFS)
	indexHandler := handlers.NewIndexHandler(deps.VFS)
	searchHandler := handlers.NewSearchHandler(searcher)
	maintenanceHandler := handlers.NewMaintenanceHandler(deps.VFS)
	healthHandler := handlers.NewHealthHandler(deps.DB, deps.Vectors)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", healthHandler.ServeHTTP)
		r.Get("/blobs/{hash}", blobHandler.Content)

		r.Group(func(r chi.Router) {
			if deps.RequestTimeout > 0 {
				r.Use(middleware.Timeout(deps.RequestTimeout))
			}

			r.Route("/resources", func(r chi.Router) {
				r.Get("/", resourceHandler.List)
				r.Post("/", resourceHandler.Create)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", resourceHandler.Get)
					r.Patch("/", resourceHandler.Update)
					r.Delete("/", resourceHandler.Delete)
					r.Post("/restore", resourceHandler.Restore)
					r.Put("/folder", resourceHandler.Move)
				})
			})

			r.Get("/notes/{id}/html", noteHandler.ServeHTTP)

			r.Route("/folders", func(r chi.Router) {
				r.Get("/", folderHandler.ListRoot)
				r.Post("/", folderHandler.Create)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", folderHandler.Get)
					r.Patch("/", folderHandler.Update)
					r.Delete("/", folderHandler.Delete)
					r.Put("/parent", folderHandler.Move)
				})
			})

			r.Get("/blobs/{hash}/info", blobHandler.Info)

			r.Route("/index", func(r chi.Router) {
				r.Post("/rebuild", indexHandler.Rebuild)
				r.Post("/process", indexHandler.Process)
				r.Get("/status", indexHandler.Status)
				r.Post("/{id}", indexHandler.IndexNow)
				r.Post("/{id}/disable", indexHandler.Disable)
			})

			r.Post("/search", searchHandler.ServeHTTP)

			r.Route("/maintenance", func(r chi.Router) {
				r.Post("/enter", maintenanceHandler.Enter)
				r.Post("/exit", maintenanceHandler.Exit)
				r.Post("/reconcile", maintenanceHandler.Reconcile)
				r.Post("/sweep", maintenanceHandler.Sweep)
				r.Post("/gc", maintenanceHandler.Collect)
			})
		})
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}
