/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging through zap
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /api/types/*          Points type metadata
  /api/users/{id}/*     Points, mutations, history, sync, stream
  /api/transfers        Transfers between users
  /api/batch            Batch operations
  /api/transactions/*   Ledger lookups (immutable)
  /api/sync/*           Queue drain across users
  /api/admin/*          Storage statistics and export
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - stream.go: Websocket stream
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/types", func(r chi.Router) {
			r.Get("/", h.ListTypes)
			r.Get("/{type}", h.GetType)
		})

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/points", h.GetPoints)
			r.Get("/balance", h.GetBalance)
			r.Post("/init", h.InitializeUser)
			r.Post("/add", h.AddPoints)
			r.Post("/subtract", h.SubtractPoints)
			r.Post("/migrate", h.MigrateLegacy)
			r.Get("/transactions", h.GetTransactions)
			r.Get("/statistics", h.GetStatistics)
			r.Get("/sync", h.GetSyncStatus)
			r.Post("/sync", h.ProcessQueue)
			r.Delete("/sync", h.ClearSyncState)
			r.Post("/pull", h.PullFromRemote)
			r.Get("/stream", h.Stream)
		})

		r.Post("/transfers", h.TransferPoints)
		r.Post("/batch", h.BatchOperations)

		// Transactions are immutable; PUT and DELETE exist to say so.
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/{id}", h.GetTransaction)
			r.Put("/{id}", h.UpdateTransaction)
			r.Delete("/{id}", h.DeleteTransaction)
		})

		r.Post("/sync/drain", h.DrainQueues)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/storage/stats", h.StorageStats)
			r.Get("/storage/export", h.ExportStorage)
			r.Delete("/users/{id}/storage", h.ClearUserData)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger replaces chi's stdlib-log Logger middleware.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("elapsed", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
