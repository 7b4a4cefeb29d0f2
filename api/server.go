/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route tree. Pure wiring;
  handler logic lives in handlers.go.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the operations frontend

SECURITY NOTE:
  No authentication middleware. The surface sits behind the operations
  gateway; actor identity arrives as request fields.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/remitd/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Claim intake
		r.Post("/claims", h.IngestClaim)

		// Bucket inspection and approval workflow
		r.Route("/buckets", func(r chi.Router) {
			r.Get("/", h.ListBuckets)
			r.Post("/approve", h.BulkApproveBuckets)
			r.Get("/{id}", h.GetBucket)
			r.Get("/{id}/logs", h.GetBucketLogs)
			r.Get("/{id}/approvals", h.GetBucketApprovals)
			r.Post("/{id}/approve", h.ApproveBucket)
			r.Post("/{id}/reject", h.RejectBucket)
			r.Post("/{id}/reset", h.ResetFailedBucket)
			r.Post("/{id}/evaluate", h.EvaluateBucket)

			// Check payment attached to a bucket
			r.Get("/{id}/payment", h.GetBucketPayment)
			r.Post("/{id}/payment", h.AssignCheck)
			r.Put("/{id}/payment", h.ReplaceCheck)
		})

		// Check-number reservations
		r.Route("/reservations", func(r chi.Router) {
			r.Get("/", h.ListReservations)
			r.Post("/", h.CreateReservation)
			r.Delete("/{id}", h.CancelReservation)
		})

		// Check payment lifecycle
		r.Route("/payments", func(r chi.Router) {
			r.Post("/{id}/acknowledge", h.AcknowledgeCheck)
			r.Post("/{id}/issue", h.IssueCheck)
			r.Post("/{id}/void", h.VoidCheck)
			r.Post("/{id}/cancel", h.CancelCheckAssignment)
			r.Get("/{id}/audit", h.GetCheckAudit)
		})

		// Generated files and delivery
		r.Route("/files", func(r chi.Router) {
			r.Get("/", h.ListFiles)
			r.Post("/deliver-pending", h.DeliverPending)
			r.Get("/{id}", h.GetFile)
			r.Get("/{id}/content", h.DownloadFile)
			r.Post("/{id}/deliver", h.DeliverFile)
			r.Post("/{id}/mark-delivered", h.MarkFileDelivered)
		})
	})

	r.Get("/healthz", h.Health)

	return r
}
