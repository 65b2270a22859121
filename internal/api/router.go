/**
 * @description
 * This file sets up the HTTP router for the attestation-service. It defines
 * the API endpoints, associates them with their corresponding handlers, and
 * applies middleware: party endpoints sit behind JWT auth, operator endpoints
 * behind the internal API key.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AttestationRoutes creates and returns a new router for the attestation service.
func AttestationRoutes(h *AttestationHandlers, jwtSecret, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Party-facing endpoints.
	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(jwtSecret))

		r.Post("/sessions", h.CreateSessionHandler)
		r.Get("/sessions", h.ListSessionsHandler)
		r.Get("/sessions/{sessionID}", h.GetSessionHandler)
		r.Post("/sessions/{sessionID}/approve", h.ApproveSessionHandler)
		r.Post("/sessions/{sessionID}/schedule", h.ScheduleSessionHandler)
		r.Post("/sessions/{sessionID}/check-in", h.CheckInSessionHandler)
		r.Post("/sessions/{sessionID}/start", h.StartSessionHandler)
		r.Post("/sessions/{sessionID}/complete", h.CompleteSessionHandler)
		r.Post("/sessions/{sessionID}/cancel", h.CancelSessionHandler)
		r.Post("/sessions/{sessionID}/dispute", h.DisputeSessionHandler)

		r.Get("/sessions/{sessionID}/signature-request", h.GetSignatureRequestHandler)
		r.Post("/sessions/{sessionID}/signatures", h.SubmitSignatureHandler)
		r.Get("/sessions/{sessionID}/attestation", h.GetSessionAttestationHandler)

		r.Get("/attestations/{attestationID}", h.GetAttestationHandler)
		r.Get("/attestations/{attestationID}/verification", h.GetVerificationHandler)
		r.Post("/attestations/{attestationID}/verify", h.VerifyAttestationHandler)

		r.Get("/accounts/me", h.GetAccountSummaryHandler)
		r.Post("/disbursements", h.RequestDisbursementHandler)
		r.Get("/disbursements/{disbursementID}", h.GetDisbursementHandler)
	})

	// Operator endpoints.
	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalKeyMiddleware(internalAPIKey))

		r.Post("/rates", h.CreateRateHandler)
		r.Post("/payments", h.RegisterPaymentHandler)
		r.Get("/payments/{paymentID}", h.GetPaymentHandler)
		r.Post("/payments/{paymentID}/received", h.MarkPaymentReceivedHandler)
		r.Post("/payments/{paymentID}/allocate", h.AllocatePaymentHandler)
		r.Post("/payments/{paymentID}/reconcile", h.ReconcilePaymentHandler)
		r.Post("/adjustments", h.CreateAdjustmentHandler)
		r.Get("/flags", h.ListFlagsHandler)
		r.Get("/audit/export", h.AuditExportHandler)
	})

	return r
}
