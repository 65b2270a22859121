/**
 * @description
 * This file contains the HTTP handlers for the session lifecycle, signature
 * collection, and attestation endpoints. Handlers are responsible for parsing
 * incoming requests, calling the appropriate methods on the application
 * service, and writing the HTTP response. They act as the bridge between the
 * web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/careloop/attestation-service/internal/app"
	"github.com/careloop/attestation-service/internal/domain"
	"github.com/careloop/attestation-service/internal/store"
)

// RateLimiter throttles repeated calls per scope and subject.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// AttestationHandlers holds the application service that handlers will use.
type AttestationHandlers struct {
	service        *app.Service
	limiter        RateLimiter
	signatureLimit int
}

// NewAttestationHandlers creates a new instance of AttestationHandlers.
func NewAttestationHandlers(service *app.Service, limiter RateLimiter, signatureLimit int) *AttestationHandlers {
	return &AttestationHandlers{service: service, limiter: limiter, signatureLimit: signatureLimit}
}

func (h *AttestationHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *AttestationHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps service-level errors to HTTP responses.
func (h *AttestationHandlers) writeServiceError(w http.ResponseWriter, err error) {
	var transition *domain.ErrInvalidTransition
	var creditTransition *domain.ErrInvalidCreditTransition
	switch {
	case errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, store.ErrSignatureRequestNotFound),
		errors.Is(err, store.ErrAttestationNotFound),
		errors.Is(err, store.ErrVerificationNotFound),
		errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrPaymentNotFound),
		errors.Is(err, store.ErrDisbursementNotFound),
		errors.Is(err, store.ErrCreditTransactionNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrNotParticipant):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &transition), errors.As(err, &creditTransition),
		errors.Is(err, app.ErrSignatureWindowClosed),
		errors.Is(err, app.ErrAlreadySigned),
		errors.Is(err, app.ErrSessionTooShort),
		errors.Is(err, app.ErrSessionTooLong),
		errors.Is(err, store.ErrStaleStatus):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrProximity),
		errors.Is(err, app.ErrSignatureInvalid):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, app.ErrInsufficientBalance),
		errors.Is(err, app.ErrNothingToAllocate),
		errors.Is(err, app.ErrNotReconcilable),
		errors.Is(err, app.ErrSamePartySession),
		errors.Is(err, app.ErrInvalidTaskType):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("level=error component=api err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// partyFromContext resolves the authenticated party, writing the error response itself.
func (h *AttestationHandlers) partyFromContext(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	partyID, ok := GetPartyID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "could not get party ID from context")
		return uuid.Nil, false
	}
	return partyID, true
}

func urlUUID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}

// CreateSessionHandler registers a new help request. The authenticated party
// is the recipient asking for help.
func (h *AttestationHandlers) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	partyID, ok := h.partyFromContext(w, r)
	if !ok {
		return
	}
	var req struct {
		HelperID  uuid.UUID       `json:"helper_id"`
		TaskType  domain.TaskType `json:"task_type"`
		Latitude  float64         `json:"latitude"`
		Longitude float64         `json:"longitude"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	session, err := h.service.CreateSessionRequest(r.Context(), req.HelperID, partyID, req.TaskType, req.Latitude, req.Longitude)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, session)
}

// GetSessionHandler returns one session the caller participates in.
func (h *AttestationHandlers) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	partyID, ok := h.partyFromContext(w, r)
	if !ok {
		return
	}
	sessionID, err := urlUUID(r, "sessionID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	session, err := h.service.GetSession(r.Context(), sessionID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if partyID != session.HelperID && partyID != session.RecipientID {
		h.writeError(w, http.StatusForbidden, app.ErrNotParticipant.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

// ListSessionsHandler returns the caller's sessions in a window.
func (h *AttestationHandlers) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	partyID, ok := h.partyFromContext(w, r)
	if !ok {
		return
	}
	from, to, err := parseWindow(r, time.Now().AddDate(0, -1, 0), time.Now())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessions, err := h.service.ListSessionsByParty(r.Context(), partyID, from, to)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func parseWindow(r *http.Request, defaultFrom, defaultTo time.Time) (time.Time, time.Time, error) {
	from, to := defaultFrom, defaultTo
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, fmt.Errorf("invalid from timestamp: %v", err)
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, fmt.Errorf("invalid to timestamp: %v", err)
		}
		to = parsed
	}
	return from, to, nil
}

// ApproveSessionHandler records the helper's acceptance of a request.
func (h *AttestationHandlers) ApproveSessionHandler(w http.ResponseWriter, r *http.Request) {
	h.sessionTransitionHandler(w, r, func(ctx context.Context, sessionID, partyID uuid.UUID) (*domain.Session, error) {
		return h.service.ApproveSession(ctx, sessionID, partyID)
	})
}

// StartSessionHandler marks a checked-in session in progress.
func (h *AttestationHandlers) StartSessionHandler(w http.ResponseWriter, r *http.Request) {
	h.sessionTransitionHandler(w, r, func(ctx context.Context, sessionID, partyID uuid.UUID) (*domain.Session, error) {
		return h.service.StartSession(ctx, sessionID, partyID)
	})
}

func (h *AttestationHandlers) sessionTransitionHandler(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID, uuid.UUID) (*domain.Session, error)) {
	partyID, ok := h.partyFromContext(w, r)
	if !ok {
		return
	}
	sessionID, err := urlUUID(r, "sessionID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	session, err := op(r.Context(), sessionID, partyID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

// ScheduleSessionHandler fixes the meeting time of an approved session.
func (h *AttestationHandlers) ScheduleSessionHandler(w http.ResponseWriter, r *http.Request) {
	partyID, ok := h.partyFromContext(w, r)
	if !ok {
		return
	}
	sessionID, err := urlUUID(r, "sessionID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	var req struct {
		ScheduledAt time.Time `json:"scheduled_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ScheduledAt.IsZero() {
		h.writeError(w, http.StatusBadRequest, "scheduled_at is required")
		return
	}
	session, err := h.service.ScheduleSession(r.Context(), sessionID, partyID, req.ScheduledAt)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

// CheckInSessionHandler records the helper's GPS-verified arrival.
func (h *AttestationHandlers) CheckInSessionHandler(w http.ResponseWriter, r *http.Request) {
	partyID, ok := h.partyFromContext(w, r)
	if !ok {
		return
	}
	sessionID, err := urlUUID(r, "sessionID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	var req struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	session, err := h.service.CheckInSession(r.Context(), sessionID, partyID, req.Latitude, req.Longitude)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

// CompleteSessionHandler checks the session out and opens signature
// collection for creditable durations.
func (h *AttestationHandlers) CompleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	partyID, ok := h.partyFromContext(w, r)
	if !ok {
		return
	}
	sessionID, err := urlUUID(r, "sessionID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	session, sigReq, err := h.service.CompleteSession(r.Context(), sessionID, partyID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":           session,
		"signature_request": sigReq,
	})
}

// CancelSessionHandler cancels a session before completion.
func (h *AttestationHandlers) CancelSessionHandler(w http.ResponseWriter, r *http.Request) {
	h.sessionReasonHandler(w, r, h.service.CancelSession)
}

// DisputeSessionHandler marks a session disputed for manual review.
func (h *AttestationHandlers) DisputeSessionHandler(w http.ResponseWriter, r *http.Request) {
	h.sessionReasonHandler(w, r, h.service.DisputeSession)
}

func (h *AttestationHandlers) sessionReasonHandler(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID, uuid.UUID, string) (*domain.Session, error)) {
	partyID, ok := h.partyFromContext(w, r)
	if !ok {
		return
	}
	sessionID, err := urlUUID(r, "sessionID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		h.writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	session, err := op(r.Context(), sessionID, partyID, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

// GetSignatureRequestHandler returns the open signature request of a session.
func (h *AttestationHandlers) GetSignatureRequestHandler(w http.ResponseWriter, r *http.Request) {
	partyID, ok := h.partyFromContext(w, r)
	if !ok {
		return
	}
	sessionID, err := urlUUID(r, "sessionID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	session, err := h.service.GetSession(r.Context(), sessionID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if partyID != session.HelperID && partyID != session.RecipientID {
		h.writeError(w, http.StatusForbidden, app.ErrNotParticipant.Error())
		return
	}
	sigReq, err := h.service.GetSignatureRequest(r.Context(), sessionID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sigReq)
}

// SubmitSignatureHandler records one party's signature over the session's
// content hash. Submissions are rate limited per party.
func (h *AttestationHandlers) SubmitSignatureHandler(w http.ResponseWriter, r *http.Request) {
	partyID, ok := h.partyFromContext(w, r)
	if !ok {
		return
	}
	sessionID, err := urlUUID(r, "sessionID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	if h.limiter != nil {
		count, retryAfter, limErr := h.limiter.ConsumeRateLimit(r.Context(), "signature_submit", partyID.String(), h.signatureLimit, time.Minute)
		if limErr != nil {
			log.Printf("level=warn component=api endpoint=submit_signature msg=\"rate limiter unavailable; allowing\" err=%v", limErr)
		} else if h.signatureLimit > 0 && count > h.signatureLimit {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			h.writeError(w, http.StatusTooManyRequests, "too many signature attempts; slow down")
			return
		}
	}

	var req struct {
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Signature == "" {
		h.writeError(w, http.StatusBadRequest, "signature is required")
		return
	}
	sigReq, err := h.service.SubmitSignature(r.Context(), sessionID, partyID, req.Signature)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sigReq)
}

// GetSessionAttestationHandler returns the attestation built for a session.
func (h *AttestationHandlers) GetSessionAttestationHandler(w http.ResponseWriter, r *http.Request) {
	partyID, ok := h.partyFromContext(w, r)
	if !ok {
		return
	}
	sessionID, err := urlUUID(r, "sessionID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	session, err := h.service.GetSession(r.Context(), sessionID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if partyID != session.HelperID && partyID != session.RecipientID {
		h.writeError(w, http.StatusForbidden, app.ErrNotParticipant.Error())
		return
	}
	record, err := h.service.GetAttestationBySession(r.Context(), sessionID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

// GetAttestationHandler returns one attestation record.
func (h *AttestationHandlers) GetAttestationHandler(w http.ResponseWriter, r *http.Request) {
	attestationID, err := urlUUID(r, "attestationID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid attestation id")
		return
	}
	record, err := h.service.GetAttestation(r.Context(), attestationID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

// GetVerificationHandler returns the stored verification outcome.
func (h *AttestationHandlers) GetVerificationHandler(w http.ResponseWriter, r *http.Request) {
	attestationID, err := urlUUID(r, "attestationID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid attestation id")
		return
	}
	result, err := h.service.GetVerificationResult(r.Context(), attestationID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// VerifyAttestationHandler re-runs verification on demand.
func (h *AttestationHandlers) VerifyAttestationHandler(w http.ResponseWriter, r *http.Request) {
	attestationID, err := urlUUID(r, "attestationID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid attestation id")
		return
	}
	result, err := h.service.VerifyAttestation(r.Context(), attestationID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}
