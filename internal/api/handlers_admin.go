/**
 * @description
 * Operator endpoints: rate schedules, external payments and allocations,
 * manual ledger corrections, open flags, and audit export. These sit behind
 * the internal API key rather than party JWTs.
 */

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/careloop/attestation-service/internal/domain"
)

// CreateRateHandler adds one hourly-rate schedule entry.
func (h *AttestationHandlers) CreateRateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskType      domain.TaskType `json:"task_type"`
		HourlyRate    int64           `json:"hourly_rate"`
		EffectiveDate time.Time       `json:"effective_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EffectiveDate.IsZero() {
		h.writeError(w, http.StatusBadRequest, "task_type, hourly_rate and effective_date are required")
		return
	}
	entry := &domain.RateScheduleEntry{
		TaskType:      req.TaskType,
		HourlyRate:    req.HourlyRate,
		EffectiveDate: req.EffectiveDate.UTC(),
	}
	if err := h.service.CreateRateScheduleEntry(r.Context(), entry); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, entry)
}

// RegisterPaymentHandler records an expected funder payment.
func (h *AttestationHandlers) RegisterPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FunderRef   string    `json:"funder_ref"`
		TotalAmount int64     `json:"total_amount"`
		PeriodStart time.Time `json:"period_start"`
		PeriodEnd   time.Time `json:"period_end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FunderRef == "" {
		h.writeError(w, http.StatusBadRequest, "funder_ref, total_amount and period are required")
		return
	}
	payment, err := h.service.RegisterExternalPayment(r.Context(), req.FunderRef, req.TotalAmount, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, payment)
}

// MarkPaymentReceivedHandler advances a payment once the funds land.
func (h *AttestationHandlers) MarkPaymentReceivedHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, err := urlUUID(r, "paymentID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid payment id")
		return
	}
	payment, err := h.service.MarkPaymentReceived(r.Context(), paymentID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, payment)
}

// AllocatePaymentHandler runs the proportional allocation of a received
// payment.
func (h *AttestationHandlers) AllocatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, err := urlUUID(r, "paymentID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid payment id")
		return
	}
	allocations, err := h.service.AllocatePayment(r.Context(), paymentID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"allocations": allocations})
}

// ReconcilePaymentHandler verifies cent conservation and closes the payment.
func (h *AttestationHandlers) ReconcilePaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, err := urlUUID(r, "paymentID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid payment id")
		return
	}
	payment, err := h.service.ReconcilePayment(r.Context(), paymentID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, payment)
}

// GetPaymentHandler returns a payment and its allocations.
func (h *AttestationHandlers) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, err := urlUUID(r, "paymentID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid payment id")
		return
	}
	payment, allocations, err := h.service.GetPaymentWithAllocations(r.Context(), paymentID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"payment":     payment,
		"allocations": allocations,
	})
}

// CreateAdjustmentHandler appends a manual adjustment or refund to a party's
// ledger.
func (h *AttestationHandlers) CreateAdjustmentHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID       uuid.UUID `json:"owner_id"`
		Type          string    `json:"type"`
		Amount        int64     `json:"amount"`
		SourceRef     uuid.UUID `json:"source_ref"`
		Justification string    `json:"justification"`
		ApprovedBy    string    `json:"approved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SourceRef == uuid.Nil {
		req.SourceRef = uuid.New()
	}
	tx, err := h.service.CreateAdjustment(r.Context(), req.OwnerID, domain.CreditTxType(req.Type), req.Amount, req.SourceRef, req.Justification, req.ApprovedBy)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, tx)
}

// ListFlagsHandler returns unresolved operator flags.
func (h *AttestationHandlers) ListFlagsHandler(w http.ResponseWriter, r *http.Request) {
	flags, err := h.service.ListOpenAdminFlags(r.Context(), 100)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"flags": flags})
}

// AuditExportHandler returns ledger submissions and verification outcomes
// for a window.
func (h *AttestationHandlers) AuditExportHandler(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseWindow(r, time.Now().AddDate(0, -1, 0), time.Now())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	export, err := h.service.ExportAuditWindow(r.Context(), from, to)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, export)
}
