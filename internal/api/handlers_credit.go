/**
 * @description
 * HTTP handlers for the credit ledger and disbursement endpoints.
 */

package api

import (
	"encoding/json"
	"net/http"

	"github.com/careloop/attestation-service/internal/app"
	"github.com/careloop/attestation-service/internal/domain"
)

const accountSummaryLimit = 50

// GetAccountSummaryHandler returns the caller's credit account and recent
// ledger activity.
func (h *AttestationHandlers) GetAccountSummaryHandler(w http.ResponseWriter, r *http.Request) {
	partyID, ok := h.partyFromContext(w, r)
	if !ok {
		return
	}
	summary, err := h.service.GetAccountSummary(r.Context(), partyID, accountSummaryLimit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// RequestDisbursementHandler opens a split payout of the caller's balance.
func (h *AttestationHandlers) RequestDisbursementHandler(w http.ResponseWriter, r *http.Request) {
	partyID, ok := h.partyFromContext(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount int64                      `json:"amount"`
		Splits []domain.DisbursementSplit `json:"splits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := domain.ValidateSplits(req.Splits); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	disbursement, err := h.service.RequestDisbursement(r.Context(), partyID, req.Amount, req.Splits)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, disbursement)
}

// GetDisbursementHandler returns one of the caller's disbursements with its
// per-category transfers.
func (h *AttestationHandlers) GetDisbursementHandler(w http.ResponseWriter, r *http.Request) {
	partyID, ok := h.partyFromContext(w, r)
	if !ok {
		return
	}
	disbursementID, err := urlUUID(r, "disbursementID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid disbursement id")
		return
	}
	disbursement, transfers, err := h.service.GetDisbursement(r.Context(), disbursementID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	summary, err := h.service.GetAccountSummary(r.Context(), partyID, 1)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if disbursement.AccountID != summary.Account.ID {
		h.writeError(w, http.StatusForbidden, app.ErrNotParticipant.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"disbursement": disbursement,
		"transfers":    transfers,
	})
}
