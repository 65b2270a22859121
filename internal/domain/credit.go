/**
 * @description
 * This file defines the credit ledger entities: the per-beneficiary
 * CreditAccount and the append-only CreditTransaction log it is derived from.
 *
 * @notes
 * - Amounts are stored as int64 in the smallest currency unit (cents) to avoid
 *   floating-point inaccuracies with financial data.
 * - A CreditTransaction amount is always positive; the sign of the movement is
 *   implied by its type. Completed transactions are immutable; corrections are
 *   new adjustment/refund transactions, never edits.
 * - CreditAccount balances are derived by recomputation over the transaction
 *   log. The stored columns are a cache, never the source of truth.
 */

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreditTxType is the closed set of ledger movement types.
type CreditTxType string

const (
	CreditEarned     CreditTxType = "earned"
	CreditDisbursed  CreditTxType = "disbursed"
	CreditAdjustment CreditTxType = "adjustment"
	CreditRefund     CreditTxType = "refund"
)

// CreditTxStatus is the closed set of credit transaction states.
type CreditTxStatus string

const (
	CreditTxPending    CreditTxStatus = "pending"
	CreditTxProcessing CreditTxStatus = "processing"
	CreditTxCompleted  CreditTxStatus = "completed"
	CreditTxFailed     CreditTxStatus = "failed"
	CreditTxCancelled  CreditTxStatus = "cancelled"
)

// Terminal reports whether s permits no further status changes.
func (s CreditTxStatus) Terminal() bool {
	return s == CreditTxCompleted || s == CreditTxFailed || s == CreditTxCancelled
}

// CanAdvance reports whether a credit transaction may move from -> to.
func (s CreditTxStatus) CanAdvance(to CreditTxStatus) bool {
	switch s {
	case CreditTxPending:
		return to == CreditTxProcessing || to == CreditTxCompleted ||
			to == CreditTxFailed || to == CreditTxCancelled
	case CreditTxProcessing:
		return to == CreditTxCompleted || to == CreditTxFailed || to == CreditTxCancelled
	}
	return false
}

// ErrInvalidCreditTransition is returned when a credit transaction status
// change is not allowed, including any write against a terminal status.
type ErrInvalidCreditTransition struct {
	From CreditTxStatus
	To   CreditTxStatus
}

func (e *ErrInvalidCreditTransition) Error() string {
	return fmt.Sprintf("invalid credit transaction transition from %q to %q", e.From, e.To)
}

// CreditTransaction is one append-only movement on a beneficiary's ledger.
// SourceRef points at the record that justified the movement (an attestation,
// a payment allocation, a disbursement, or an admin adjustment).
type CreditTransaction struct {
	ID            uuid.UUID      `json:"id"`
	AccountID     uuid.UUID      `json:"account_id"`
	Type          CreditTxType   `json:"type"`
	Status        CreditTxStatus `json:"status"`
	Amount        int64          `json:"amount"` // in cents, always > 0
	SourceType    string         `json:"source_type"`
	SourceRef     uuid.UUID      `json:"source_ref"`
	Justification *string        `json:"justification,omitempty"`
	ApprovedBy    *string        `json:"approved_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// CreditsAccount reports whether the transaction type adds to the balance.
// Earned and refund movements credit the account; disbursed movements debit
// it. Adjustments carry their direction in the Amount sign convention chosen
// at creation (positive adjustment = credit).
func (t CreditTxType) CreditsAccount() bool {
	return t == CreditEarned || t == CreditRefund || t == CreditAdjustment
}

// CreditAccount is one beneficiary's running balance, recomputed from the
// transaction log after every status change.
type CreditAccount struct {
	ID                uuid.UUID `json:"id"`
	OwnerID           uuid.UUID `json:"owner_id"`
	LifetimeEarned    int64     `json:"lifetime_earned"`
	LifetimeDisbursed int64     `json:"lifetime_disbursed"`
	Pending           int64     `json:"pending"`
	CurrentBalance    int64     `json:"current_balance"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// BalanceSnapshot is the recomputed aggregate over an account's log.
type BalanceSnapshot struct {
	LifetimeEarned    int64
	LifetimeDisbursed int64
	Pending           int64
	CurrentBalance    int64
}

// ComputeBalances derives the authoritative balances from a transaction log.
// current_balance = max(0, earned - disbursed). Pending sums every pending or
// processing amount regardless of direction so operators can see money in
// flight.
func ComputeBalances(txs []CreditTransaction) BalanceSnapshot {
	var snap BalanceSnapshot
	for _, tx := range txs {
		switch tx.Status {
		case CreditTxCompleted:
			if tx.Type.CreditsAccount() {
				snap.LifetimeEarned += tx.Amount
			} else {
				snap.LifetimeDisbursed += tx.Amount
			}
		case CreditTxPending, CreditTxProcessing:
			snap.Pending += tx.Amount
		}
	}
	snap.CurrentBalance = snap.LifetimeEarned - snap.LifetimeDisbursed
	if snap.CurrentBalance < 0 {
		snap.CurrentBalance = 0
	}
	return snap
}
