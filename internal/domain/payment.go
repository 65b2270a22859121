/**
 * @description
 * This file defines the payment-side entities: the lump ExternalPayment
 * received from a funder, its proportional PaymentAllocations across
 * beneficiaries, and the Disbursement that splits a payout across destination
 * categories.
 *
 * @notes
 * - Allocation arithmetic happens at full integer precision in cents; only the
 *   final per-beneficiary figures are materialised, and the rounding residual
 *   is tracked on the payment itself so money never silently disappears.
 * - Disbursement split percentages must sum to exactly 100.
 */

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the closed set of external payment states.
type PaymentStatus string

const (
	PaymentExpected   PaymentStatus = "expected"
	PaymentReceived   PaymentStatus = "received"
	PaymentAllocated  PaymentStatus = "allocated"
	PaymentReconciled PaymentStatus = "reconciled"
)

// CanAdvance reports whether a payment may move from -> to.
func (s PaymentStatus) CanAdvance(to PaymentStatus) bool {
	switch s {
	case PaymentExpected:
		return to == PaymentReceived
	case PaymentReceived:
		return to == PaymentAllocated
	case PaymentAllocated:
		return to == PaymentReconciled
	}
	return false
}

// CommissionMode selects how commission is charged during one allocation run.
type CommissionMode string

const (
	CommissionFlat    CommissionMode = "flat"
	CommissionPercent CommissionMode = "percent"
)

// ExternalPayment is a lump sum received from a funder for a reporting
// period. TotalAmount and Residual are in cents. Residual is the rounding
// remainder left after proportional allocation.
type ExternalPayment struct {
	ID          uuid.UUID     `json:"id"`
	FunderRef   string        `json:"funder_ref"`
	TotalAmount int64         `json:"total_amount"`
	PeriodStart time.Time     `json:"period_start"`
	PeriodEnd   time.Time     `json:"period_end"`
	Status      PaymentStatus `json:"status"`
	Residual    int64         `json:"residual"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// PaymentAllocation is one beneficiary's share of an external payment.
// net = gross - commission. VerifiedMinutes is the sum of attested,
// credit-eligible session durations inside the payment period.
type PaymentAllocation struct {
	ID              uuid.UUID `json:"id"`
	PaymentID       uuid.UUID `json:"payment_id"`
	AccountID       uuid.UUID `json:"account_id"`
	VerifiedMinutes int64     `json:"verified_minutes"`
	HourlyRate      int64     `json:"hourly_rate"`
	GrossAmount     int64     `json:"gross_amount"`
	Commission      int64     `json:"commission"`
	NetAmount       int64     `json:"net_amount"`
	CreatedAt       time.Time `json:"created_at"`
}

// DisbursementStatus is the closed set of payout states.
type DisbursementStatus string

const (
	DisbursementPending    DisbursementStatus = "pending"
	DisbursementProcessing DisbursementStatus = "processing"
	DisbursementCompleted  DisbursementStatus = "completed"
	DisbursementFailed     DisbursementStatus = "failed"
)

// CanAdvance reports whether a disbursement may move from -> to.
func (s DisbursementStatus) CanAdvance(to DisbursementStatus) bool {
	switch s {
	case DisbursementPending:
		return to == DisbursementProcessing || to == DisbursementFailed
	case DisbursementProcessing:
		return to == DisbursementCompleted || to == DisbursementFailed
	}
	return false
}

// DisbursementCategory labels a payout destination.
type DisbursementCategory string

const (
	CategoryTuition  DisbursementCategory = "tuition"
	CategoryHousing  DisbursementCategory = "housing"
	CategoryBooks    DisbursementCategory = "books"
	CategoryMealPlan DisbursementCategory = "meal_plan"
)

// ValidDisbursementCategory reports whether c names a known destination.
func ValidDisbursementCategory(c DisbursementCategory) bool {
	switch c {
	case CategoryTuition, CategoryHousing, CategoryBooks, CategoryMealPlan:
		return true
	}
	return false
}

// DisbursementSplit is one destination category and its whole-number
// percentage of the requested amount.
type DisbursementSplit struct {
	Category DisbursementCategory `json:"category"`
	Percent  int                  `json:"percent"`
}

// ValidateSplits rejects split sets whose percentages do not sum to exactly
// 100, contain non-positive percentages, repeat a category, or name an
// unknown one.
func ValidateSplits(splits []DisbursementSplit) error {
	if len(splits) == 0 {
		return fmt.Errorf("at least one split is required")
	}
	seen := make(map[DisbursementCategory]bool, len(splits))
	total := 0
	for _, s := range splits {
		if !ValidDisbursementCategory(s.Category) {
			return fmt.Errorf("unknown disbursement category %q", s.Category)
		}
		if seen[s.Category] {
			return fmt.Errorf("duplicate disbursement category %q", s.Category)
		}
		seen[s.Category] = true
		if s.Percent <= 0 {
			return fmt.Errorf("split percent for %q must be positive", s.Category)
		}
		total += s.Percent
	}
	if total != 100 {
		return fmt.Errorf("split percentages sum to %d, expected exactly 100", total)
	}
	return nil
}

// Disbursement is a payout request splitting an account's available balance
// across destination categories. RequestedAmount is in cents.
type Disbursement struct {
	ID              uuid.UUID           `json:"id"`
	AccountID       uuid.UUID           `json:"account_id"`
	RequestedAmount int64               `json:"requested_amount"`
	Splits          []DisbursementSplit `json:"splits"`
	Status          DisbursementStatus  `json:"status"`
	CreditTxID      *uuid.UUID          `json:"credit_tx_id,omitempty"`
	RetryCount      int                 `json:"retry_count"`
	NextAttemptAt   time.Time           `json:"next_attempt_at"`
	FailureReason   *string             `json:"failure_reason,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// TransferStatus is the closed set of states for one sub-allocation transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferInitiated TransferStatus = "initiated"
	TransferConfirmed TransferStatus = "confirmed"
	TransferFailed    TransferStatus = "failed"
)

// DisbursementTransfer is one destination-category slice of a disbursement,
// pushed to the institution payment API. IdempotencyToken guards the external
// call against at-least-once delivery.
type DisbursementTransfer struct {
	ID               uuid.UUID            `json:"id"`
	DisbursementID   uuid.UUID            `json:"disbursement_id"`
	Category         DisbursementCategory `json:"category"`
	Amount           int64                `json:"amount"`
	Status           TransferStatus       `json:"status"`
	IdempotencyToken string               `json:"idempotency_token"`
	ExternalRef      *string              `json:"external_ref,omitempty"`
	FailureReason    *string              `json:"failure_reason,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// SplitAmounts computes the per-category amounts for a requested total.
// Each slice is floor(percent% × amount); remainder cents go to the largest
// split so the slices always sum exactly to the requested amount.
func SplitAmounts(amount int64, splits []DisbursementSplit) map[DisbursementCategory]int64 {
	out := make(map[DisbursementCategory]int64, len(splits))
	var allocated int64
	largest := splits[0]
	for _, s := range splits {
		share := amount * int64(s.Percent) / 100
		out[s.Category] = share
		allocated += share
		if s.Percent > largest.Percent {
			largest = s
		}
	}
	if rem := amount - allocated; rem > 0 {
		out[largest.Category] += rem
	}
	return out
}
