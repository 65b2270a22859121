/**
 * @description
 * Proportional allocation of an external lump payment across beneficiaries.
 * Shares are computed at full integer precision in cents from verified,
 * credit-eligible minutes inside the payment period; the rounding residual is
 * recorded on the payment so the run always conserves the total.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/careloop/attestation-service/internal/domain"
)

// RegisterExternalPayment records a payment the platform expects from a
// funder for a reporting period.
func (s *Service) RegisterExternalPayment(ctx context.Context, funderRef string, totalAmount int64, periodStart, periodEnd time.Time) (*domain.ExternalPayment, error) {
	if totalAmount <= 0 {
		return nil, fmt.Errorf("payment amount must be positive, got %d", totalAmount)
	}
	if !periodEnd.After(periodStart) {
		return nil, fmt.Errorf("payment period end must follow its start")
	}
	payment := &domain.ExternalPayment{
		ID:          uuid.New(),
		FunderRef:   funderRef,
		TotalAmount: totalAmount,
		PeriodStart: periodStart.UTC(),
		PeriodEnd:   periodEnd.UTC(),
		Status:      domain.PaymentExpected,
	}
	if err := s.repo.CreateExternalPayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to register payment: %w", err)
	}
	return payment, nil
}

// MarkPaymentReceived advances an expected payment once the funds land.
func (s *Service) MarkPaymentReceived(ctx context.Context, paymentID uuid.UUID) (*domain.ExternalPayment, error) {
	if err := s.repo.AdvanceExternalPaymentStatus(ctx, paymentID, domain.PaymentExpected, domain.PaymentReceived, 0); err != nil {
		return nil, err
	}
	return s.repo.GetExternalPaymentByID(ctx, paymentID)
}

// AllocatePayment distributes a received payment across beneficiaries in
// proportion to their verified minutes in the payment period. Each share is
// floor(total × minutes / total_minutes); commission comes off the gross per
// the configured mode. Every allocation opens a pending earned transaction
// for its net amount on the beneficiary's account; the payout leg completes
// it later through the status transition operation. Re-running the allocation
// is a no-op per beneficiary.
func (s *Service) AllocatePayment(ctx context.Context, paymentID uuid.UUID) ([]domain.PaymentAllocation, error) {
	payment, err := s.repo.GetExternalPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != domain.PaymentReceived {
		return nil, fmt.Errorf("payment %s is %s, allocation requires received", payment.ID, payment.Status)
	}

	hours, err := s.repo.ListVerifiedHoursInPeriod(ctx, payment.PeriodStart, payment.PeriodEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate verified hours: %w", err)
	}
	if len(hours) == 0 {
		return nil, ErrNothingToAllocate
	}

	var totalMinutes int64
	for _, h := range hours {
		totalMinutes += h.Minutes
	}

	var allocated int64
	allocations := make([]domain.PaymentAllocation, 0, len(hours))
	for _, h := range hours {
		account, err := s.repo.GetOrCreateAccountByOwnerID(ctx, h.HelperID)
		if err != nil {
			return nil, err
		}
		gross := payment.TotalAmount * h.Minutes / totalMinutes
		commission := s.commissionFor(gross)
		if commission > gross {
			commission = gross
		}
		alloc := &domain.PaymentAllocation{
			ID:              uuid.New(),
			PaymentID:       payment.ID,
			AccountID:       account.ID,
			VerifiedMinutes: h.Minutes,
			HourlyRate:      s.impliedHourlyRate(gross, h.Minutes),
			GrossAmount:     gross,
			Commission:      commission,
			NetAmount:       gross - commission,
		}
		alloc, _, err = s.repo.CreatePaymentAllocation(ctx, alloc)
		if err != nil {
			return nil, fmt.Errorf("failed to persist allocation: %w", err)
		}
		if err := s.openAllocationGrant(ctx, alloc); err != nil {
			return nil, err
		}
		allocated += alloc.GrossAmount
		allocations = append(allocations, *alloc)
	}

	residual := payment.TotalAmount - allocated
	if err := s.repo.AdvanceExternalPaymentStatus(ctx, payment.ID, domain.PaymentReceived, domain.PaymentAllocated, residual); err != nil {
		return nil, err
	}
	log.Printf("level=info component=allocation_service op=allocate payment_id=%s beneficiaries=%d residual=%d", payment.ID, len(allocations), residual)
	return allocations, nil
}

// openAllocationGrant records the pending earned movement backing one
// allocation. SourceRef is the allocation id, so the grant is idempotent per
// (payment, beneficiary) pair along with the allocation itself.
func (s *Service) openAllocationGrant(ctx context.Context, alloc *domain.PaymentAllocation) error {
	if alloc.NetAmount <= 0 {
		return nil
	}
	unlock := s.locks.Lock(alloc.AccountID)
	defer unlock()

	grant := &domain.CreditTransaction{
		ID:         uuid.New(),
		AccountID:  alloc.AccountID,
		Type:       domain.CreditEarned,
		Status:     domain.CreditTxPending,
		Amount:     alloc.NetAmount,
		SourceType: "payment",
		SourceRef:  alloc.ID,
	}
	if _, err := s.repo.CreateCreditTransaction(ctx, grant); err != nil {
		return fmt.Errorf("failed to create allocation grant: %w", err)
	}
	if _, err := s.repo.RecomputeAccountBalances(ctx, alloc.AccountID); err != nil {
		return fmt.Errorf("failed to recompute balances: %w", err)
	}
	return nil
}

// commissionFor computes the platform's cut of one gross share.
func (s *Service) commissionFor(gross int64) int64 {
	switch s.settings.CommissionMode {
	case domain.CommissionFlat:
		return s.settings.CommissionFlat
	default:
		return int64(float64(gross) * s.settings.CommissionPercent / 100)
	}
}

// impliedHourlyRate reports the effective cents-per-hour of one share for
// audit display. Zero minutes cannot occur for an allocated beneficiary.
func (s *Service) impliedHourlyRate(gross, minutes int64) int64 {
	if minutes == 0 {
		return 0
	}
	return gross * 60 / minutes
}

// ReconcilePayment verifies that every cent of an allocated payment is
// accounted for: Σnet + Σcommission + residual must equal the total. On
// success the payment becomes reconciled.
func (s *Service) ReconcilePayment(ctx context.Context, paymentID uuid.UUID) (*domain.ExternalPayment, error) {
	payment, err := s.repo.GetExternalPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	allocations, err := s.repo.ListAllocationsByPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	var net, commission int64
	for _, a := range allocations {
		net += a.NetAmount
		commission += a.Commission
	}
	if net+commission+payment.Residual != payment.TotalAmount {
		log.Printf("level=error component=allocation_service op=reconcile payment_id=%s net=%d commission=%d residual=%d total=%d msg=\"totals do not reconcile\"", payment.ID, net, commission, payment.Residual, payment.TotalAmount)
		return nil, ErrNotReconcilable
	}

	if err := s.repo.AdvanceExternalPaymentStatus(ctx, payment.ID, domain.PaymentAllocated, domain.PaymentReconciled, payment.Residual); err != nil {
		return nil, err
	}
	payment.Status = domain.PaymentReconciled
	return payment, nil
}

// GetPaymentWithAllocations returns an external payment and its allocations.
func (s *Service) GetPaymentWithAllocations(ctx context.Context, paymentID uuid.UUID) (*domain.ExternalPayment, []domain.PaymentAllocation, error) {
	payment, err := s.repo.GetExternalPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}
	allocations, err := s.repo.ListAllocationsByPayment(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}
	return payment, allocations, nil
}
