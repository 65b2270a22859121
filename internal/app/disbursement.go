/**
 * @description
 * Split disbursements. A payout debits the credit ledger and fans out into
 * one institution transfer per destination category, each guarded by an
 * idempotency token. Transfer outcomes arrive asynchronously from the broker;
 * permanent failure after retries refunds whatever portion never settled.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/careloop/attestation-service/internal/domain"
	"github.com/careloop/attestation-service/internal/store"
	"github.com/careloop/attestation-service/pkg/institutionclient"
)

// RequestDisbursement debits the owner's balance and opens one transfer per
// split category. The transfers are pushed to the institution immediately;
// failures are retried by the scheduler with the remaining attempts.
func (s *Service) RequestDisbursement(ctx context.Context, ownerID uuid.UUID, amount int64, splits []domain.DisbursementSplit) (*domain.Disbursement, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("disbursement amount must be positive, got %d", amount)
	}
	if err := domain.ValidateSplits(splits); err != nil {
		return nil, err
	}

	account, err := s.repo.GetAccountByOwnerID(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(account.ID)
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	account, err = s.repo.RecomputeAccountBalances(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	if amount > account.CurrentBalance {
		return nil, ErrInsufficientBalance
	}

	disbursementID := uuid.New()
	creditTx := &domain.CreditTransaction{
		ID:         uuid.New(),
		AccountID:  account.ID,
		Type:       domain.CreditDisbursed,
		Status:     domain.CreditTxPending,
		Amount:     amount,
		SourceType: "disbursement",
		SourceRef:  disbursementID,
	}
	creditTx, err = s.repo.CreateCreditTransaction(ctx, creditTx)
	if err != nil {
		return nil, fmt.Errorf("failed to create disbursed transaction: %w", err)
	}

	amounts := domain.SplitAmounts(amount, splits)
	transfers := make([]domain.DisbursementTransfer, 0, len(splits))
	for _, split := range splits {
		transfers = append(transfers, domain.DisbursementTransfer{
			ID:               uuid.New(),
			DisbursementID:   disbursementID,
			Category:         split.Category,
			Amount:           amounts[split.Category],
			Status:           domain.TransferPending,
			IdempotencyToken: uuid.NewString(),
		})
	}
	disbursement := &domain.Disbursement{
		ID:              disbursementID,
		AccountID:       account.ID,
		RequestedAmount: amount,
		Splits:          splits,
		Status:          domain.DisbursementPending,
		CreditTxID:      &creditTx.ID,
		NextAttemptAt:   s.now().UTC(),
	}
	if err := s.repo.CreateDisbursementWithTransfers(ctx, disbursement, transfers); err != nil {
		return nil, fmt.Errorf("failed to create disbursement: %w", err)
	}
	if _, err := s.repo.RecomputeAccountBalances(ctx, account.ID); err != nil {
		return nil, fmt.Errorf("failed to recompute balances: %w", err)
	}

	if err := s.repo.AdvanceDisbursementStatus(ctx, disbursement.ID, domain.DisbursementPending, domain.DisbursementProcessing, nil); err != nil {
		return nil, err
	}
	disbursement.Status = domain.DisbursementProcessing

	// Release the balance lock before pushing transfers; the failure path
	// re-acquires it to refund.
	unlock()
	locked = false

	log.Printf("level=info component=disbursement_service op=request disbursement_id=%s account_id=%s amount=%d splits=%d", disbursement.ID, account.ID, amount, len(splits))
	s.initiateTransfers(ctx, disbursement)
	return s.repo.GetDisbursementByID(ctx, disbursement.ID)
}

// initiateTransfers pushes every not-yet-initiated transfer of a processing
// disbursement to the institution. Failures are tallied and either scheduled
// for retry or, once attempts are exhausted, fail the disbursement.
func (s *Service) initiateTransfers(ctx context.Context, d *domain.Disbursement) {
	transfers, err := s.repo.ListTransfersByDisbursement(ctx, d.ID)
	if err != nil {
		log.Printf("level=error component=disbursement_service disbursement_id=%s err=%v", d.ID, err)
		return
	}

	failures := 0
	for i := range transfers {
		t := &transfers[i]
		if t.Status != domain.TransferPending && t.Status != domain.TransferFailed {
			continue
		}
		account, err := s.repo.GetAccountByID(ctx, d.AccountID)
		if err != nil {
			failures++
			continue
		}
		resp, err := s.institution.InitiateTransfer(ctx, institutionclient.TransferRequest{
			OwnerID:          account.OwnerID.String(),
			Category:         string(t.Category),
			Amount:           t.Amount,
			IdempotencyToken: t.IdempotencyToken,
			Reason:           fmt.Sprintf("disbursement %s", d.ID),
		})
		if err != nil {
			reason := err.Error()
			if uerr := s.repo.UpdateTransferStatus(ctx, t.ID, domain.TransferFailed, nil, &reason); uerr != nil {
				log.Printf("level=error component=disbursement_service transfer_id=%s err=%v", t.ID, uerr)
			}
			failures++
			continue
		}
		externalRef := resp.Data.ExternalRef
		if err := s.repo.UpdateTransferStatus(ctx, t.ID, domain.TransferInitiated, &externalRef, nil); err != nil {
			log.Printf("level=error component=disbursement_service transfer_id=%s err=%v", t.ID, err)
		}
	}

	if failures == 0 {
		return
	}
	retry := d.RetryCount + 1
	if retry > s.settings.DisbursementMaxRetries {
		s.failDisbursement(ctx, d, fmt.Sprintf("%d transfer(s) still failing after %d attempts", failures, retry))
		return
	}
	backoff := s.settings.SubmissionBackoffBase * (1 << uint(d.RetryCount))
	reason := fmt.Sprintf("%d transfer(s) failed on attempt %d", failures, retry)
	if err := s.repo.ScheduleDisbursementRetry(ctx, d.ID, retry, s.now().UTC().Add(backoff), reason); err != nil {
		log.Printf("level=error component=disbursement_service disbursement_id=%s err=%v", d.ID, err)
		return
	}
	log.Printf("level=warn component=disbursement_service disbursement_id=%s attempt=%d backoff=%s msg=\"transfers failed; retry scheduled\"", d.ID, retry, backoff)
}

// failDisbursement is the terminal failure path: the disbursement is marked
// failed and flagged, the pending debit settles for whatever portion did
// confirm, and the unsettled remainder is refunded.
func (s *Service) failDisbursement(ctx context.Context, d *domain.Disbursement, reason string) {
	if err := s.repo.AdvanceDisbursementStatus(ctx, d.ID, domain.DisbursementProcessing, domain.DisbursementFailed, &reason); err != nil {
		if !errors.Is(err, store.ErrStaleStatus) {
			log.Printf("level=error component=disbursement_service disbursement_id=%s err=%v", d.ID, err)
		}
		return
	}

	flag := &domain.AdminFlag{
		ID:         uuid.New(),
		Kind:       domain.FlagDisbursementFailed,
		EntityType: "disbursement",
		EntityID:   d.ID,
		Detail:     reason,
	}
	if err := s.repo.CreateAdminFlag(ctx, flag); err != nil {
		log.Printf("level=error component=disbursement_service disbursement_id=%s msg=\"flag create failed\" err=%v", d.ID, err)
	}

	unlock := s.locks.Lock(d.AccountID)
	defer unlock()

	// Settle the debit, then give back whatever never reached the institution.
	if d.CreditTxID != nil {
		if _, err := s.AdvanceCreditTransactionFromAny(ctx, *d.CreditTxID, domain.CreditTxCompleted); err != nil {
			log.Printf("level=error component=disbursement_service disbursement_id=%s msg=\"debit settle failed\" err=%v", d.ID, err)
		}
	}
	transfers, err := s.repo.ListTransfersByDisbursement(ctx, d.ID)
	if err != nil {
		log.Printf("level=error component=disbursement_service disbursement_id=%s err=%v", d.ID, err)
		return
	}
	var unsettled int64
	for _, t := range transfers {
		if t.Status != domain.TransferConfirmed {
			unsettled += t.Amount
		}
	}
	if unsettled > 0 {
		justification := fmt.Sprintf("refund of unsettled portion of failed disbursement %s", d.ID)
		refund := &domain.CreditTransaction{
			ID:            uuid.New(),
			AccountID:     d.AccountID,
			Type:          domain.CreditRefund,
			Status:        domain.CreditTxCompleted,
			Amount:        unsettled,
			SourceType:    "disbursement_refund",
			SourceRef:     d.ID,
			Justification: &justification,
		}
		if _, err := s.repo.CreateCreditTransaction(ctx, refund); err != nil {
			log.Printf("level=error component=disbursement_service disbursement_id=%s msg=\"refund create failed\" err=%v", d.ID, err)
		}
	}
	if _, err := s.repo.RecomputeAccountBalances(ctx, d.AccountID); err != nil {
		log.Printf("level=error component=disbursement_service disbursement_id=%s err=%v", d.ID, err)
	}

	s.publishSettled(ctx, d, string(domain.DisbursementFailed))
	log.Printf("level=error component=disbursement_service op=fail disbursement_id=%s refunded=%d reason=%q", d.ID, unsettled, reason)
}

// AdvanceCreditTransactionFromAny advances a credit transaction to the given
// status from whatever non-terminal status it currently holds. The caller
// must already hold the account lock.
func (s *Service) AdvanceCreditTransactionFromAny(ctx context.Context, id uuid.UUID, to domain.CreditTxStatus) (*domain.CreditTransaction, error) {
	tx, err := s.repo.GetCreditTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status == to {
		return tx, nil
	}
	if !tx.Status.CanAdvance(to) {
		return nil, &domain.ErrInvalidCreditTransition{From: tx.Status, To: to}
	}
	if err := s.repo.AdvanceCreditTransactionStatus(ctx, id, tx.Status, to); err != nil {
		return nil, err
	}
	tx.Status = to
	return tx, nil
}

// HandleTransferStatusEvent applies one transfer outcome reported by the
// institution pipeline. Confirming the last outstanding transfer completes
// the disbursement and settles its ledger debit.
func (s *Service) HandleTransferStatusEvent(ctx context.Context, event domain.TransferStatusEvent) error {
	transfer, err := s.repo.GetTransferByIdempotencyToken(ctx, event.IdempotencyToken)
	if err != nil {
		return err
	}

	var status domain.TransferStatus
	switch event.Status {
	case "confirmed", "settled", "completed":
		status = domain.TransferConfirmed
	case "failed", "rejected":
		status = domain.TransferFailed
	default:
		return fmt.Errorf("unknown transfer status %q", event.Status)
	}

	var externalRef *string
	if event.ExternalRef != "" {
		externalRef = &event.ExternalRef
	}
	var reason *string
	if event.Reason != "" {
		reason = &event.Reason
	}
	if err := s.repo.UpdateTransferStatus(ctx, transfer.ID, status, externalRef, reason); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			// Already confirmed; duplicate delivery.
			return nil
		}
		return err
	}
	log.Printf("level=info component=disbursement_service op=transfer_event transfer_id=%s status=%s", transfer.ID, status)

	if status != domain.TransferConfirmed {
		return nil
	}
	outstanding, err := s.repo.CountUnconfirmedTransfers(ctx, transfer.DisbursementID)
	if err != nil {
		return err
	}
	if outstanding > 0 {
		return nil
	}
	return s.completeDisbursement(ctx, transfer.DisbursementID)
}

// completeDisbursement finalises a fully confirmed disbursement.
func (s *Service) completeDisbursement(ctx context.Context, disbursementID uuid.UUID) error {
	d, err := s.repo.GetDisbursementByID(ctx, disbursementID)
	if err != nil {
		return err
	}
	if err := s.repo.AdvanceDisbursementStatus(ctx, d.ID, domain.DisbursementProcessing, domain.DisbursementCompleted, nil); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return nil
		}
		return err
	}
	d.Status = domain.DisbursementCompleted

	unlock := s.locks.Lock(d.AccountID)
	defer unlock()

	if d.CreditTxID != nil {
		if _, err := s.AdvanceCreditTransactionFromAny(ctx, *d.CreditTxID, domain.CreditTxCompleted); err != nil {
			return err
		}
	}
	if _, err := s.repo.RecomputeAccountBalances(ctx, d.AccountID); err != nil {
		return err
	}

	s.publishSettled(ctx, d, string(domain.DisbursementCompleted))
	log.Printf("level=info component=disbursement_service op=complete disbursement_id=%s amount=%d", d.ID, d.RequestedAmount)
	return nil
}

func (s *Service) publishSettled(ctx context.Context, d *domain.Disbursement, status string) {
	event := domain.DisbursementSettledEvent{
		DisbursementID: d.ID,
		AccountID:      d.AccountID,
		Amount:         d.RequestedAmount,
		Status:         status,
		Timestamp:      s.now().UTC(),
	}
	if err := s.producer.Publish(ctx, s.settings.EventsExchange, "disbursement.settled", event); err != nil {
		log.Printf("level=warn component=disbursement_service disbursement_id=%s msg=\"event publish failed\" err=%v", d.ID, err)
	}
}

// RetryDueDisbursements re-drives transfers of processing disbursements whose
// backoff has elapsed. Run from the scheduler.
func (s *Service) RetryDueDisbursements(ctx context.Context) (int, error) {
	due, err := s.repo.ListDueDisbursementRetries(ctx, s.now().UTC(), workerBatchSize)
	if err != nil {
		return 0, err
	}
	for i := range due {
		s.initiateTransfers(ctx, &due[i])
	}
	return len(due), nil
}

// GetDisbursement returns a disbursement with its transfers.
func (s *Service) GetDisbursement(ctx context.Context, id uuid.UUID) (*domain.Disbursement, []domain.DisbursementTransfer, error) {
	d, err := s.repo.GetDisbursementByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	transfers, err := s.repo.ListTransfersByDisbursement(ctx, d.ID)
	if err != nil {
		return nil, nil, err
	}
	return d, transfers, nil
}
