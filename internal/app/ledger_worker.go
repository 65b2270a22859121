/**
 * @description
 * Background workers for the external ledger. The submission worker drains
 * pending attestation submissions with exponential backoff on failure; the
 * confirmation worker polls submitted transactions until they cross the
 * confirmation threshold, then computes verification and grants credit.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/careloop/attestation-service/internal/domain"
	"github.com/careloop/attestation-service/internal/store"
	"github.com/careloop/attestation-service/pkg/ledgerclient"
)

const workerBatchSize = 50

// RunSubmissionWorker drives SubmitDueLedgerTransactions on a fixed interval
// until the context is cancelled.
func (s *Service) RunSubmissionWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("level=info component=submission_worker msg=\"started\" interval=%s", interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("level=info component=submission_worker msg=\"stopped\"")
			return
		case <-ticker.C:
			if err := s.SubmitDueLedgerTransactions(ctx); err != nil {
				log.Printf("level=error component=submission_worker err=%v", err)
			}
		}
	}
}

// SubmitDueLedgerTransactions claims a batch of due pending submissions and
// pushes each to the ledger. Failures reschedule with exponential backoff;
// retry exhaustion marks the transaction failed and flags it.
func (s *Service) SubmitDueLedgerTransactions(ctx context.Context) error {
	due, err := s.repo.ClaimDueLedgerSubmissions(ctx, s.now().UTC(), workerBatchSize)
	if err != nil {
		return fmt.Errorf("failed to claim due submissions: %w", err)
	}
	for i := range due {
		s.submitOne(ctx, &due[i])
	}
	return nil
}

func (s *Service) submitOne(ctx context.Context, tx *domain.LedgerTransaction) {
	record, err := s.repo.GetAttestationByID(ctx, tx.AttestationID)
	if err != nil {
		log.Printf("level=error component=submission_worker ledger_tx_id=%s err=%v", tx.ID, err)
		return
	}

	txRef, err := s.ledger.Submit(ctx, ledgerclient.SubmitRequest{
		AttestationID:      record.ID.String(),
		HelperIDHash:       record.HelperIDHash,
		RecipientIDHash:    record.RecipientIDHash,
		StartTime:          record.StartTime.UTC().Format(time.RFC3339),
		EndTime:            record.EndTime.UTC().Format(time.RFC3339),
		DurationMinutes:    record.DurationMinutes,
		LocationHash:       record.LocationHash,
		TaskType:           string(record.TaskType),
		HelperSignature:    record.HelperSignature,
		RecipientSignature: record.RecipientSignature,
		ContentHash:        record.ContentHash,
		CreditAmount:       record.CreditAmount,
	})
	if err != nil {
		s.recordSubmissionFailure(ctx, tx, err)
		return
	}

	params := store.LedgerSubmissionResultParams{
		ExternalTxRef: &txRef,
		RetryCount:    tx.RetryCount,
		NextAttemptAt: tx.NextAttemptAt,
		Status:        domain.LedgerTxPending,
	}
	if err := s.repo.RecordLedgerSubmissionResult(ctx, tx.ID, params); err != nil {
		log.Printf("level=error component=submission_worker ledger_tx_id=%s msg=\"result write failed\" err=%v", tx.ID, err)
		return
	}
	log.Printf("level=info component=submission_worker ledger_tx_id=%s tx_ref=%s msg=\"submitted\"", tx.ID, txRef)
}

func (s *Service) recordSubmissionFailure(ctx context.Context, tx *domain.LedgerTransaction, cause error) {
	retry := tx.RetryCount + 1
	reason := cause.Error()

	if retry > s.settings.SubmissionMaxRetries {
		params := store.LedgerSubmissionResultParams{
			RetryCount:    retry,
			NextAttemptAt: tx.NextAttemptAt,
			Status:        domain.LedgerTxFailed,
			FailureReason: &reason,
		}
		if err := s.repo.RecordLedgerSubmissionResult(ctx, tx.ID, params); err != nil {
			log.Printf("level=error component=submission_worker ledger_tx_id=%s err=%v", tx.ID, err)
			return
		}
		flag := &domain.AdminFlag{
			ID:         uuid.New(),
			Kind:       domain.FlagSubmissionExhausted,
			EntityType: "ledger_transaction",
			EntityID:   tx.ID,
			Detail:     fmt.Sprintf("ledger submission for attestation %s failed after %d attempts: %s", tx.AttestationID, retry, reason),
		}
		if err := s.repo.CreateAdminFlag(ctx, flag); err != nil {
			log.Printf("level=error component=submission_worker ledger_tx_id=%s msg=\"flag create failed\" err=%v", tx.ID, err)
		}
		log.Printf("level=error component=submission_worker ledger_tx_id=%s attempts=%d msg=\"retries exhausted\"", tx.ID, retry)
		return
	}

	backoff := s.settings.SubmissionBackoffBase * (1 << uint(tx.RetryCount))
	params := store.LedgerSubmissionResultParams{
		RetryCount:    retry,
		NextAttemptAt: s.now().UTC().Add(backoff),
		Status:        domain.LedgerTxPending,
		FailureReason: &reason,
	}
	if err := s.repo.RecordLedgerSubmissionResult(ctx, tx.ID, params); err != nil {
		log.Printf("level=error component=submission_worker ledger_tx_id=%s err=%v", tx.ID, err)
		return
	}
	log.Printf("level=warn component=submission_worker ledger_tx_id=%s attempt=%d backoff=%s msg=\"submission failed; rescheduled\"", tx.ID, retry, backoff)
}

// RunConfirmationWorker drives PollConfirmations on a fixed interval until
// the context is cancelled.
func (s *Service) RunConfirmationWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("level=info component=confirmation_worker msg=\"started\" interval=%s", interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("level=info component=confirmation_worker msg=\"stopped\"")
			return
		case <-ticker.C:
			if err := s.PollConfirmations(ctx); err != nil {
				log.Printf("level=error component=confirmation_worker err=%v", err)
			}
		}
	}
}

// PollConfirmations refreshes the confirmation count of every submitted,
// unconfirmed ledger transaction. Crossing the threshold finalises the
// transaction: the verification result is computed, credit is granted when
// eligible, and a confirmation event is published.
func (s *Service) PollConfirmations(ctx context.Context) error {
	unconfirmed, err := s.repo.ListUnconfirmedLedgerTransactions(ctx, workerBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list unconfirmed transactions: %w", err)
	}
	for i := range unconfirmed {
		tx := &unconfirmed[i]
		if err := s.pollOne(ctx, tx); err != nil {
			log.Printf("level=error component=confirmation_worker ledger_tx_id=%s err=%v", tx.ID, err)
		}
	}
	return nil
}

func (s *Service) pollOne(ctx context.Context, tx *domain.LedgerTransaction) error {
	if tx.ExternalTxRef == nil {
		return fmt.Errorf("ledger transaction %s has no external reference", tx.ID)
	}
	confirmations, err := s.ledger.Confirmations(ctx, *tx.ExternalTxRef)
	if err != nil {
		return err
	}
	if confirmations > tx.Confirmations {
		if err := s.repo.UpdateLedgerConfirmations(ctx, tx.ID, confirmations); err != nil {
			return err
		}
		tx.Confirmations = confirmations
	}
	if tx.Confirmations < s.settings.ConfirmationThreshold {
		return nil
	}
	return s.finaliseConfirmed(ctx, tx)
}

// finaliseConfirmed is the one-way transition from confirmed-on-ledger to
// verified-and-credited. Idempotent: the status CAS makes sure only one
// worker performs it.
func (s *Service) finaliseConfirmed(ctx context.Context, tx *domain.LedgerTransaction) error {
	if err := s.repo.AdvanceLedgerTransactionStatus(ctx, tx.ID, domain.LedgerTxPending, domain.LedgerTxConfirmed); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return nil
		}
		return err
	}

	record, err := s.repo.GetAttestationByID(ctx, tx.AttestationID)
	if err != nil {
		return err
	}
	tx.Status = domain.LedgerTxConfirmed
	result, err := s.computeVerification(ctx, record, tx)
	if err != nil {
		return err
	}

	if result.CreditEligible {
		if err := s.grantEarnedCredit(ctx, record); err != nil {
			return err
		}
	}

	session, err := s.repo.GetSessionByID(ctx, record.SessionID)
	if err != nil {
		return err
	}
	event := domain.AttestationConfirmedEvent{
		AttestationID:  record.ID,
		SessionID:      session.ID,
		ExternalTxRef:  *tx.ExternalTxRef,
		Confirmations:  tx.Confirmations,
		CreditEligible: result.CreditEligible,
		Timestamp:      s.now().UTC(),
	}
	if err := s.producer.Publish(ctx, s.settings.EventsExchange, "attestation.confirmed", event); err != nil {
		log.Printf("level=warn component=confirmation_worker attestation_id=%s msg=\"event publish failed\" err=%v", record.ID, err)
	}
	log.Printf("level=info component=confirmation_worker attestation_id=%s confirmations=%d credit_eligible=%v msg=\"confirmed\"", record.ID, tx.Confirmations, result.CreditEligible)
	return nil
}
