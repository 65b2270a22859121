/**
 * @description
 * Credit ledger operations. The transaction log is append-only: corrections
 * are new adjustment or refund entries, never edits. Account balances are a
 * cache recomputed from the log after every balance-affecting write, under a
 * per-account lock.
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
)

// AccountSummary bundles an account with its recent ledger activity.
type AccountSummary struct {
	Account      *domain.CreditAccount      `json:"account"`
	Transactions []domain.CreditTransaction `json:"transactions"`
}

// GetAccountSummary returns a party's credit account and its most recent
// transactions, creating the account on first access.
func (s *Service) GetAccountSummary(ctx context.Context, ownerID uuid.UUID, limit int) (*AccountSummary, error) {
	account, err := s.repo.GetOrCreateAccountByOwnerID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	txs, err := s.repo.ListCreditTransactionsByAccount(ctx, account.ID, limit)
	if err != nil {
		return nil, err
	}
	return &AccountSummary{Account: account, Transactions: txs}, nil
}

// grantEarnedCredit opens a pending earned transaction for a confirmed,
// credit-eligible attestation, then completes it through the status CAS. The
// (source, type) uniqueness makes repeated grants for the same attestation a
// no-op.
func (s *Service) grantEarnedCredit(ctx context.Context, record *domain.AttestationRecord) error {
	if record.CreditAmount <= 0 {
		return nil
	}
	session, err := s.repo.GetSessionByID(ctx, record.SessionID)
	if err != nil {
		return err
	}
	account, err := s.repo.GetOrCreateAccountByOwnerID(ctx, session.HelperID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(account.ID)
	defer unlock()

	tx := &domain.CreditTransaction{
		ID:         uuid.New(),
		AccountID:  account.ID,
		Type:       domain.CreditEarned,
		Status:     domain.CreditTxPending,
		Amount:     record.CreditAmount,
		SourceType: "attestation",
		SourceRef:  record.ID,
	}
	tx, err = s.repo.CreateCreditTransaction(ctx, tx)
	if err != nil {
		return fmt.Errorf("failed to create earned transaction: %w", err)
	}
	if _, err := s.repo.RecomputeAccountBalances(ctx, account.ID); err != nil {
		return fmt.Errorf("failed to recompute balances: %w", err)
	}
	if tx.Status == domain.CreditTxPending {
		if err := s.repo.AdvanceCreditTransactionStatus(ctx, tx.ID, domain.CreditTxPending, domain.CreditTxCompleted); err != nil {
			if !errors.Is(err, store.ErrStaleStatus) {
				return fmt.Errorf("failed to complete earned transaction: %w", err)
			}
		}
		if _, err := s.repo.RecomputeAccountBalances(ctx, account.ID); err != nil {
			return fmt.Errorf("failed to recompute balances: %w", err)
		}
	}
	log.Printf("level=info component=credit_service op=earn account_id=%s attestation_id=%s amount=%d", account.ID, record.ID, record.CreditAmount)
	return nil
}

// CreateAdjustment appends a manual adjustment or refund. Both require a
// justification and the approving operator; the entry completes immediately.
func (s *Service) CreateAdjustment(ctx context.Context, ownerID uuid.UUID, txType domain.CreditTxType, amount int64, sourceRef uuid.UUID, justification, approvedBy string) (*domain.CreditTransaction, error) {
	if txType != domain.CreditAdjustment && txType != domain.CreditRefund {
		return nil, fmt.Errorf("transaction type %q is not a manual correction", txType)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("adjustment amount must be positive, got %d", amount)
	}
	if justification == "" || approvedBy == "" {
		return nil, fmt.Errorf("adjustments require a justification and an approver")
	}

	account, err := s.repo.GetOrCreateAccountByOwnerID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(account.ID)
	defer unlock()

	tx := &domain.CreditTransaction{
		ID:            uuid.New(),
		AccountID:     account.ID,
		Type:          txType,
		Status:        domain.CreditTxCompleted,
		Amount:        amount,
		SourceType:    "manual",
		SourceRef:     sourceRef,
		Justification: &justification,
		ApprovedBy:    &approvedBy,
	}
	tx, err = s.repo.CreateCreditTransaction(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to create adjustment: %w", err)
	}
	if _, err := s.repo.RecomputeAccountBalances(ctx, account.ID); err != nil {
		return nil, fmt.Errorf("failed to recompute balances: %w", err)
	}
	log.Printf("level=info component=credit_service op=adjust account_id=%s type=%s amount=%d approved_by=%s", account.ID, txType, amount, approvedBy)
	return tx, nil
}

// AdvanceCreditTransaction moves a non-terminal credit transaction forward
// and recomputes the account's balances.
func (s *Service) AdvanceCreditTransaction(ctx context.Context, id uuid.UUID, to domain.CreditTxStatus) (*domain.CreditTransaction, error) {
	tx, err := s.repo.GetCreditTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tx.Status.CanAdvance(to) {
		return nil, &domain.ErrInvalidCreditTransition{From: tx.Status, To: to}
	}

	unlock := s.locks.Lock(tx.AccountID)
	defer unlock()

	if err := s.repo.AdvanceCreditTransactionStatus(ctx, id, tx.Status, to); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return nil, &domain.ErrInvalidCreditTransition{From: tx.Status, To: to}
		}
		return nil, err
	}
	tx.Status = to
	if _, err := s.repo.RecomputeAccountBalances(ctx, tx.AccountID); err != nil {
		return nil, fmt.Errorf("failed to recompute balances: %w", err)
	}
	return tx, nil
}

// CreateRateScheduleEntry adds a new hourly rate effective from a date.
func (s *Service) CreateRateScheduleEntry(ctx context.Context, entry *domain.RateScheduleEntry) error {
	if !domain.ValidTaskType(entry.TaskType) {
		return ErrInvalidTaskType
	}
	if entry.HourlyRate <= 0 {
		return fmt.Errorf("hourly rate must be positive, got %d", entry.HourlyRate)
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return s.repo.CreateRateScheduleEntry(ctx, entry)
}
