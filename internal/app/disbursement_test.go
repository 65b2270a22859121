package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/careloop/attestation-service/internal/domain"
	"github.com/careloop/attestation-service/internal/store"
)

type disbursementRepoStub struct {
	store.Repository

	account      *domain.CreditAccount
	disbursement *domain.Disbursement
	transfers    []domain.DisbursementTransfer
	creditTxs    map[uuid.UUID]*domain.CreditTransaction
	flags        []domain.AdminFlag

	retryScheduled bool
	retryAt        time.Time
	recomputes     int
}

func (s *disbursementRepoStub) GetAccountByOwnerID(ctx context.Context, ownerID uuid.UUID) (*domain.CreditAccount, error) {
	if s.account == nil || s.account.OwnerID != ownerID {
		return nil, store.ErrAccountNotFound
	}
	return s.account, nil
}

func (s *disbursementRepoStub) GetAccountByID(ctx context.Context, id uuid.UUID) (*domain.CreditAccount, error) {
	if s.account == nil || s.account.ID != id {
		return nil, store.ErrAccountNotFound
	}
	return s.account, nil
}

func (s *disbursementRepoStub) RecomputeAccountBalances(ctx context.Context, accountID uuid.UUID) (*domain.CreditAccount, error) {
	s.recomputes++
	return s.account, nil
}

func (s *disbursementRepoStub) CreateCreditTransaction(ctx context.Context, tx *domain.CreditTransaction) (*domain.CreditTransaction, error) {
	if s.creditTxs == nil {
		s.creditTxs = make(map[uuid.UUID]*domain.CreditTransaction)
	}
	s.creditTxs[tx.ID] = tx
	return tx, nil
}

func (s *disbursementRepoStub) GetCreditTransactionByID(ctx context.Context, id uuid.UUID) (*domain.CreditTransaction, error) {
	tx, ok := s.creditTxs[id]
	if !ok {
		return nil, store.ErrCreditTransactionNotFound
	}
	return tx, nil
}

func (s *disbursementRepoStub) AdvanceCreditTransactionStatus(ctx context.Context, id uuid.UUID, from, to domain.CreditTxStatus) error {
	tx, ok := s.creditTxs[id]
	if !ok {
		return store.ErrCreditTransactionNotFound
	}
	if tx.Status != from {
		return store.ErrStaleStatus
	}
	tx.Status = to
	return nil
}

func (s *disbursementRepoStub) CreateDisbursementWithTransfers(ctx context.Context, d *domain.Disbursement, transfers []domain.DisbursementTransfer) error {
	s.disbursement = d
	s.transfers = transfers
	return nil
}

func (s *disbursementRepoStub) GetDisbursementByID(ctx context.Context, id uuid.UUID) (*domain.Disbursement, error) {
	if s.disbursement == nil || s.disbursement.ID != id {
		return nil, store.ErrDisbursementNotFound
	}
	return s.disbursement, nil
}

func (s *disbursementRepoStub) AdvanceDisbursementStatus(ctx context.Context, id uuid.UUID, from, to domain.DisbursementStatus, failureReason *string) error {
	if s.disbursement.Status != from {
		return store.ErrStaleStatus
	}
	s.disbursement.Status = to
	s.disbursement.FailureReason = failureReason
	return nil
}

func (s *disbursementRepoStub) ScheduleDisbursementRetry(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, failureReason string) error {
	s.retryScheduled = true
	s.retryAt = nextAttemptAt
	s.disbursement.RetryCount = retryCount
	return nil
}

func (s *disbursementRepoStub) ListTransfersByDisbursement(ctx context.Context, disbursementID uuid.UUID) ([]domain.DisbursementTransfer, error) {
	return s.transfers, nil
}

func (s *disbursementRepoStub) GetTransferByIdempotencyToken(ctx context.Context, token string) (*domain.DisbursementTransfer, error) {
	for i := range s.transfers {
		if s.transfers[i].IdempotencyToken == token {
			return &s.transfers[i], nil
		}
	}
	return nil, store.ErrTransferNotFound
}

func (s *disbursementRepoStub) UpdateTransferStatus(ctx context.Context, id uuid.UUID, status domain.TransferStatus, externalRef, failureReason *string) error {
	for i := range s.transfers {
		if s.transfers[i].ID != id {
			continue
		}
		if s.transfers[i].Status == domain.TransferConfirmed {
			return store.ErrStaleStatus
		}
		s.transfers[i].Status = status
		if externalRef != nil {
			s.transfers[i].ExternalRef = externalRef
		}
		s.transfers[i].FailureReason = failureReason
		return nil
	}
	return store.ErrTransferNotFound
}

func (s *disbursementRepoStub) CountUnconfirmedTransfers(ctx context.Context, disbursementID uuid.UUID) (int, error) {
	n := 0
	for _, t := range s.transfers {
		if t.Status != domain.TransferConfirmed {
			n++
		}
	}
	return n, nil
}

func (s *disbursementRepoStub) CreateAdminFlag(ctx context.Context, f *domain.AdminFlag) error {
	s.flags = append(s.flags, *f)
	return nil
}

func fundedAccount(balance int64) *domain.CreditAccount {
	return &domain.CreditAccount{ID: uuid.New(), OwnerID: uuid.New(), LifetimeEarned: balance, CurrentBalance: balance}
}

var testSplits = []domain.DisbursementSplit{
	{Category: domain.CategoryTuition, Percent: 50},
	{Category: domain.CategoryHousing, Percent: 30},
	{Category: domain.CategoryBooks, Percent: 20},
}

func TestRequestDisbursement_SplitsAndDebits(t *testing.T) {
	repo := &disbursementRepoStub{account: fundedAccount(100000)}
	svc, _, _, institution, _ := newTestService(repo)

	d, err := svc.RequestDisbursement(context.Background(), repo.account.OwnerID, 60000, testSplits)
	if err != nil {
		t.Fatalf("expected disbursement to succeed, got %v", err)
	}
	if d.Status != domain.DisbursementProcessing {
		t.Fatalf("expected processing, got %s", d.Status)
	}

	want := map[domain.DisbursementCategory]int64{
		domain.CategoryTuition: 30000,
		domain.CategoryHousing: 18000,
		domain.CategoryBooks:   12000,
	}
	if len(repo.transfers) != 3 {
		t.Fatalf("expected 3 transfers, got %d", len(repo.transfers))
	}
	var total int64
	for _, tr := range repo.transfers {
		if tr.Amount != want[tr.Category] {
			t.Fatalf("expected %s transfer of %d, got %d", tr.Category, want[tr.Category], tr.Amount)
		}
		if tr.Status != domain.TransferInitiated || tr.ExternalRef == nil {
			t.Fatalf("expected initiated transfer with external ref, got %+v", tr)
		}
		if tr.IdempotencyToken == "" {
			t.Fatal("expected every transfer to carry an idempotency token")
		}
		total += tr.Amount
	}
	if total != 60000 {
		t.Fatalf("expected transfer amounts to sum to the request, got %d", total)
	}
	if len(institution.calls) != 3 {
		t.Fatalf("expected 3 institution calls, got %d", len(institution.calls))
	}

	if d.CreditTxID == nil {
		t.Fatal("expected the disbursement to link its ledger debit")
	}
	debit := repo.creditTxs[*d.CreditTxID]
	if debit == nil || debit.Type != domain.CreditDisbursed || debit.Status != domain.CreditTxPending {
		t.Fatalf("expected a pending disbursed transaction, got %+v", debit)
	}
	if debit.Amount != 60000 {
		t.Fatalf("expected 60000-cent debit, got %d", debit.Amount)
	}
}

func TestRequestDisbursement_InsufficientBalance(t *testing.T) {
	repo := &disbursementRepoStub{account: fundedAccount(1000)}
	svc, _, _, _, _ := newTestService(repo)

	if _, err := svc.RequestDisbursement(context.Background(), repo.account.OwnerID, 5000, testSplits); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(repo.creditTxs) != 0 {
		t.Fatal("expected no debit for a rejected disbursement")
	}
}

func TestRequestDisbursement_RejectsBadSplits(t *testing.T) {
	repo := &disbursementRepoStub{account: fundedAccount(100000)}
	svc, _, _, _, _ := newTestService(repo)

	under := []domain.DisbursementSplit{{Category: domain.CategoryTuition, Percent: 99}}
	if _, err := svc.RequestDisbursement(context.Background(), repo.account.OwnerID, 1000, under); err == nil {
		t.Fatal("expected splits summing to 99 to be rejected")
	}
	over := []domain.DisbursementSplit{
		{Category: domain.CategoryTuition, Percent: 60},
		{Category: domain.CategoryHousing, Percent: 41},
	}
	if _, err := svc.RequestDisbursement(context.Background(), repo.account.OwnerID, 1000, over); err == nil {
		t.Fatal("expected splits summing to 101 to be rejected")
	}
}

func TestRequestDisbursement_FailedTransferSchedulesRetry(t *testing.T) {
	repo := &disbursementRepoStub{account: fundedAccount(100000)}
	svc, _, _, institution, _ := newTestService(repo)
	institution.failAll = errors.New("institution gateway timeout")

	d, err := svc.RequestDisbursement(context.Background(), repo.account.OwnerID, 10000, testSplits)
	if err != nil {
		t.Fatalf("expected request to succeed despite transfer failures, got %v", err)
	}
	if d.Status != domain.DisbursementProcessing {
		t.Fatalf("expected disbursement to stay processing for retry, got %s", d.Status)
	}
	if !repo.retryScheduled {
		t.Fatal("expected a retry to be scheduled")
	}
	if want := testEpoch.Add(2 * time.Second); !repo.retryAt.Equal(want) {
		t.Fatalf("expected first retry at %s, got %s", want, repo.retryAt)
	}
	for _, tr := range repo.transfers {
		if tr.Status != domain.TransferFailed {
			t.Fatalf("expected failed transfer, got %s", tr.Status)
		}
	}
}

func TestRetryExhaustionRefundsUnsettledPortion(t *testing.T) {
	repo := &disbursementRepoStub{account: fundedAccount(100000)}
	svc, producer, _, institution, _ := newTestService(repo)

	debitID := uuid.New()
	repo.creditTxs = map[uuid.UUID]*domain.CreditTransaction{
		debitID: {ID: debitID, AccountID: repo.account.ID, Type: domain.CreditDisbursed, Status: domain.CreditTxPending, Amount: 10000},
	}
	disbursementID := uuid.New()
	repo.disbursement = &domain.Disbursement{
		ID:              disbursementID,
		AccountID:       repo.account.ID,
		RequestedAmount: 10000,
		Splits:          testSplits,
		Status:          domain.DisbursementProcessing,
		CreditTxID:      &debitID,
		RetryCount:      3, // final attempt already used
	}
	confirmedRef := "ext_done"
	repo.transfers = []domain.DisbursementTransfer{
		{ID: uuid.New(), DisbursementID: disbursementID, Category: domain.CategoryTuition, Amount: 5000, Status: domain.TransferConfirmed, IdempotencyToken: "tok-a", ExternalRef: &confirmedRef},
		{ID: uuid.New(), DisbursementID: disbursementID, Category: domain.CategoryHousing, Amount: 3000, Status: domain.TransferFailed, IdempotencyToken: "tok-b"},
		{ID: uuid.New(), DisbursementID: disbursementID, Category: domain.CategoryBooks, Amount: 2000, Status: domain.TransferFailed, IdempotencyToken: "tok-c"},
	}
	institution.failTokens = map[string]error{
		"tok-b": errors.New("account closed"),
		"tok-c": errors.New("account closed"),
	}

	svc.initiateTransfers(context.Background(), repo.disbursement)

	if repo.disbursement.Status != domain.DisbursementFailed {
		t.Fatalf("expected failed disbursement, got %s", repo.disbursement.Status)
	}
	if repo.creditTxs[debitID].Status != domain.CreditTxCompleted {
		t.Fatalf("expected the debit to settle, got %s", repo.creditTxs[debitID].Status)
	}

	var refund *domain.CreditTransaction
	for _, tx := range repo.creditTxs {
		if tx.Type == domain.CreditRefund {
			refund = tx
		}
	}
	if refund == nil {
		t.Fatal("expected a refund transaction")
	}
	// Only the confirmed 5000-cent transfer stays settled.
	if refund.Amount != 5000 {
		t.Fatalf("expected 5000-cent refund of the unsettled portion, got %d", refund.Amount)
	}
	if refund.Status != domain.CreditTxCompleted {
		t.Fatalf("expected completed refund, got %s", refund.Status)
	}

	if len(repo.flags) != 1 || repo.flags[0].Kind != domain.FlagDisbursementFailed {
		t.Fatalf("expected one disbursement_failed flag, got %+v", repo.flags)
	}
	if len(producer.published) != 1 || producer.published[0].RoutingKey != "disbursement.settled" {
		t.Fatalf("expected a disbursement.settled event, got %+v", producer.published)
	}
}

func TestHandleTransferStatusEvent_LastConfirmationCompletes(t *testing.T) {
	repo := &disbursementRepoStub{account: fundedAccount(100000)}
	svc, producer, _, _, _ := newTestService(repo)

	debitID := uuid.New()
	repo.creditTxs = map[uuid.UUID]*domain.CreditTransaction{
		debitID: {ID: debitID, AccountID: repo.account.ID, Type: domain.CreditDisbursed, Status: domain.CreditTxPending, Amount: 10000},
	}
	disbursementID := uuid.New()
	repo.disbursement = &domain.Disbursement{
		ID:              disbursementID,
		AccountID:       repo.account.ID,
		RequestedAmount: 10000,
		Status:          domain.DisbursementProcessing,
		CreditTxID:      &debitID,
	}
	repo.transfers = []domain.DisbursementTransfer{
		{ID: uuid.New(), DisbursementID: disbursementID, Amount: 6000, Status: domain.TransferInitiated, IdempotencyToken: "tok-1"},
		{ID: uuid.New(), DisbursementID: disbursementID, Amount: 4000, Status: domain.TransferInitiated, IdempotencyToken: "tok-2"},
	}

	if err := svc.HandleTransferStatusEvent(context.Background(), domain.TransferStatusEvent{IdempotencyToken: "tok-1", ExternalRef: "ext-1", Status: "confirmed"}); err != nil {
		t.Fatalf("expected first confirmation to apply, got %v", err)
	}
	if repo.disbursement.Status != domain.DisbursementProcessing {
		t.Fatalf("expected disbursement to keep processing with one transfer outstanding, got %s", repo.disbursement.Status)
	}

	if err := svc.HandleTransferStatusEvent(context.Background(), domain.TransferStatusEvent{IdempotencyToken: "tok-2", ExternalRef: "ext-2", Status: "settled"}); err != nil {
		t.Fatalf("expected final confirmation to apply, got %v", err)
	}
	if repo.disbursement.Status != domain.DisbursementCompleted {
		t.Fatalf("expected completed disbursement, got %s", repo.disbursement.Status)
	}
	if repo.creditTxs[debitID].Status != domain.CreditTxCompleted {
		t.Fatalf("expected the debit to settle, got %s", repo.creditTxs[debitID].Status)
	}
	if len(producer.published) != 1 || producer.published[0].RoutingKey != "disbursement.settled" {
		t.Fatalf("expected a disbursement.settled event, got %+v", producer.published)
	}
}

func TestHandleTransferStatusEvent_DuplicateDeliveryIsNoop(t *testing.T) {
	repo := &disbursementRepoStub{account: fundedAccount(100000)}
	svc, producer, _, _, _ := newTestService(repo)

	disbursementID := uuid.New()
	repo.disbursement = &domain.Disbursement{ID: disbursementID, AccountID: repo.account.ID, Status: domain.DisbursementCompleted}
	repo.transfers = []domain.DisbursementTransfer{
		{ID: uuid.New(), DisbursementID: disbursementID, Amount: 10000, Status: domain.TransferConfirmed, IdempotencyToken: "tok-dup"},
	}

	if err := svc.HandleTransferStatusEvent(context.Background(), domain.TransferStatusEvent{IdempotencyToken: "tok-dup", Status: "confirmed"}); err != nil {
		t.Fatalf("expected duplicate delivery to be a no-op, got %v", err)
	}
	if len(producer.published) != 0 {
		t.Fatal("expected no event for a duplicate delivery")
	}
}

func TestHandleTransferStatusEvent_UnknownStatus(t *testing.T) {
	repo := &disbursementRepoStub{account: fundedAccount(100000)}
	svc, _, _, _, _ := newTestService(repo)

	disbursementID := uuid.New()
	repo.disbursement = &domain.Disbursement{ID: disbursementID, AccountID: repo.account.ID, Status: domain.DisbursementProcessing}
	repo.transfers = []domain.DisbursementTransfer{
		{ID: uuid.New(), DisbursementID: disbursementID, Amount: 10000, Status: domain.TransferInitiated, IdempotencyToken: "tok-x"},
	}

	if err := svc.HandleTransferStatusEvent(context.Background(), domain.TransferStatusEvent{IdempotencyToken: "tok-x", Status: "shrugged"}); err == nil {
		t.Fatal("expected an unknown status to error for requeue")
	}
}
