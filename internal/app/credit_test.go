package app

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/careloop/attestation-service/internal/domain"
	"github.com/careloop/attestation-service/internal/store"
)

type creditRepoStub struct {
	store.Repository

	mu      sync.Mutex
	account *domain.CreditAccount
	txs     []domain.CreditTransaction

	// inWrite tracks overlap between a transaction append and the balance
	// recompute that must follow it under the same account lock.
	inWrite  int32
	overlaps int32
}

func (s *creditRepoStub) GetOrCreateAccountByOwnerID(ctx context.Context, ownerID uuid.UUID) (*domain.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		s.account = &domain.CreditAccount{ID: uuid.New(), OwnerID: ownerID}
	}
	return s.account, nil
}

func (s *creditRepoStub) CreateCreditTransaction(ctx context.Context, tx *domain.CreditTransaction) (*domain.CreditTransaction, error) {
	if atomic.AddInt32(&s.inWrite, 1) != 1 {
		atomic.AddInt32(&s.overlaps, 1)
	}
	time.Sleep(time.Millisecond)
	s.mu.Lock()
	s.txs = append(s.txs, *tx)
	s.mu.Unlock()
	return tx, nil
}

func (s *creditRepoStub) RecomputeAccountBalances(ctx context.Context, accountID uuid.UUID) (*domain.CreditAccount, error) {
	s.mu.Lock()
	snap := domain.ComputeBalances(s.txs)
	s.account.LifetimeEarned = snap.LifetimeEarned
	s.account.LifetimeDisbursed = snap.LifetimeDisbursed
	s.account.Pending = snap.Pending
	s.account.CurrentBalance = snap.CurrentBalance
	s.mu.Unlock()
	atomic.AddInt32(&s.inWrite, -1)
	return s.account, nil
}

func (s *creditRepoStub) ListCreditTransactionsByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CreditTransaction, len(s.txs))
	copy(out, s.txs)
	return out, nil
}

func TestCreateAdjustment_Validation(t *testing.T) {
	repo := &creditRepoStub{}
	svc, _, _, _, _ := newTestService(repo)
	owner := uuid.New()

	if _, err := svc.CreateAdjustment(context.Background(), owner, domain.CreditEarned, 100, uuid.New(), "why", "ops"); err == nil {
		t.Fatal("expected earned type to be rejected as a manual correction")
	}
	if _, err := svc.CreateAdjustment(context.Background(), owner, domain.CreditAdjustment, 0, uuid.New(), "why", "ops"); err == nil {
		t.Fatal("expected non-positive amount to be rejected")
	}
	if _, err := svc.CreateAdjustment(context.Background(), owner, domain.CreditAdjustment, 100, uuid.New(), "", "ops"); err == nil {
		t.Fatal("expected missing justification to be rejected")
	}
	if _, err := svc.CreateAdjustment(context.Background(), owner, domain.CreditAdjustment, 100, uuid.New(), "why", ""); err == nil {
		t.Fatal("expected missing approver to be rejected")
	}

	tx, err := svc.CreateAdjustment(context.Background(), owner, domain.CreditAdjustment, 2500, uuid.New(), "missed session credit", "ops@careloop")
	if err != nil {
		t.Fatalf("expected valid adjustment to succeed, got %v", err)
	}
	if tx.Status != domain.CreditTxCompleted || tx.SourceType != "manual" {
		t.Fatalf("expected completed manual transaction, got %+v", tx)
	}
	if repo.account.CurrentBalance != 2500 {
		t.Fatalf("expected balance 2500 after adjustment, got %d", repo.account.CurrentBalance)
	}
}

func TestConcurrentAdjustments_SerializePerAccount(t *testing.T) {
	repo := &creditRepoStub{}
	svc, _, _, _, _ := newTestService(repo)
	owner := uuid.New()

	// Touch once so every goroutine sees the same account.
	if _, err := svc.GetAccountSummary(context.Background(), owner, 10); err != nil {
		t.Fatalf("failed to create account: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.CreateAdjustment(context.Background(), owner, domain.CreditAdjustment, 100, uuid.New(), "load test", "ops"); err != nil {
				t.Errorf("adjustment failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&repo.overlaps); n != 0 {
		t.Fatalf("expected writes to serialize under the account lock, saw %d overlaps", n)
	}
	if repo.account.CurrentBalance != workers*100 {
		t.Fatalf("expected balance %d, got %d", workers*100, repo.account.CurrentBalance)
	}
	if repo.account.LifetimeEarned != workers*100 {
		t.Fatalf("expected lifetime earned %d, got %d", workers*100, repo.account.LifetimeEarned)
	}
}

func TestGrantEarnedCredit_SkipsZeroAmount(t *testing.T) {
	repo := &creditRepoStub{}
	svc, _, _, _, _ := newTestService(repo)

	record := &domain.AttestationRecord{ID: uuid.New(), SessionID: uuid.New(), CreditAmount: 0}
	if err := svc.grantEarnedCredit(context.Background(), record); err != nil {
		t.Fatalf("expected zero-amount grant to be a no-op, got %v", err)
	}
	if len(repo.txs) != 0 {
		t.Fatal("expected no transaction for a zero grant")
	}
}

func TestCreateRateScheduleEntry_Validation(t *testing.T) {
	repo := &rateRepoStub{}
	svc, _, _, _, _ := newTestService(repo)

	if err := svc.CreateRateScheduleEntry(context.Background(), &domain.RateScheduleEntry{TaskType: "juggling", HourlyRate: 100}); err == nil {
		t.Fatal("expected unknown task type to be rejected")
	}
	if err := svc.CreateRateScheduleEntry(context.Background(), &domain.RateScheduleEntry{TaskType: domain.TaskCompanionship, HourlyRate: 0}); err == nil {
		t.Fatal("expected zero rate to be rejected")
	}
	entry := &domain.RateScheduleEntry{TaskType: domain.TaskCompanionship, HourlyRate: 1200, EffectiveDate: testEpoch}
	if err := svc.CreateRateScheduleEntry(context.Background(), entry); err != nil {
		t.Fatalf("expected valid entry to succeed, got %v", err)
	}
	if entry.ID == uuid.Nil {
		t.Fatal("expected an id to be assigned")
	}
}

type rateRepoStub struct {
	store.Repository
	entries []domain.RateScheduleEntry
}

func (s *rateRepoStub) CreateRateScheduleEntry(ctx context.Context, e *domain.RateScheduleEntry) error {
	s.entries = append(s.entries, *e)
	return nil
}
