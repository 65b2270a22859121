package app

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/careloop/attestation-service/internal/domain"
	"github.com/careloop/attestation-service/internal/hashing"
	"github.com/careloop/attestation-service/internal/store"
)

type ledgerWorkerRepoStub struct {
	store.Repository

	due         []domain.LedgerTransaction
	unconfirmed []domain.LedgerTransaction
	attestation *domain.AttestationRecord
	session     *domain.Session
	staleCAS    bool

	results          map[uuid.UUID]store.LedgerSubmissionResultParams
	confirmations    map[uuid.UUID]int
	verification     *domain.VerificationResult
	creditTx         *domain.CreditTransaction
	creditTxOpenedAs domain.CreditTxStatus
	flags            []domain.AdminFlag
	account          *domain.CreditAccount
}

func (s *ledgerWorkerRepoStub) ClaimDueLedgerSubmissions(ctx context.Context, now time.Time, limit int) ([]domain.LedgerTransaction, error) {
	return s.due, nil
}

func (s *ledgerWorkerRepoStub) ListUnconfirmedLedgerTransactions(ctx context.Context, limit int) ([]domain.LedgerTransaction, error) {
	return s.unconfirmed, nil
}

func (s *ledgerWorkerRepoStub) GetAttestationByID(ctx context.Context, id uuid.UUID) (*domain.AttestationRecord, error) {
	if s.attestation == nil || s.attestation.ID != id {
		return nil, store.ErrAttestationNotFound
	}
	return s.attestation, nil
}

func (s *ledgerWorkerRepoStub) GetSessionByID(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	if s.session == nil || s.session.ID != id {
		return nil, store.ErrSessionNotFound
	}
	return s.session, nil
}

func (s *ledgerWorkerRepoStub) RecordLedgerSubmissionResult(ctx context.Context, id uuid.UUID, params store.LedgerSubmissionResultParams) error {
	if s.results == nil {
		s.results = make(map[uuid.UUID]store.LedgerSubmissionResultParams)
	}
	s.results[id] = params
	return nil
}

func (s *ledgerWorkerRepoStub) UpdateLedgerConfirmations(ctx context.Context, id uuid.UUID, confirmations int) error {
	if s.confirmations == nil {
		s.confirmations = make(map[uuid.UUID]int)
	}
	s.confirmations[id] = confirmations
	return nil
}

func (s *ledgerWorkerRepoStub) AdvanceLedgerTransactionStatus(ctx context.Context, id uuid.UUID, from, to domain.LedgerTxStatus) error {
	if s.staleCAS {
		return store.ErrStaleStatus
	}
	return nil
}

func (s *ledgerWorkerRepoStub) UpsertVerificationResult(ctx context.Context, v *domain.VerificationResult) error {
	s.verification = v
	return nil
}

func (s *ledgerWorkerRepoStub) GetOrCreateAccountByOwnerID(ctx context.Context, ownerID uuid.UUID) (*domain.CreditAccount, error) {
	if s.account == nil {
		s.account = &domain.CreditAccount{ID: uuid.New(), OwnerID: ownerID}
	}
	return s.account, nil
}

func (s *ledgerWorkerRepoStub) CreateCreditTransaction(ctx context.Context, tx *domain.CreditTransaction) (*domain.CreditTransaction, error) {
	s.creditTx = tx
	s.creditTxOpenedAs = tx.Status
	return tx, nil
}

func (s *ledgerWorkerRepoStub) AdvanceCreditTransactionStatus(ctx context.Context, id uuid.UUID, from, to domain.CreditTxStatus) error {
	if s.creditTx == nil || s.creditTx.ID != id || s.creditTx.Status != from {
		return store.ErrStaleStatus
	}
	s.creditTx.Status = to
	return nil
}

func (s *ledgerWorkerRepoStub) RecomputeAccountBalances(ctx context.Context, accountID uuid.UUID) (*domain.CreditAccount, error) {
	return s.account, nil
}

func (s *ledgerWorkerRepoStub) CreateAdminFlag(ctx context.Context, f *domain.AdminFlag) error {
	s.flags = append(s.flags, *f)
	return nil
}

// intactAttestation builds a record whose content hash re-derives from its
// stored facts, so the integrity check passes. Signature slots start empty;
// tests that exercise signature re-verification fill them with signRecord.
func intactAttestation(session *domain.Session) *domain.AttestationRecord {
	record := &domain.AttestationRecord{
		ID:              uuid.New(),
		SessionID:       session.ID,
		HelperIDHash:    "helper-hash",
		RecipientIDHash: "recipient-hash",
		StartTime:       testEpoch.Add(-45 * time.Minute),
		EndTime:         testEpoch,
		DurationMinutes: 45,
		LocationHash:    "location-hash",
		TaskType:        domain.TaskCompanionship,
		CreditAmount:    900,
	}
	record.ContentHash = hashing.ContentHash(hashing.SessionFacts{
		SessionID:       record.SessionID,
		HelperIDHash:    record.HelperIDHash,
		RecipientIDHash: record.RecipientIDHash,
		StartTime:       record.StartTime,
		EndTime:         record.EndTime,
		LocationHash:    record.LocationHash,
		TaskType:        string(record.TaskType),
	})
	return record
}

// signRecord registers fresh signing keys for both parties and fills the
// record's slots with valid signatures over its content hash.
func signRecord(t *testing.T, record *domain.AttestationRecord, session *domain.Session, identity *identityStub) {
	t.Helper()
	parties := []struct {
		id   uuid.UUID
		slot *string
	}{
		{session.HelperID, &record.HelperSignature},
		{session.RecipientID, &record.RecipientSignature},
	}
	for _, p := range parties {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("failed to generate signing key: %v", err)
		}
		identity.keys[p.id.String()] = pub
		*p.slot = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(record.ContentHash)))
	}
}

func TestSubmitDueLedgerTransactions_RecordsExternalRef(t *testing.T) {
	session := &domain.Session{ID: uuid.New(), HelperID: uuid.New()}
	record := intactAttestation(session)
	tx := domain.LedgerTransaction{ID: uuid.New(), AttestationID: record.ID, Status: domain.LedgerTxPending}
	repo := &ledgerWorkerRepoStub{due: []domain.LedgerTransaction{tx}, attestation: record, session: session}
	svc, _, ledger, _, _ := newTestService(repo)
	ledger.submitRef = "ltx_abc123"

	if err := svc.SubmitDueLedgerTransactions(context.Background()); err != nil {
		t.Fatalf("expected submission run to succeed, got %v", err)
	}
	result, ok := repo.results[tx.ID]
	if !ok {
		t.Fatal("expected a submission result to be recorded")
	}
	if result.ExternalTxRef == nil || *result.ExternalTxRef != "ltx_abc123" {
		t.Fatalf("expected external ref ltx_abc123, got %v", result.ExternalTxRef)
	}
	if result.Status != domain.LedgerTxPending {
		t.Fatalf("expected transaction to stay pending until confirmed, got %s", result.Status)
	}
}

func TestSubmitFailure_ReschedulesWithExponentialBackoff(t *testing.T) {
	session := &domain.Session{ID: uuid.New(), HelperID: uuid.New()}
	record := intactAttestation(session)
	repo := &ledgerWorkerRepoStub{attestation: record, session: session}
	svc, _, ledger, _, _ := newTestService(repo)
	ledger.submitErr = errors.New("ledger unavailable")

	tests := []struct {
		retryCount  int
		wantBackoff time.Duration
	}{
		{retryCount: 0, wantBackoff: 2 * time.Second},
		{retryCount: 1, wantBackoff: 4 * time.Second},
		{retryCount: 3, wantBackoff: 16 * time.Second},
	}
	for _, tt := range tests {
		tx := domain.LedgerTransaction{ID: uuid.New(), AttestationID: record.ID, Status: domain.LedgerTxPending, RetryCount: tt.retryCount}
		svc.submitOne(context.Background(), &tx)

		result := repo.results[tx.ID]
		if result.RetryCount != tt.retryCount+1 {
			t.Fatalf("retry %d: expected retry count %d, got %d", tt.retryCount, tt.retryCount+1, result.RetryCount)
		}
		if want := testEpoch.Add(tt.wantBackoff); !result.NextAttemptAt.Equal(want) {
			t.Fatalf("retry %d: expected next attempt at %s, got %s", tt.retryCount, want, result.NextAttemptAt)
		}
		if result.Status != domain.LedgerTxPending {
			t.Fatalf("retry %d: expected pending, got %s", tt.retryCount, result.Status)
		}
	}
}

func TestSubmitFailure_ExhaustionFailsAndFlags(t *testing.T) {
	session := &domain.Session{ID: uuid.New(), HelperID: uuid.New()}
	record := intactAttestation(session)
	repo := &ledgerWorkerRepoStub{attestation: record, session: session}
	svc, _, ledger, _, _ := newTestService(repo)
	ledger.submitErr = errors.New("ledger unavailable")

	tx := domain.LedgerTransaction{ID: uuid.New(), AttestationID: record.ID, Status: domain.LedgerTxPending, RetryCount: 5}
	svc.submitOne(context.Background(), &tx)

	result := repo.results[tx.ID]
	if result.Status != domain.LedgerTxFailed {
		t.Fatalf("expected failed after exhausting retries, got %s", result.Status)
	}
	if result.FailureReason == nil {
		t.Fatal("expected a failure reason to be recorded")
	}
	if len(repo.flags) != 1 || repo.flags[0].Kind != domain.FlagSubmissionExhausted {
		t.Fatalf("expected one submission_exhausted flag, got %+v", repo.flags)
	}
}

func TestPollConfirmations_ThresholdGrantsCreditAndPublishes(t *testing.T) {
	session := &domain.Session{ID: uuid.New(), HelperID: uuid.New(), RecipientID: uuid.New()}
	record := intactAttestation(session)
	ref := "ltx_confirmed"
	tx := domain.LedgerTransaction{ID: uuid.New(), AttestationID: record.ID, ExternalTxRef: &ref, Status: domain.LedgerTxPending}
	repo := &ledgerWorkerRepoStub{unconfirmed: []domain.LedgerTransaction{tx}, attestation: record, session: session}
	svc, producer, ledger, _, identity := newTestService(repo)
	signRecord(t, record, session, identity)
	ledger.confirmations[ref] = 3

	if err := svc.PollConfirmations(context.Background()); err != nil {
		t.Fatalf("expected poll to succeed, got %v", err)
	}

	if got := repo.confirmations[tx.ID]; got != 3 {
		t.Fatalf("expected confirmation count 3 to be persisted, got %d", got)
	}
	v := repo.verification
	if v == nil {
		t.Fatal("expected a verification result")
	}
	if !v.IntegrityCheck || !v.SignaturesValid || !v.CreditEligible {
		t.Fatalf("expected fully eligible verification, got %+v", v)
	}
	if repo.creditTx == nil || repo.creditTx.Type != domain.CreditEarned {
		t.Fatalf("expected an earned credit transaction, got %+v", repo.creditTx)
	}
	if repo.creditTxOpenedAs != domain.CreditTxPending {
		t.Fatalf("expected the grant to open pending, got %s", repo.creditTxOpenedAs)
	}
	if repo.creditTx.Amount != 900 || repo.creditTx.Status != domain.CreditTxCompleted {
		t.Fatalf("expected the 900-cent grant to finish completed, got %+v", repo.creditTx)
	}
	if repo.creditTx.SourceRef != record.ID {
		t.Fatal("expected the grant to reference its attestation")
	}

	if len(producer.published) != 1 {
		t.Fatalf("expected one published event, got %d", len(producer.published))
	}
	if producer.published[0].RoutingKey != "attestation.confirmed" {
		t.Fatalf("expected attestation.confirmed routing key, got %s", producer.published[0].RoutingKey)
	}
}

func TestPollConfirmations_BelowThresholdWaits(t *testing.T) {
	session := &domain.Session{ID: uuid.New(), HelperID: uuid.New()}
	record := intactAttestation(session)
	ref := "ltx_partial"
	tx := domain.LedgerTransaction{ID: uuid.New(), AttestationID: record.ID, ExternalTxRef: &ref, Status: domain.LedgerTxPending}
	repo := &ledgerWorkerRepoStub{unconfirmed: []domain.LedgerTransaction{tx}, attestation: record, session: session}
	svc, producer, ledger, _, _ := newTestService(repo)
	ledger.confirmations[ref] = 2

	if err := svc.PollConfirmations(context.Background()); err != nil {
		t.Fatalf("expected poll to succeed, got %v", err)
	}
	if repo.verification != nil {
		t.Fatal("expected no verification below the confirmation threshold")
	}
	if repo.creditTx != nil {
		t.Fatal("expected no credit grant below the confirmation threshold")
	}
	if len(producer.published) != 0 {
		t.Fatal("expected no event below the confirmation threshold")
	}
}

func TestFinaliseConfirmed_SkipsWhenAnotherWorkerWon(t *testing.T) {
	session := &domain.Session{ID: uuid.New(), HelperID: uuid.New()}
	record := intactAttestation(session)
	ref := "ltx_race"
	tx := domain.LedgerTransaction{ID: uuid.New(), AttestationID: record.ID, ExternalTxRef: &ref, Confirmations: 3, Status: domain.LedgerTxPending}
	repo := &ledgerWorkerRepoStub{attestation: record, session: session, staleCAS: true}
	svc, producer, _, _, _ := newTestService(repo)

	if err := svc.finaliseConfirmed(context.Background(), &tx); err != nil {
		t.Fatalf("expected lost CAS race to be a no-op, got %v", err)
	}
	if repo.creditTx != nil || len(producer.published) != 0 {
		t.Fatal("expected no side effects after losing the finalisation race")
	}
}

func TestComputeVerification_MissingSignatureBlocksEligibility(t *testing.T) {
	session := &domain.Session{ID: uuid.New(), HelperID: uuid.New(), RecipientID: uuid.New()}
	record := intactAttestation(session)
	ref := "ltx_one_sig"
	tx := domain.LedgerTransaction{ID: uuid.New(), AttestationID: record.ID, ExternalTxRef: &ref, Confirmations: 3, Status: domain.LedgerTxConfirmed}
	repo := &ledgerWorkerRepoStub{attestation: record, session: session}
	svc, _, _, _, identity := newTestService(repo)
	signRecord(t, record, session, identity)
	record.RecipientSignature = ""

	result, err := svc.computeVerification(context.Background(), record, &tx)
	if err != nil {
		t.Fatalf("expected verification to compute, got %v", err)
	}
	if result.SignaturesValid {
		t.Fatal("expected signatures check to fail with one slot empty")
	}
	if result.CreditEligible {
		t.Fatal("expected eligibility to require both signatures")
	}
	if !result.IntegrityCheck {
		t.Fatal("expected the integrity check alone to still pass")
	}
}

func TestPollConfirmations_ForgedSignaturesNeverGrantCredit(t *testing.T) {
	session := &domain.Session{ID: uuid.New(), HelperID: uuid.New(), RecipientID: uuid.New()}
	record := intactAttestation(session)
	ref := "ltx_forged"
	tx := domain.LedgerTransaction{ID: uuid.New(), AttestationID: record.ID, ExternalTxRef: &ref, Status: domain.LedgerTxPending}
	repo := &ledgerWorkerRepoStub{unconfirmed: []domain.LedgerTransaction{tx}, attestation: record, session: session}
	svc, producer, ledger, _, identity := newTestService(repo)
	signRecord(t, record, session, identity)
	// Well-formed base64 of the right length, but not signatures of anything.
	forged := base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize))
	record.HelperSignature = forged
	record.RecipientSignature = forged
	ledger.confirmations[ref] = 3

	if err := svc.PollConfirmations(context.Background()); err != nil {
		t.Fatalf("expected poll to succeed, got %v", err)
	}
	v := repo.verification
	if v == nil {
		t.Fatal("expected a verification result")
	}
	if v.SignaturesValid {
		t.Fatal("expected forged signature blobs to fail re-verification")
	}
	if v.CreditEligible {
		t.Fatal("expected a forged record to be credit-ineligible")
	}
	if !v.IntegrityCheck {
		t.Fatal("expected intact facts to still pass the integrity check")
	}
	if repo.creditTx != nil {
		t.Fatalf("expected no credit grant for forged signatures, got %+v", repo.creditTx)
	}
	if len(producer.published) != 1 {
		t.Fatalf("expected the confirmation event to still publish, got %d", len(producer.published))
	}
}

func TestComputeVerification_TamperedRecordFlagsIntegrity(t *testing.T) {
	session := &domain.Session{ID: uuid.New(), HelperID: uuid.New()}
	record := intactAttestation(session)
	record.DurationMinutes = 46
	record.EndTime = record.EndTime.Add(time.Minute)
	ref := "ltx_tampered"
	tx := domain.LedgerTransaction{ID: uuid.New(), AttestationID: record.ID, ExternalTxRef: &ref, Confirmations: 3, Status: domain.LedgerTxConfirmed}
	repo := &ledgerWorkerRepoStub{attestation: record, session: session}
	svc, _, _, _, _ := newTestService(repo)

	result, err := svc.computeVerification(context.Background(), record, &tx)
	if err != nil {
		t.Fatalf("expected verification to compute, got %v", err)
	}
	if result.IntegrityCheck {
		t.Fatal("expected integrity check to fail for tampered facts")
	}
	if result.CreditEligible {
		t.Fatal("expected tampered record to be credit-ineligible")
	}
	if len(repo.flags) != 1 || repo.flags[0].Kind != domain.FlagIntegrityFailure {
		t.Fatalf("expected one integrity_failure flag, got %+v", repo.flags)
	}
}
