/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the attestation-service. Defining
 * an interface decouples the business logic from the PostgreSQL implementation
 * and lets tests substitute lightweight stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/careloop/attestation-service/internal/domain"
)

// VerifiedHours is one beneficiary's attested, credit-eligible minutes inside
// a payment period.
type VerifiedHours struct {
	HelperID uuid.UUID
	Minutes  int64
}

// SessionUpdateParams carries the mutable session fields written during a
// state transition.
type SessionUpdateParams struct {
	Status       domain.SessionStatus
	ScheduledAt  *time.Time
	CheckedInAt  *time.Time
	CheckedOutAt *time.Time
	CancelReason *string
}

// LedgerSubmissionResultParams records the outcome of one submission attempt.
type LedgerSubmissionResultParams struct {
	ExternalTxRef *string
	RetryCount    int
	NextAttemptAt time.Time
	Status        domain.LedgerTxStatus
	FailureReason *string
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Session methods
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSessionByID(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	UpdateSession(ctx context.Context, id uuid.UUID, params SessionUpdateParams) error
	ListSessionsByParty(ctx context.Context, partyID uuid.UUID, from, to time.Time) ([]domain.Session, error)
	FindStaleRequestedSessions(ctx context.Context, requestedBefore time.Time, limit int) ([]domain.Session, error)

	// Signature request methods
	CreateSignatureRequest(ctx context.Context, r *domain.SignatureRequest) error
	GetSignatureRequestByID(ctx context.Context, id uuid.UUID) (*domain.SignatureRequest, error)
	GetSignatureRequestBySessionID(ctx context.Context, sessionID uuid.UUID) (*domain.SignatureRequest, error)
	FillSignatureSlot(ctx context.Context, id uuid.UUID, helper bool, signature string, signedAt time.Time) error
	UpdateSignatureRequestStatus(ctx context.Context, id uuid.UUID, from, to domain.SignatureStatus) error
	FindExpiredPendingSignatureRequests(ctx context.Context, now time.Time, limit int) ([]domain.SignatureRequest, error)

	// Attestation methods
	CreateAttestation(ctx context.Context, a *domain.AttestationRecord) (*domain.AttestationRecord, error)
	GetAttestationByID(ctx context.Context, id uuid.UUID) (*domain.AttestationRecord, error)
	GetAttestationBySessionID(ctx context.Context, sessionID uuid.UUID) (*domain.AttestationRecord, error)

	// Ledger transaction methods
	CreateLedgerTransaction(ctx context.Context, tx *domain.LedgerTransaction) (*domain.LedgerTransaction, error)
	GetLedgerTransactionByAttestationID(ctx context.Context, attestationID uuid.UUID) (*domain.LedgerTransaction, error)
	ClaimDueLedgerSubmissions(ctx context.Context, now time.Time, limit int) ([]domain.LedgerTransaction, error)
	RecordLedgerSubmissionResult(ctx context.Context, id uuid.UUID, params LedgerSubmissionResultParams) error
	ListUnconfirmedLedgerTransactions(ctx context.Context, limit int) ([]domain.LedgerTransaction, error)
	UpdateLedgerConfirmations(ctx context.Context, id uuid.UUID, confirmations int) error
	AdvanceLedgerTransactionStatus(ctx context.Context, id uuid.UUID, from, to domain.LedgerTxStatus) error
	ListLedgerTransactions(ctx context.Context, from, to time.Time) ([]domain.LedgerTransaction, error)

	// Verification methods
	UpsertVerificationResult(ctx context.Context, v *domain.VerificationResult) error
	GetVerificationResultByAttestationID(ctx context.Context, attestationID uuid.UUID) (*domain.VerificationResult, error)
	ListVerificationResults(ctx context.Context, from, to time.Time) ([]domain.VerificationResult, error)

	// Credit account and transaction methods
	GetOrCreateAccountByOwnerID(ctx context.Context, ownerID uuid.UUID) (*domain.CreditAccount, error)
	GetAccountByID(ctx context.Context, id uuid.UUID) (*domain.CreditAccount, error)
	GetAccountByOwnerID(ctx context.Context, ownerID uuid.UUID) (*domain.CreditAccount, error)
	CreateCreditTransaction(ctx context.Context, tx *domain.CreditTransaction) (*domain.CreditTransaction, error)
	GetCreditTransactionByID(ctx context.Context, id uuid.UUID) (*domain.CreditTransaction, error)
	GetCreditTransactionBySource(ctx context.Context, sourceType string, sourceRef uuid.UUID, txType domain.CreditTxType) (*domain.CreditTransaction, error)
	AdvanceCreditTransactionStatus(ctx context.Context, id uuid.UUID, from, to domain.CreditTxStatus) error
	ListCreditTransactionsByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.CreditTransaction, error)
	RecomputeAccountBalances(ctx context.Context, accountID uuid.UUID) (*domain.CreditAccount, error)

	// Rate schedule methods
	CreateRateScheduleEntry(ctx context.Context, e *domain.RateScheduleEntry) error
	ResolveHourlyRate(ctx context.Context, taskType domain.TaskType, at time.Time) (int64, error)

	// External payment and allocation methods
	CreateExternalPayment(ctx context.Context, p *domain.ExternalPayment) error
	GetExternalPaymentByID(ctx context.Context, id uuid.UUID) (*domain.ExternalPayment, error)
	AdvanceExternalPaymentStatus(ctx context.Context, id uuid.UUID, from, to domain.PaymentStatus, residual int64) error
	CreatePaymentAllocation(ctx context.Context, a *domain.PaymentAllocation) (*domain.PaymentAllocation, bool, error)
	ListAllocationsByPayment(ctx context.Context, paymentID uuid.UUID) ([]domain.PaymentAllocation, error)
	ListVerifiedHoursInPeriod(ctx context.Context, from, to time.Time) ([]VerifiedHours, error)

	// Disbursement methods
	CreateDisbursementWithTransfers(ctx context.Context, d *domain.Disbursement, transfers []domain.DisbursementTransfer) error
	GetDisbursementByID(ctx context.Context, id uuid.UUID) (*domain.Disbursement, error)
	AdvanceDisbursementStatus(ctx context.Context, id uuid.UUID, from, to domain.DisbursementStatus, failureReason *string) error
	ScheduleDisbursementRetry(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, failureReason string) error
	ListDueDisbursementRetries(ctx context.Context, now time.Time, limit int) ([]domain.Disbursement, error)
	ListTransfersByDisbursement(ctx context.Context, disbursementID uuid.UUID) ([]domain.DisbursementTransfer, error)
	GetTransferByIdempotencyToken(ctx context.Context, token string) (*domain.DisbursementTransfer, error)
	UpdateTransferStatus(ctx context.Context, id uuid.UUID, status domain.TransferStatus, externalRef, failureReason *string) error
	CountUnconfirmedTransfers(ctx context.Context, disbursementID uuid.UUID) (int, error)

	// Admin flag methods
	CreateAdminFlag(ctx context.Context, f *domain.AdminFlag) error
	ListUnresolvedAdminFlags(ctx context.Context, limit int) ([]domain.AdminFlag, error)
}
