/**
 * @description
 * PostgreSQL implementation of the `Repository` interface for the attestation
 * pipeline: sessions, signature requests, attestations, ledger transactions
 * and verification results. Credit-ledger and payment queries live in
 * postgres_repository_credit.go and postgres_repository_payments.go.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careloop/attestation-service/internal/domain"
)

var (
	ErrSessionNotFound           = errors.New("session not found")
	ErrSignatureRequestNotFound  = errors.New("signature request not found")
	ErrAttestationNotFound       = errors.New("attestation not found")
	ErrLedgerTransactionNotFound = errors.New("ledger transaction not found")
	ErrVerificationNotFound      = errors.New("verification result not found")
	ErrAccountNotFound           = errors.New("credit account not found")
	ErrCreditTransactionNotFound = errors.New("credit transaction not found")
	ErrRateNotFound              = errors.New("no rate schedule entry in effect")
	ErrPaymentNotFound           = errors.New("external payment not found")
	ErrDisbursementNotFound      = errors.New("disbursement not found")
	ErrTransferNotFound          = errors.New("disbursement transfer not found")
	ErrStaleStatus               = errors.New("record status changed concurrently")
)

// PostgresRepository is a concrete implementation of the Repository interface
// for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const sessionColumns = `id, helper_id, recipient_id, task_type, status,
	scheduled_at, checked_in_at, checked_out_at, latitude, longitude,
	cancel_reason, created_at, updated_at`

func scanSession(row pgx.Row) (*domain.Session, error) {
	var s domain.Session
	err := row.Scan(&s.ID, &s.HelperID, &s.RecipientID, &s.TaskType, &s.Status,
		&s.ScheduledAt, &s.CheckedInAt, &s.CheckedOutAt, &s.Latitude, &s.Longitude,
		&s.CancelReason, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// CreateSession inserts a new session in the `requested` state.
func (r *PostgresRepository) CreateSession(ctx context.Context, s *domain.Session) error {
	query := `
		INSERT INTO sessions (id, helper_id, recipient_id, task_type, status, scheduled_at, latitude, longitude)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`
	return r.db.QueryRow(ctx, query,
		s.ID, s.HelperID, s.RecipientID, s.TaskType, s.Status, s.ScheduledAt,
		s.Latitude, s.Longitude,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
}

// GetSessionByID retrieves one session.
func (r *PostgresRepository) GetSessionByID(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return scanSession(r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

// UpdateSession persists a state transition. The WHERE clause re-checks that
// the session is not terminal so concurrent transitions cannot clobber a
// completed or cancelled row.
func (r *PostgresRepository) UpdateSession(ctx context.Context, id uuid.UUID, params SessionUpdateParams) error {
	query := `
		UPDATE sessions
		SET status = $2,
			scheduled_at = COALESCE($3, scheduled_at),
			checked_in_at = COALESCE($4, checked_in_at),
			checked_out_at = COALESCE($5, checked_out_at),
			cancel_reason = COALESCE($6, cancel_reason),
			updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'cancelled', 'expired')`
	tag, err := r.db.Exec(ctx, query, id, params.Status,
		params.ScheduledAt, params.CheckedInAt, params.CheckedOutAt, params.CancelReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// ListSessionsByParty returns sessions where the party is either side of the
// encounter, bounded by creation time.
func (r *PostgresRepository) ListSessionsByParty(ctx context.Context, partyID uuid.UUID, from, to time.Time) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE (helper_id = $1 OR recipient_id = $1) AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, partyID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// FindStaleRequestedSessions returns requested sessions older than the cutoff,
// for the expiry sweep.
func (r *PostgresRepository) FindStaleRequestedSessions(ctx context.Context, requestedBefore time.Time, limit int) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE status = 'requested' AND created_at < $1
		ORDER BY created_at LIMIT $2`
	rows, err := r.db.Query(ctx, query, requestedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

const signatureRequestColumns = `id, session_id, content_hash, helper_signature,
	recipient_signature, helper_signed_at, recipient_signed_at, status,
	expires_at, created_at, updated_at`

func scanSignatureRequest(row pgx.Row) (*domain.SignatureRequest, error) {
	var sr domain.SignatureRequest
	err := row.Scan(&sr.ID, &sr.SessionID, &sr.ContentHash, &sr.HelperSignature,
		&sr.RecipientSignature, &sr.HelperSignedAt, &sr.RecipientSignedAt,
		&sr.Status, &sr.ExpiresAt, &sr.CreatedAt, &sr.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSignatureRequestNotFound
		}
		return nil, err
	}
	return &sr, nil
}

// CreateSignatureRequest inserts a new pending dual-signature request.
func (r *PostgresRepository) CreateSignatureRequest(ctx context.Context, sr *domain.SignatureRequest) error {
	query := `
		INSERT INTO signature_requests (id, session_id, content_hash, status, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`
	return r.db.QueryRow(ctx, query, sr.ID, sr.SessionID, sr.ContentHash, sr.Status, sr.ExpiresAt).
		Scan(&sr.CreatedAt, &sr.UpdatedAt)
}

// GetSignatureRequestByID retrieves one signature request.
func (r *PostgresRepository) GetSignatureRequestByID(ctx context.Context, id uuid.UUID) (*domain.SignatureRequest, error) {
	return scanSignatureRequest(r.db.QueryRow(ctx,
		`SELECT `+signatureRequestColumns+` FROM signature_requests WHERE id = $1`, id))
}

// GetSignatureRequestBySessionID retrieves the request for a session.
func (r *PostgresRepository) GetSignatureRequestBySessionID(ctx context.Context, sessionID uuid.UUID) (*domain.SignatureRequest, error) {
	return scanSignatureRequest(r.db.QueryRow(ctx,
		`SELECT `+signatureRequestColumns+` FROM signature_requests WHERE session_id = $1`, sessionID))
}

// FillSignatureSlot writes one party's verified signature. The WHERE clause
// enforces replay protection: the slot must be empty and the request pending.
func (r *PostgresRepository) FillSignatureSlot(ctx context.Context, id uuid.UUID, helper bool, signature string, signedAt time.Time) error {
	var query string
	if helper {
		query = `UPDATE signature_requests
			SET helper_signature = $2, helper_signed_at = $3, updated_at = now()
			WHERE id = $1 AND status = 'pending' AND helper_signature IS NULL`
	} else {
		query = `UPDATE signature_requests
			SET recipient_signature = $2, recipient_signed_at = $3, updated_at = now()
			WHERE id = $1 AND status = 'pending' AND recipient_signature IS NULL`
	}
	tag, err := r.db.Exec(ctx, query, id, signature, signedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// UpdateSignatureRequestStatus advances a request's status with a
// compare-and-swap on the previous status.
func (r *PostgresRepository) UpdateSignatureRequestStatus(ctx context.Context, id uuid.UUID, from, to domain.SignatureStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE signature_requests SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// FindExpiredPendingSignatureRequests returns pending requests whose window
// elapsed before now.
func (r *PostgresRepository) FindExpiredPendingSignatureRequests(ctx context.Context, now time.Time, limit int) ([]domain.SignatureRequest, error) {
	query := `SELECT ` + signatureRequestColumns + ` FROM signature_requests
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at LIMIT $2`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SignatureRequest
	for rows.Next() {
		sr, err := scanSignatureRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sr)
	}
	return out, rows.Err()
}

const attestationColumns = `id, session_id, helper_id_hash, recipient_id_hash,
	start_time, end_time, duration_minutes, location_hash, task_type,
	helper_signature, recipient_signature, content_hash, credit_amount, created_at`

func scanAttestation(row pgx.Row) (*domain.AttestationRecord, error) {
	var a domain.AttestationRecord
	err := row.Scan(&a.ID, &a.SessionID, &a.HelperIDHash, &a.RecipientIDHash,
		&a.StartTime, &a.EndTime, &a.DurationMinutes, &a.LocationHash, &a.TaskType,
		&a.HelperSignature, &a.RecipientSignature, &a.ContentHash, &a.CreditAmount,
		&a.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAttestationNotFound
		}
		return nil, err
	}
	return &a, nil
}

// CreateAttestation inserts the attestation for a session. Attestations are
// unique per session; a concurrent insert loses the race and the existing
// record is returned instead, making the builder idempotent.
func (r *PostgresRepository) CreateAttestation(ctx context.Context, a *domain.AttestationRecord) (*domain.AttestationRecord, error) {
	query := `
		INSERT INTO attestations (id, session_id, helper_id_hash, recipient_id_hash,
			start_time, end_time, duration_minutes, location_hash, task_type,
			helper_signature, recipient_signature, content_hash, credit_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (session_id) DO NOTHING
		RETURNING created_at`
	err := r.db.QueryRow(ctx, query, a.ID, a.SessionID, a.HelperIDHash, a.RecipientIDHash,
		a.StartTime, a.EndTime, a.DurationMinutes, a.LocationHash, a.TaskType,
		a.HelperSignature, a.RecipientSignature, a.ContentHash, a.CreditAmount,
	).Scan(&a.CreatedAt)
	if err == pgx.ErrNoRows {
		return r.GetAttestationBySessionID(ctx, a.SessionID)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetAttestationByID retrieves one attestation record.
func (r *PostgresRepository) GetAttestationByID(ctx context.Context, id uuid.UUID) (*domain.AttestationRecord, error) {
	return scanAttestation(r.db.QueryRow(ctx,
		`SELECT `+attestationColumns+` FROM attestations WHERE id = $1`, id))
}

// GetAttestationBySessionID retrieves the attestation for a session.
func (r *PostgresRepository) GetAttestationBySessionID(ctx context.Context, sessionID uuid.UUID) (*domain.AttestationRecord, error) {
	return scanAttestation(r.db.QueryRow(ctx,
		`SELECT `+attestationColumns+` FROM attestations WHERE session_id = $1`, sessionID))
}

const ledgerTxColumns = `id, attestation_id, external_tx_ref, confirmations,
	status, retry_count, next_attempt_at, failure_reason, created_at, updated_at`

func scanLedgerTransaction(row pgx.Row) (*domain.LedgerTransaction, error) {
	var lt domain.LedgerTransaction
	err := row.Scan(&lt.ID, &lt.AttestationID, &lt.ExternalTxRef, &lt.Confirmations,
		&lt.Status, &lt.RetryCount, &lt.NextAttemptAt, &lt.FailureReason,
		&lt.CreatedAt, &lt.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLedgerTransactionNotFound
		}
		return nil, err
	}
	return &lt, nil
}

// CreateLedgerTransaction inserts a pending submission record. One per
// attestation: a duplicate insert returns the existing record, which is the
// retry-race idempotency guarantee for submissions.
func (r *PostgresRepository) CreateLedgerTransaction(ctx context.Context, lt *domain.LedgerTransaction) (*domain.LedgerTransaction, error) {
	query := `
		INSERT INTO ledger_transactions (id, attestation_id, status, next_attempt_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (attestation_id) DO NOTHING
		RETURNING created_at, updated_at`
	err := r.db.QueryRow(ctx, query, lt.ID, lt.AttestationID, lt.Status, lt.NextAttemptAt).
		Scan(&lt.CreatedAt, &lt.UpdatedAt)
	if err == pgx.ErrNoRows {
		return r.GetLedgerTransactionByAttestationID(ctx, lt.AttestationID)
	}
	if err != nil {
		return nil, err
	}
	return lt, nil
}

// GetLedgerTransactionByAttestationID retrieves the submission record for an
// attestation.
func (r *PostgresRepository) GetLedgerTransactionByAttestationID(ctx context.Context, attestationID uuid.UUID) (*domain.LedgerTransaction, error) {
	return scanLedgerTransaction(r.db.QueryRow(ctx,
		`SELECT `+ledgerTxColumns+` FROM ledger_transactions WHERE attestation_id = $1`, attestationID))
}

// ClaimDueLedgerSubmissions returns pending submissions that have no external
// reference yet and are due for an attempt. SKIP LOCKED lets a pool of
// workers claim disjoint batches.
func (r *PostgresRepository) ClaimDueLedgerSubmissions(ctx context.Context, now time.Time, limit int) ([]domain.LedgerTransaction, error) {
	query := `SELECT ` + ledgerTxColumns + ` FROM ledger_transactions
		WHERE status = 'pending' AND external_tx_ref IS NULL AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerTransaction
	for rows.Next() {
		lt, err := scanLedgerTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *lt)
	}
	return out, rows.Err()
}

// RecordLedgerSubmissionResult persists the outcome of one submission attempt.
func (r *PostgresRepository) RecordLedgerSubmissionResult(ctx context.Context, id uuid.UUID, params LedgerSubmissionResultParams) error {
	query := `
		UPDATE ledger_transactions
		SET external_tx_ref = COALESCE($2, external_tx_ref),
			retry_count = $3,
			next_attempt_at = $4,
			status = $5,
			failure_reason = $6,
			updated_at = now()
		WHERE id = $1 AND status = 'pending'`
	tag, err := r.db.Exec(ctx, query, id, params.ExternalTxRef, params.RetryCount,
		params.NextAttemptAt, params.Status, params.FailureReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// ListUnconfirmedLedgerTransactions returns submitted-but-unconfirmed records
// for the confirmation poller.
func (r *PostgresRepository) ListUnconfirmedLedgerTransactions(ctx context.Context, limit int) ([]domain.LedgerTransaction, error) {
	query := `SELECT ` + ledgerTxColumns + ` FROM ledger_transactions
		WHERE status = 'pending' AND external_tx_ref IS NOT NULL
		ORDER BY updated_at LIMIT $1`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerTransaction
	for rows.Next() {
		lt, err := scanLedgerTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *lt)
	}
	return out, rows.Err()
}

// UpdateLedgerConfirmations stores the latest observed confirmation count.
// Counts never go backwards.
func (r *PostgresRepository) UpdateLedgerConfirmations(ctx context.Context, id uuid.UUID, confirmations int) error {
	_, err := r.db.Exec(ctx,
		`UPDATE ledger_transactions
		SET confirmations = GREATEST(confirmations, $2), updated_at = now()
		WHERE id = $1`, id, confirmations)
	return err
}

// AdvanceLedgerTransactionStatus moves a submission status forward with a
// compare-and-swap; terminal states never change again.
func (r *PostgresRepository) AdvanceLedgerTransactionStatus(ctx context.Context, id uuid.UUID, from, to domain.LedgerTxStatus) error {
	if !from.CanAdvance(to) {
		return ErrStaleStatus
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE ledger_transactions SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// ListLedgerTransactions returns submissions created inside a window, for
// the audit export surface.
func (r *PostgresRepository) ListLedgerTransactions(ctx context.Context, from, to time.Time) ([]domain.LedgerTransaction, error) {
	query := `SELECT ` + ledgerTxColumns + ` FROM ledger_transactions
		WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at`
	rows, err := r.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerTransaction
	for rows.Next() {
		lt, err := scanLedgerTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *lt)
	}
	return out, rows.Err()
}

// UpsertVerificationResult stores the verification outcome for an
// attestation, replacing any previous computation.
func (r *PostgresRepository) UpsertVerificationResult(ctx context.Context, v *domain.VerificationResult) error {
	query := `
		INSERT INTO verification_results (id, attestation_id, integrity_check, signatures_valid, credit_eligible, confirmations, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (attestation_id) DO UPDATE
		SET integrity_check = EXCLUDED.integrity_check,
			signatures_valid = EXCLUDED.signatures_valid,
			credit_eligible = EXCLUDED.credit_eligible,
			confirmations = EXCLUDED.confirmations,
			verified_at = EXCLUDED.verified_at`
	_, err := r.db.Exec(ctx, query, v.ID, v.AttestationID, v.IntegrityCheck,
		v.SignaturesValid, v.CreditEligible, v.Confirmations, v.VerifiedAt)
	return err
}

// GetVerificationResultByAttestationID retrieves one verification result.
func (r *PostgresRepository) GetVerificationResultByAttestationID(ctx context.Context, attestationID uuid.UUID) (*domain.VerificationResult, error) {
	var v domain.VerificationResult
	err := r.db.QueryRow(ctx,
		`SELECT id, attestation_id, integrity_check, signatures_valid, credit_eligible, confirmations, verified_at
		FROM verification_results WHERE attestation_id = $1`, attestationID,
	).Scan(&v.ID, &v.AttestationID, &v.IntegrityCheck, &v.SignaturesValid,
		&v.CreditEligible, &v.Confirmations, &v.VerifiedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrVerificationNotFound
		}
		return nil, err
	}
	return &v, nil
}

// ListVerificationResults returns results computed inside a window, for the
// audit export surface.
func (r *PostgresRepository) ListVerificationResults(ctx context.Context, from, to time.Time) ([]domain.VerificationResult, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, attestation_id, integrity_check, signatures_valid, credit_eligible, confirmations, verified_at
		FROM verification_results WHERE verified_at >= $1 AND verified_at < $2 ORDER BY verified_at`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.VerificationResult
	for rows.Next() {
		var v domain.VerificationResult
		if err := rows.Scan(&v.ID, &v.AttestationID, &v.IntegrityCheck,
			&v.SignaturesValid, &v.CreditEligible, &v.Confirmations, &v.VerifiedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
