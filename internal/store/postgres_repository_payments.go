/**
 * @description
 * PostgreSQL queries for external payments, proportional allocations,
 * disbursements with their per-category transfers, and admin flags.
 */

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/careloop/attestation-service/internal/domain"
)

// CreateExternalPayment registers a lump payment from a funder.
func (r *PostgresRepository) CreateExternalPayment(ctx context.Context, p *domain.ExternalPayment) error {
	query := `
		INSERT INTO external_payments (id, funder_ref, total_amount, period_start, period_end, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`
	return r.db.QueryRow(ctx, query, p.ID, p.FunderRef, p.TotalAmount,
		p.PeriodStart, p.PeriodEnd, p.Status,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

// GetExternalPaymentByID retrieves one external payment.
func (r *PostgresRepository) GetExternalPaymentByID(ctx context.Context, id uuid.UUID) (*domain.ExternalPayment, error) {
	var p domain.ExternalPayment
	err := r.db.QueryRow(ctx,
		`SELECT id, funder_ref, total_amount, period_start, period_end, status, residual, created_at, updated_at
		FROM external_payments WHERE id = $1`, id,
	).Scan(&p.ID, &p.FunderRef, &p.TotalAmount, &p.PeriodStart, &p.PeriodEnd,
		&p.Status, &p.Residual, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

// AdvanceExternalPaymentStatus moves a payment's status forward and records
// the rounding residual computed during allocation.
func (r *PostgresRepository) AdvanceExternalPaymentStatus(ctx context.Context, id uuid.UUID, from, to domain.PaymentStatus, residual int64) error {
	if !from.CanAdvance(to) {
		return ErrStaleStatus
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE external_payments SET status = $3, residual = $4, updated_at = now()
		WHERE id = $1 AND status = $2`, id, from, to, residual)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// CreatePaymentAllocation inserts one beneficiary's share of a payment. The
// (payment_id, account_id) uniqueness makes allocation runs idempotent; the
// bool reports whether this call inserted the row.
func (r *PostgresRepository) CreatePaymentAllocation(ctx context.Context, a *domain.PaymentAllocation) (*domain.PaymentAllocation, bool, error) {
	query := `
		INSERT INTO payment_allocations (id, payment_id, account_id, verified_minutes,
			hourly_rate, gross_amount, commission, net_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (payment_id, account_id) DO NOTHING
		RETURNING created_at`
	err := r.db.QueryRow(ctx, query, a.ID, a.PaymentID, a.AccountID,
		a.VerifiedMinutes, a.HourlyRate, a.GrossAmount, a.Commission, a.NetAmount,
	).Scan(&a.CreatedAt)
	if err == pgx.ErrNoRows {
		existing, getErr := r.getAllocation(ctx, a.PaymentID, a.AccountID)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

func (r *PostgresRepository) getAllocation(ctx context.Context, paymentID, accountID uuid.UUID) (*domain.PaymentAllocation, error) {
	var a domain.PaymentAllocation
	err := r.db.QueryRow(ctx,
		`SELECT id, payment_id, account_id, verified_minutes, hourly_rate, gross_amount, commission, net_amount, created_at
		FROM payment_allocations WHERE payment_id = $1 AND account_id = $2`,
		paymentID, accountID,
	).Scan(&a.ID, &a.PaymentID, &a.AccountID, &a.VerifiedMinutes, &a.HourlyRate,
		&a.GrossAmount, &a.Commission, &a.NetAmount, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAllocationsByPayment returns every allocation of a payment.
func (r *PostgresRepository) ListAllocationsByPayment(ctx context.Context, paymentID uuid.UUID) ([]domain.PaymentAllocation, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, payment_id, account_id, verified_minutes, hourly_rate, gross_amount, commission, net_amount, created_at
		FROM payment_allocations WHERE payment_id = $1 ORDER BY created_at`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PaymentAllocation
	for rows.Next() {
		var a domain.PaymentAllocation
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.AccountID, &a.VerifiedMinutes,
			&a.HourlyRate, &a.GrossAmount, &a.Commission, &a.NetAmount, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListVerifiedHoursInPeriod aggregates credit-eligible attested minutes per
// helper for sessions that started inside the window.
func (r *PostgresRepository) ListVerifiedHoursInPeriod(ctx context.Context, from, to time.Time) ([]VerifiedHours, error) {
	query := `
		SELECT s.helper_id, COALESCE(SUM(a.duration_minutes), 0)
		FROM attestations a
		JOIN sessions s ON s.id = a.session_id
		JOIN verification_results v ON v.attestation_id = a.id
		WHERE v.credit_eligible AND a.start_time >= $1 AND a.start_time < $2
		GROUP BY s.helper_id
		ORDER BY s.helper_id`
	rows, err := r.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VerifiedHours
	for rows.Next() {
		var vh VerifiedHours
		if err := rows.Scan(&vh.HelperID, &vh.Minutes); err != nil {
			return nil, err
		}
		out = append(out, vh)
	}
	return out, rows.Err()
}

const disbursementColumns = `id, account_id, requested_amount, splits, status,
	credit_tx_id, retry_count, next_attempt_at, failure_reason, created_at, updated_at`

func scanDisbursement(row pgx.Row) (*domain.Disbursement, error) {
	var d domain.Disbursement
	var splitsJSON []byte
	err := row.Scan(&d.ID, &d.AccountID, &d.RequestedAmount, &splitsJSON, &d.Status,
		&d.CreditTxID, &d.RetryCount, &d.NextAttemptAt, &d.FailureReason,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDisbursementNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(splitsJSON, &d.Splits); err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDisbursementWithTransfers inserts the disbursement and its
// per-category transfers atomically.
func (r *PostgresRepository) CreateDisbursementWithTransfers(ctx context.Context, d *domain.Disbursement, transfers []domain.DisbursementTransfer) error {
	splitsJSON, err := json.Marshal(d.Splits)
	if err != nil {
		return err
	}

	dbtx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer dbtx.Rollback(ctx)

	err = dbtx.QueryRow(ctx, `
		INSERT INTO disbursements (id, account_id, requested_amount, splits, status, credit_tx_id, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		d.ID, d.AccountID, d.RequestedAmount, splitsJSON, d.Status, d.CreditTxID, d.NextAttemptAt,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return err
	}

	for i := range transfers {
		t := &transfers[i]
		err = dbtx.QueryRow(ctx, `
			INSERT INTO disbursement_transfers (id, disbursement_id, category, amount, status, idempotency_token)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at, updated_at`,
			t.ID, t.DisbursementID, t.Category, t.Amount, t.Status, t.IdempotencyToken,
		).Scan(&t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return err
		}
	}
	return dbtx.Commit(ctx)
}

// GetDisbursementByID retrieves one disbursement.
func (r *PostgresRepository) GetDisbursementByID(ctx context.Context, id uuid.UUID) (*domain.Disbursement, error) {
	return scanDisbursement(r.db.QueryRow(ctx,
		`SELECT `+disbursementColumns+` FROM disbursements WHERE id = $1`, id))
}

// AdvanceDisbursementStatus moves a disbursement's status forward with a
// compare-and-swap.
func (r *PostgresRepository) AdvanceDisbursementStatus(ctx context.Context, id uuid.UUID, from, to domain.DisbursementStatus, failureReason *string) error {
	if !from.CanAdvance(to) {
		return ErrStaleStatus
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE disbursements SET status = $3, failure_reason = COALESCE($4, failure_reason), updated_at = now()
		WHERE id = $1 AND status = $2`, id, from, to, failureReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// ScheduleDisbursementRetry bumps the retry counter and the next attempt
// time for a processing disbursement.
func (r *PostgresRepository) ScheduleDisbursementRetry(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, failureReason string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE disbursements
		SET retry_count = $2, next_attempt_at = $3, failure_reason = $4, updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, retryCount, nextAttemptAt, failureReason)
	return err
}

// ListDueDisbursementRetries returns processing disbursements whose next
// attempt time has passed and that still have unfinished transfers.
func (r *PostgresRepository) ListDueDisbursementRetries(ctx context.Context, now time.Time, limit int) ([]domain.Disbursement, error) {
	query := `SELECT ` + disbursementColumns + ` FROM disbursements d
		WHERE d.status = 'processing' AND d.next_attempt_at <= $1
		AND EXISTS (
			SELECT 1 FROM disbursement_transfers t
			WHERE t.disbursement_id = d.id AND t.status IN ('pending', 'failed')
		)
		ORDER BY d.next_attempt_at LIMIT $2`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Disbursement
	for rows.Next() {
		d, err := scanDisbursement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

const transferColumns = `id, disbursement_id, category, amount, status,
	idempotency_token, external_ref, failure_reason, created_at, updated_at`

func scanTransfer(row pgx.Row) (*domain.DisbursementTransfer, error) {
	var t domain.DisbursementTransfer
	err := row.Scan(&t.ID, &t.DisbursementID, &t.Category, &t.Amount, &t.Status,
		&t.IdempotencyToken, &t.ExternalRef, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &t, nil
}

// ListTransfersByDisbursement returns every per-category transfer of a
// disbursement.
func (r *PostgresRepository) ListTransfersByDisbursement(ctx context.Context, disbursementID uuid.UUID) ([]domain.DisbursementTransfer, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+transferColumns+` FROM disbursement_transfers
		WHERE disbursement_id = $1 ORDER BY category`, disbursementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DisbursementTransfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// GetTransferByIdempotencyToken resolves a transfer from the token echoed by
// the institution payment pipeline.
func (r *PostgresRepository) GetTransferByIdempotencyToken(ctx context.Context, token string) (*domain.DisbursementTransfer, error) {
	return scanTransfer(r.db.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM disbursement_transfers WHERE idempotency_token = $1`, token))
}

// UpdateTransferStatus writes the transfer's status and external reference.
// Confirmed transfers never change again.
func (r *PostgresRepository) UpdateTransferStatus(ctx context.Context, id uuid.UUID, status domain.TransferStatus, externalRef, failureReason *string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE disbursement_transfers
		SET status = $2, external_ref = COALESCE($3, external_ref),
			failure_reason = $4, updated_at = now()
		WHERE id = $1 AND status <> 'confirmed'`,
		id, status, externalRef, failureReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// CountUnconfirmedTransfers returns how many transfers of a disbursement are
// not yet confirmed.
func (r *PostgresRepository) CountUnconfirmedTransfers(ctx context.Context, disbursementID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM disbursement_transfers
		WHERE disbursement_id = $1 AND status <> 'confirmed'`, disbursementID,
	).Scan(&n)
	return n, err
}

// CreateAdminFlag appends one record needing operator attention.
func (r *PostgresRepository) CreateAdminFlag(ctx context.Context, f *domain.AdminFlag) error {
	return r.db.QueryRow(ctx,
		`INSERT INTO admin_flags (id, kind, entity_type, entity_id, detail)
		VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		f.ID, f.Kind, f.EntityType, f.EntityID, f.Detail,
	).Scan(&f.CreatedAt)
}

// ListUnresolvedAdminFlags returns open flags oldest first.
func (r *PostgresRepository) ListUnresolvedAdminFlags(ctx context.Context, limit int) ([]domain.AdminFlag, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, kind, entity_type, entity_id, detail, resolved_by, resolved_at, created_at
		FROM admin_flags WHERE resolved_at IS NULL ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AdminFlag
	for rows.Next() {
		var f domain.AdminFlag
		if err := rows.Scan(&f.ID, &f.Kind, &f.EntityType, &f.EntityID, &f.Detail,
			&f.ResolvedBy, &f.ResolvedAt, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
