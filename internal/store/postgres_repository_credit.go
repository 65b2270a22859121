/**
 * @description
 * PostgreSQL queries for the credit ledger: accounts, the append-only credit
 * transaction log, the balance recomputation, and the rate schedule.
 *
 * @notes
 * - RecomputeAccountBalances is the authoritative balance write. It runs in a
 *   transaction that locks the account row, so two concurrent recomputations
 *   for the same account serialize at the database even if the in-process
 *   per-account lock is bypassed.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/careloop/attestation-service/internal/domain"
)

const accountColumns = `id, owner_id, lifetime_earned, lifetime_disbursed,
	pending, current_balance, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.CreditAccount, error) {
	var a domain.CreditAccount
	err := row.Scan(&a.ID, &a.OwnerID, &a.LifetimeEarned, &a.LifetimeDisbursed,
		&a.Pending, &a.CurrentBalance, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

// GetOrCreateAccountByOwnerID returns the beneficiary's account, creating an
// empty one on first contact.
func (r *PostgresRepository) GetOrCreateAccountByOwnerID(ctx context.Context, ownerID uuid.UUID) (*domain.CreditAccount, error) {
	query := `
		INSERT INTO credit_accounts (id, owner_id)
		VALUES ($1, $2)
		ON CONFLICT (owner_id) DO NOTHING`
	if _, err := r.db.Exec(ctx, query, uuid.New(), ownerID); err != nil {
		return nil, err
	}
	return r.GetAccountByOwnerID(ctx, ownerID)
}

// GetAccountByID retrieves one credit account.
func (r *PostgresRepository) GetAccountByID(ctx context.Context, id uuid.UUID) (*domain.CreditAccount, error) {
	return scanAccount(r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE id = $1`, id))
}

// GetAccountByOwnerID retrieves the account owned by a beneficiary.
func (r *PostgresRepository) GetAccountByOwnerID(ctx context.Context, ownerID uuid.UUID) (*domain.CreditAccount, error) {
	return scanAccount(r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE owner_id = $1`, ownerID))
}

const creditTxColumns = `id, account_id, type, status, amount, source_type,
	source_ref, justification, approved_by, created_at, updated_at`

func scanCreditTransaction(row pgx.Row) (*domain.CreditTransaction, error) {
	var tx domain.CreditTransaction
	err := row.Scan(&tx.ID, &tx.AccountID, &tx.Type, &tx.Status, &tx.Amount,
		&tx.SourceType, &tx.SourceRef, &tx.Justification, &tx.ApprovedBy,
		&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCreditTransactionNotFound
		}
		return nil, err
	}
	return &tx, nil
}

// CreateCreditTransaction appends one movement to the ledger. The
// (source_type, source_ref, type) uniqueness makes earn-from-attestation and
// allocation writes idempotent: a duplicate returns the existing row.
func (r *PostgresRepository) CreateCreditTransaction(ctx context.Context, tx *domain.CreditTransaction) (*domain.CreditTransaction, error) {
	query := `
		INSERT INTO credit_transactions (id, account_id, type, status, amount,
			source_type, source_ref, justification, approved_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (source_type, source_ref, type) DO NOTHING
		RETURNING created_at, updated_at`
	err := r.db.QueryRow(ctx, query, tx.ID, tx.AccountID, tx.Type, tx.Status,
		tx.Amount, tx.SourceType, tx.SourceRef, tx.Justification, tx.ApprovedBy,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err == pgx.ErrNoRows {
		return r.GetCreditTransactionBySource(ctx, tx.SourceType, tx.SourceRef, tx.Type)
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// GetCreditTransactionByID retrieves one ledger movement.
func (r *PostgresRepository) GetCreditTransactionByID(ctx context.Context, id uuid.UUID) (*domain.CreditTransaction, error) {
	return scanCreditTransaction(r.db.QueryRow(ctx,
		`SELECT `+creditTxColumns+` FROM credit_transactions WHERE id = $1`, id))
}

// GetCreditTransactionBySource retrieves the movement created for a source
// record, if any.
func (r *PostgresRepository) GetCreditTransactionBySource(ctx context.Context, sourceType string, sourceRef uuid.UUID, txType domain.CreditTxType) (*domain.CreditTransaction, error) {
	return scanCreditTransaction(r.db.QueryRow(ctx,
		`SELECT `+creditTxColumns+` FROM credit_transactions
		WHERE source_type = $1 AND source_ref = $2 AND type = $3`,
		sourceType, sourceRef, txType))
}

// AdvanceCreditTransactionStatus moves a movement's status forward with a
// compare-and-swap. Completed rows are immutable by construction: no `from`
// value permits leaving a terminal status.
func (r *PostgresRepository) AdvanceCreditTransactionStatus(ctx context.Context, id uuid.UUID, from, to domain.CreditTxStatus) error {
	if !from.CanAdvance(to) {
		return &domain.ErrInvalidCreditTransition{From: from, To: to}
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE credit_transactions SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// ListCreditTransactionsByAccount returns the most recent movements for an
// account.
func (r *PostgresRepository) ListCreditTransactionsByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.CreditTransaction, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+creditTxColumns+` FROM credit_transactions
		WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CreditTransaction
	for rows.Next() {
		tx, err := scanCreditTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

// RecomputeAccountBalances derives the account's balances from its
// transaction log and writes them back, all inside one transaction holding
// the account row lock.
func (r *PostgresRepository) RecomputeAccountBalances(ctx context.Context, accountID uuid.UUID) (*domain.CreditAccount, error) {
	dbtx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer dbtx.Rollback(ctx)

	if _, err := dbtx.Exec(ctx,
		`SELECT 1 FROM credit_accounts WHERE id = $1 FOR UPDATE`, accountID); err != nil {
		return nil, err
	}

	query := `
		UPDATE credit_accounts SET
			lifetime_earned = agg.earned,
			lifetime_disbursed = agg.disbursed,
			pending = agg.pending,
			current_balance = GREATEST(0, agg.earned - agg.disbursed),
			updated_at = now()
		FROM (
			SELECT
				COALESCE(SUM(amount) FILTER (WHERE status = 'completed' AND type IN ('earned', 'refund', 'adjustment')), 0) AS earned,
				COALESCE(SUM(amount) FILTER (WHERE status = 'completed' AND type = 'disbursed'), 0) AS disbursed,
				COALESCE(SUM(amount) FILTER (WHERE status IN ('pending', 'processing')), 0) AS pending
			FROM credit_transactions WHERE account_id = $1
		) agg
		WHERE credit_accounts.id = $1
		RETURNING ` + accountColumns
	account, err := scanAccount(dbtx.QueryRow(ctx, query, accountID))
	if err != nil {
		return nil, err
	}
	if err := dbtx.Commit(ctx); err != nil {
		return nil, err
	}
	return account, nil
}

// CreateRateScheduleEntry appends one rate schedule row.
func (r *PostgresRepository) CreateRateScheduleEntry(ctx context.Context, e *domain.RateScheduleEntry) error {
	return r.db.QueryRow(ctx,
		`INSERT INTO rate_schedules (id, task_type, hourly_rate, effective_date)
		VALUES ($1, $2, $3, $4) RETURNING created_at`,
		e.ID, e.TaskType, e.HourlyRate, e.EffectiveDate,
	).Scan(&e.CreatedAt)
}

// ResolveHourlyRate returns the rate in effect for a task type at a point in
// time: the most recent entry with effective_date on or before it.
func (r *PostgresRepository) ResolveHourlyRate(ctx context.Context, taskType domain.TaskType, at time.Time) (int64, error) {
	var rate int64
	err := r.db.QueryRow(ctx,
		`SELECT hourly_rate FROM rate_schedules
		WHERE task_type = $1 AND effective_date <= $2
		ORDER BY effective_date DESC LIMIT 1`, taskType, at,
	).Scan(&rate)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrRateNotFound
		}
		return 0, err
	}
	return rate, nil
}
