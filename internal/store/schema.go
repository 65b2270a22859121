/**
 * @description
 * Startup DDL for the attestation-service schema. Tables are created
 * idempotently so a fresh environment boots without a separate migration
 * step. Uniqueness constraints back the idempotency guarantees the app layer
 * relies on: one attestation per session, one ledger transaction per
 * attestation, one allocation per (payment, beneficiary), one earned credit
 * transaction per source.
 */

package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		helper_id UUID NOT NULL,
		recipient_id UUID NOT NULL,
		task_type TEXT NOT NULL,
		status TEXT NOT NULL,
		scheduled_at TIMESTAMPTZ,
		checked_in_at TIMESTAMPTZ,
		checked_out_at TIMESTAMPTZ,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		cancel_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_helper ON sessions(helper_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,

	`CREATE TABLE IF NOT EXISTS signature_requests (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL UNIQUE REFERENCES sessions(id),
		content_hash TEXT NOT NULL,
		helper_signature TEXT,
		recipient_signature TEXT,
		helper_signed_at TIMESTAMPTZ,
		recipient_signed_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signature_requests_pending
		ON signature_requests(expires_at) WHERE status = 'pending'`,

	`CREATE TABLE IF NOT EXISTS attestations (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL UNIQUE REFERENCES sessions(id),
		helper_id_hash TEXT NOT NULL,
		recipient_id_hash TEXT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		duration_minutes INT NOT NULL,
		location_hash TEXT NOT NULL,
		task_type TEXT NOT NULL,
		helper_signature TEXT NOT NULL,
		recipient_signature TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		credit_amount BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS ledger_transactions (
		id UUID PRIMARY KEY,
		attestation_id UUID NOT NULL UNIQUE REFERENCES attestations(id),
		external_tx_ref TEXT,
		confirmations INT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		retry_count INT NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		failure_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_tx_pending
		ON ledger_transactions(next_attempt_at) WHERE status = 'pending'`,

	`CREATE TABLE IF NOT EXISTS verification_results (
		id UUID PRIMARY KEY,
		attestation_id UUID NOT NULL UNIQUE REFERENCES attestations(id),
		integrity_check BOOLEAN NOT NULL,
		signatures_valid BOOLEAN NOT NULL,
		credit_eligible BOOLEAN NOT NULL,
		confirmations INT NOT NULL,
		verified_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS credit_accounts (
		id UUID PRIMARY KEY,
		owner_id UUID NOT NULL UNIQUE,
		lifetime_earned BIGINT NOT NULL DEFAULT 0,
		lifetime_disbursed BIGINT NOT NULL DEFAULT 0,
		pending BIGINT NOT NULL DEFAULT 0,
		current_balance BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id UUID PRIMARY KEY,
		account_id UUID NOT NULL REFERENCES credit_accounts(id),
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		source_type TEXT NOT NULL,
		source_ref UUID NOT NULL,
		justification TEXT,
		approved_by TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (source_type, source_ref, type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_tx_account ON credit_transactions(account_id)`,

	`CREATE TABLE IF NOT EXISTS rate_schedules (
		id UUID PRIMARY KEY,
		task_type TEXT NOT NULL,
		hourly_rate BIGINT NOT NULL CHECK (hourly_rate > 0),
		effective_date TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rate_schedules_lookup
		ON rate_schedules(task_type, effective_date DESC)`,

	`CREATE TABLE IF NOT EXISTS external_payments (
		id UUID PRIMARY KEY,
		funder_ref TEXT NOT NULL,
		total_amount BIGINT NOT NULL CHECK (total_amount > 0),
		period_start TIMESTAMPTZ NOT NULL,
		period_end TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		residual BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS payment_allocations (
		id UUID PRIMARY KEY,
		payment_id UUID NOT NULL REFERENCES external_payments(id),
		account_id UUID NOT NULL REFERENCES credit_accounts(id),
		verified_minutes BIGINT NOT NULL,
		hourly_rate BIGINT NOT NULL,
		gross_amount BIGINT NOT NULL,
		commission BIGINT NOT NULL,
		net_amount BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (payment_id, account_id)
	)`,

	`CREATE TABLE IF NOT EXISTS disbursements (
		id UUID PRIMARY KEY,
		account_id UUID NOT NULL REFERENCES credit_accounts(id),
		requested_amount BIGINT NOT NULL CHECK (requested_amount > 0),
		splits JSONB NOT NULL,
		status TEXT NOT NULL,
		credit_tx_id UUID,
		retry_count INT NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		failure_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_disbursements_retry
		ON disbursements(next_attempt_at) WHERE status = 'processing'`,

	`CREATE TABLE IF NOT EXISTS disbursement_transfers (
		id UUID PRIMARY KEY,
		disbursement_id UUID NOT NULL REFERENCES disbursements(id),
		category TEXT NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		status TEXT NOT NULL,
		idempotency_token TEXT NOT NULL UNIQUE,
		external_ref TEXT,
		failure_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (disbursement_id, category)
	)`,

	`CREATE TABLE IF NOT EXISTS admin_flags (
		id UUID PRIMARY KEY,
		kind TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id UUID NOT NULL,
		detail TEXT NOT NULL,
		resolved_by TEXT,
		resolved_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_admin_flags_open
		ON admin_flags(created_at) WHERE resolved_at IS NULL`,
}

// EnsureSchema creates the service tables if they do not exist.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
