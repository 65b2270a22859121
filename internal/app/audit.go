package app

import (
	"context"
	"time"

	"github.com/careloop/attestation-service/internal/domain"
)

// AuditExport bundles the ledger submissions and verification outcomes of a
// window for external reporting.
type AuditExport struct {
	From                time.Time                   `json:"from"`
	To                  time.Time                   `json:"to"`
	LedgerTransactions  []domain.LedgerTransaction  `json:"ledger_transactions"`
	VerificationResults []domain.VerificationResult `json:"verification_results"`
}

// ExportAuditWindow collects everything an auditor needs to replay a window:
// what was submitted to the ledger and how each submission verified.
func (s *Service) ExportAuditWindow(ctx context.Context, from, to time.Time) (*AuditExport, error) {
	txs, err := s.repo.ListLedgerTransactions(ctx, from, to)
	if err != nil {
		return nil, err
	}
	results, err := s.repo.ListVerificationResults(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return &AuditExport{
		From:                from,
		To:                  to,
		LedgerTransactions:  txs,
		VerificationResults: results,
	}, nil
}

// ListOpenAdminFlags returns unresolved operator flags, oldest first.
func (s *Service) ListOpenAdminFlags(ctx context.Context, limit int) ([]domain.AdminFlag, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListUnresolvedAdminFlags(ctx, limit)
}
