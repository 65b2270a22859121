/**
 * @description
 * Attestation building and verification. Building is deterministic: the same
 * session and signatures always produce the same record, and the unique
 * session constraint in the store makes a rebuild a no-op. Verification
 * re-derives the content hash from the stored record and re-verifies both
 * signatures against the parties' registered keys.
 */

package app

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/careloop/attestation-service/internal/domain"
	"github.com/careloop/attestation-service/internal/hashing"
)

// buildAttestation materialises the attestation for a session whose
// signatures are collected, and queues its ledger submission. Safe to call
// more than once for the same session.
func (s *Service) buildAttestation(ctx context.Context, session *domain.Session, req *domain.SignatureRequest) (*domain.AttestationRecord, error) {
	if !req.Complete() {
		return nil, fmt.Errorf("signature request %s is incomplete", req.ID)
	}
	facts := s.sessionFacts(session)
	minutes, ok := session.DurationMinutes()
	if !ok {
		return nil, fmt.Errorf("session %s has no usable duration", session.ID)
	}

	rate, err := s.repo.ResolveHourlyRate(ctx, session.TaskType, facts.StartTime)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve hourly rate for %s: %w", session.TaskType, err)
	}

	record := &domain.AttestationRecord{
		ID:                 uuid.New(),
		SessionID:          session.ID,
		HelperIDHash:       facts.HelperIDHash,
		RecipientIDHash:    facts.RecipientIDHash,
		StartTime:          facts.StartTime,
		EndTime:            facts.EndTime,
		DurationMinutes:    minutes,
		LocationHash:       facts.LocationHash,
		TaskType:           session.TaskType,
		HelperSignature:    *req.HelperSignature,
		RecipientSignature: *req.RecipientSignature,
		ContentHash:        req.ContentHash,
		CreditAmount:       int64(minutes) * rate / 60,
	}
	record, err = s.repo.CreateAttestation(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("failed to create attestation: %w", err)
	}

	ledgerTx := &domain.LedgerTransaction{
		ID:            uuid.New(),
		AttestationID: record.ID,
		Status:        domain.LedgerTxPending,
		NextAttemptAt: s.now().UTC(),
	}
	if _, err := s.repo.CreateLedgerTransaction(ctx, ledgerTx); err != nil {
		return nil, fmt.Errorf("failed to queue ledger submission: %w", err)
	}
	log.Printf("level=info component=attestation_service op=build attestation_id=%s session_id=%s duration_m=%d credit=%d", record.ID, session.ID, minutes, record.CreditAmount)
	return record, nil
}

// GetAttestation retrieves one attestation record.
func (s *Service) GetAttestation(ctx context.Context, id uuid.UUID) (*domain.AttestationRecord, error) {
	return s.repo.GetAttestationByID(ctx, id)
}

// GetAttestationBySession retrieves the attestation of a session.
func (s *Service) GetAttestationBySession(ctx context.Context, sessionID uuid.UUID) (*domain.AttestationRecord, error) {
	return s.repo.GetAttestationBySessionID(ctx, sessionID)
}

// VerifyAttestation re-checks a stored attestation: the content hash must
// re-derive from the stored facts, both signatures must re-verify against the
// registered keys, and the ledger submission's confirmation count feeds
// credit eligibility. The result is persisted and returned.
func (s *Service) VerifyAttestation(ctx context.Context, attestationID uuid.UUID) (*domain.VerificationResult, error) {
	record, err := s.repo.GetAttestationByID(ctx, attestationID)
	if err != nil {
		return nil, err
	}
	ledgerTx, err := s.repo.GetLedgerTransactionByAttestationID(ctx, attestationID)
	if err != nil {
		return nil, err
	}
	return s.computeVerification(ctx, record, ledgerTx)
}

// computeVerification derives and persists the verification result for an
// attestation given its ledger transaction state.
func (s *Service) computeVerification(ctx context.Context, record *domain.AttestationRecord, ledgerTx *domain.LedgerTransaction) (*domain.VerificationResult, error) {
	facts := hashing.SessionFacts{
		SessionID:       record.SessionID,
		HelperIDHash:    record.HelperIDHash,
		RecipientIDHash: record.RecipientIDHash,
		StartTime:       record.StartTime,
		EndTime:         record.EndTime,
		LocationHash:    record.LocationHash,
		TaskType:        string(record.TaskType),
	}
	integrity := hashing.VerifyContentHash(facts, record.ContentHash)
	signaturesValid := s.verifyRecordSignatures(ctx, record)
	confirmed := ledgerTx.Confirmations >= s.settings.ConfirmationThreshold &&
		ledgerTx.Status != domain.LedgerTxFailed

	result := &domain.VerificationResult{
		ID:              uuid.New(),
		AttestationID:   record.ID,
		IntegrityCheck:  integrity,
		SignaturesValid: signaturesValid,
		CreditEligible:  integrity && signaturesValid && confirmed,
		Confirmations:   ledgerTx.Confirmations,
		VerifiedAt:      s.now().UTC(),
	}
	if err := s.repo.UpsertVerificationResult(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to persist verification result: %w", err)
	}

	if !signaturesValid {
		log.Printf("level=warn component=attestation_service op=verify attestation_id=%s msg=\"stored signatures do not re-verify\"", record.ID)
	}
	if !integrity {
		flag := &domain.AdminFlag{
			ID:         uuid.New(),
			Kind:       domain.FlagIntegrityFailure,
			EntityType: "attestation",
			EntityID:   record.ID,
			Detail:     fmt.Sprintf("content hash of attestation %s no longer re-derives from its stored facts", record.ID),
		}
		if err := s.repo.CreateAdminFlag(ctx, flag); err != nil {
			log.Printf("level=error component=attestation_service op=verify attestation_id=%s msg=\"flag create failed\" err=%v", record.ID, err)
		}
	}
	return result, nil
}

// verifyRecordSignatures re-checks both stored signature blobs against the
// parties' registered keys, exactly as submission did. A record whose
// signatures no longer verify never becomes credit eligible, even when its
// facts are intact.
func (s *Service) verifyRecordSignatures(ctx context.Context, record *domain.AttestationRecord) bool {
	session, err := s.repo.GetSessionByID(ctx, record.SessionID)
	if err != nil {
		log.Printf("level=error component=attestation_service op=verify attestation_id=%s msg=\"session lookup failed\" err=%v", record.ID, err)
		return false
	}
	return s.signatureVerifies(ctx, session.HelperID, record.HelperSignature, record.ContentHash) &&
		s.signatureVerifies(ctx, session.RecipientID, record.RecipientSignature, record.ContentHash)
}

// signatureVerifies checks one base64 Ed25519 signature over the content hash
// against a party's registered key.
func (s *Service) signatureVerifies(ctx context.Context, partyID uuid.UUID, signatureB64, contentHash string) bool {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	pubKey, err := s.identity.GetPublicKey(ctx, partyID.String())
	if err != nil {
		return false
	}
	return ed25519.Verify(pubKey, []byte(contentHash), sig)
}

// GetVerificationResult retrieves the stored verification outcome of an
// attestation.
func (s *Service) GetVerificationResult(ctx context.Context, attestationID uuid.UUID) (*domain.VerificationResult, error) {
	return s.repo.GetVerificationResultByAttestationID(ctx, attestationID)
}
