/**
 * @description
 * Dual-party signature collection. Each party signs the session's canonical
 * content hash with their registered Ed25519 key; a slot is only filled after
 * the signature verifies. Once both slots are filled, the attestation is
 * built and queued for ledger submission.
 */

package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"time"

	"crypto/ed25519"

	"github.com/google/uuid"

	"github.com/careloop/attestation-service/internal/domain"
	"github.com/careloop/attestation-service/internal/store"
)

// GetSignatureRequest returns the signature request opened for a session.
func (s *Service) GetSignatureRequest(ctx context.Context, sessionID uuid.UUID) (*domain.SignatureRequest, error) {
	return s.repo.GetSignatureRequestBySessionID(ctx, sessionID)
}

// SubmitSignature verifies and records one party's signature over the
// session's content hash. When the second slot fills, the attestation is
// built and a pending ledger submission is created.
func (s *Service) SubmitSignature(ctx context.Context, sessionID, partyID uuid.UUID, signatureB64 string) (*domain.SignatureRequest, error) {
	session, err := s.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	isHelper, ok := participant(session, partyID)
	if !ok {
		return nil, ErrNotParticipant
	}

	req, err := s.repo.GetSignatureRequestBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if req.Status != domain.SignaturePending {
		return nil, ErrSignatureWindowClosed
	}
	if req.ExpiredAt(s.now()) {
		s.expireSignatureRequest(ctx, req)
		return nil, ErrSignatureWindowClosed
	}
	if (isHelper && req.HelperSignature != nil) || (!isHelper && req.RecipientSignature != nil) {
		return nil, ErrAlreadySigned
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, ErrSignatureInvalid
	}
	pubKey, err := s.identity.GetPublicKey(ctx, partyID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve signing key: %w", err)
	}
	if !ed25519.Verify(pubKey, []byte(req.ContentHash), sig) {
		log.Printf("level=warn component=signature_service op=submit session_id=%s party_id=%s msg=\"signature rejected\"", sessionID, partyID)
		return nil, ErrSignatureInvalid
	}

	signedAt := s.now().UTC()
	if err := s.repo.FillSignatureSlot(ctx, req.ID, isHelper, signatureB64, signedAt); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return nil, ErrAlreadySigned
		}
		return nil, err
	}

	req, err = s.repo.GetSignatureRequestByID(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if !req.Complete() {
		log.Printf("level=info component=signature_service op=submit session_id=%s party_id=%s msg=\"first slot filled\"", sessionID, partyID)
		return req, nil
	}

	if err := s.repo.UpdateSignatureRequestStatus(ctx, req.ID, domain.SignaturePending, domain.SignatureCollected); err != nil {
		// Another submission finished the collection concurrently; the
		// attestation path below is idempotent either way.
		if !errors.Is(err, store.ErrStaleStatus) {
			return nil, err
		}
	}
	req.Status = domain.SignatureCollected

	if _, err := s.buildAttestation(ctx, session, req); err != nil {
		return nil, err
	}
	log.Printf("level=info component=signature_service op=submit session_id=%s msg=\"both signatures collected; attestation queued\"", sessionID)
	return req, nil
}

// expireSignatureRequest marks a lapsed request expired and flags it for
// operator attention.
func (s *Service) expireSignatureRequest(ctx context.Context, req *domain.SignatureRequest) {
	if err := s.repo.UpdateSignatureRequestStatus(ctx, req.ID, domain.SignaturePending, domain.SignatureExpired); err != nil {
		if !errors.Is(err, store.ErrStaleStatus) {
			log.Printf("level=error component=signature_service op=expire request_id=%s err=%v", req.ID, err)
		}
		return
	}
	flag := &domain.AdminFlag{
		ID:         uuid.New(),
		Kind:       domain.FlagSignatureExpired,
		EntityType: "signature_request",
		EntityID:   req.ID,
		Detail:     fmt.Sprintf("signature window for session %s closed at %s without both signatures", req.SessionID, req.ExpiresAt.Format(time.RFC3339)),
	}
	if err := s.repo.CreateAdminFlag(ctx, flag); err != nil {
		log.Printf("level=error component=signature_service op=expire request_id=%s msg=\"flag create failed\" err=%v", req.ID, err)
	}
}

// ExpireLapsedSignatureRequests sweeps pending requests whose window has
// closed. Run from the scheduler.
func (s *Service) ExpireLapsedSignatureRequests(ctx context.Context, limit int) (int, error) {
	lapsed, err := s.repo.FindExpiredPendingSignatureRequests(ctx, s.now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	for i := range lapsed {
		s.expireSignatureRequest(ctx, &lapsed[i])
	}
	if len(lapsed) > 0 {
		log.Printf("level=info component=signature_service op=expire_sweep expired=%d", len(lapsed))
	}
	return len(lapsed), nil
}

// abortPendingSignature aborts the signature request of a cancelled or
// disputed session, if one is pending. Best effort; a missing request is not
// an error.
func (s *Service) abortPendingSignature(ctx context.Context, sessionID uuid.UUID) {
	req, err := s.repo.GetSignatureRequestBySessionID(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, store.ErrSignatureRequestNotFound) {
			log.Printf("level=error component=signature_service op=abort session_id=%s err=%v", sessionID, err)
		}
		return
	}
	if req.Status != domain.SignaturePending {
		return
	}
	if err := s.repo.UpdateSignatureRequestStatus(ctx, req.ID, domain.SignaturePending, domain.SignatureAborted); err != nil && !errors.Is(err, store.ErrStaleStatus) {
		log.Printf("level=error component=signature_service op=abort session_id=%s err=%v", sessionID, err)
	}
}
