/**
 * @description
 * Session lifecycle operations: request, approval, scheduling, GPS-gated
 * check-in, completion, cancellation, and disputes. Completion is the handoff
 * point into signature collection.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/careloop/attestation-service/internal/domain"
	"github.com/careloop/attestation-service/internal/hashing"
	"github.com/careloop/attestation-service/internal/store"
)

// CreateSessionRequest registers a new help request between two parties.
func (s *Service) CreateSessionRequest(ctx context.Context, helperID, recipientID uuid.UUID, taskType domain.TaskType, lat, lon float64) (*domain.Session, error) {
	if helperID == recipientID {
		return nil, ErrSamePartySession
	}
	if !domain.ValidTaskType(taskType) {
		return nil, ErrInvalidTaskType
	}

	session := &domain.Session{
		ID:          uuid.New(),
		HelperID:    helperID,
		RecipientID: recipientID,
		TaskType:    taskType,
		Status:      domain.SessionRequested,
		Latitude:    lat,
		Longitude:   lon,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	log.Printf("level=info component=session_service op=create session_id=%s task_type=%s", session.ID, taskType)
	return session, nil
}

// GetSession retrieves one session.
func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return s.repo.GetSessionByID(ctx, id)
}

// ListSessionsByParty returns the sessions a party took part in during the
// given window, as helper or as recipient.
func (s *Service) ListSessionsByParty(ctx context.Context, partyID uuid.UUID, from, to time.Time) ([]domain.Session, error) {
	return s.repo.ListSessionsByParty(ctx, partyID, from, to)
}

// ApproveSession records the helper's acceptance of a requested session.
func (s *Service) ApproveSession(ctx context.Context, sessionID, partyID uuid.UUID) (*domain.Session, error) {
	session, err := s.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if partyID != session.HelperID {
		return nil, ErrNotParticipant
	}
	if err := session.Transition(domain.SessionApproved); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateSession(ctx, session.ID, store.SessionUpdateParams{Status: session.Status}); err != nil {
		return nil, err
	}
	return session, nil
}

// ScheduleSession fixes the meeting time of an approved session.
func (s *Service) ScheduleSession(ctx context.Context, sessionID, partyID uuid.UUID, scheduledAt time.Time) (*domain.Session, error) {
	session, err := s.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, ok := participant(session, partyID); !ok {
		return nil, ErrNotParticipant
	}
	if scheduledAt.Before(s.now()) {
		return nil, fmt.Errorf("scheduled time %s is in the past", scheduledAt.Format(time.RFC3339))
	}
	if err := session.Transition(domain.SessionScheduled); err != nil {
		return nil, err
	}
	session.ScheduledAt = &scheduledAt
	if err := s.repo.UpdateSession(ctx, session.ID, store.SessionUpdateParams{
		Status:      session.Status,
		ScheduledAt: session.ScheduledAt,
	}); err != nil {
		return nil, err
	}
	return session, nil
}

// CheckInSession records the helper's arrival. The reported coordinates must
// fall within the configured tolerance of the session's meeting point.
func (s *Service) CheckInSession(ctx context.Context, sessionID, partyID uuid.UUID, lat, lon float64) (*domain.Session, error) {
	session, err := s.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	isHelper, ok := participant(session, partyID)
	if !ok || !isHelper {
		return nil, ErrNotParticipant
	}

	if dist := haversineMeters(session.Latitude, session.Longitude, lat, lon); dist > s.settings.ProximityToleranceMeters {
		log.Printf("level=warn component=session_service op=check_in session_id=%s distance_m=%.0f tolerance_m=%.0f msg=\"proximity rejected\"", session.ID, dist, s.settings.ProximityToleranceMeters)
		return nil, ErrProximity
	}

	if err := session.Transition(domain.SessionCheckedIn); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	session.CheckedInAt = &now
	if err := s.repo.UpdateSession(ctx, session.ID, store.SessionUpdateParams{
		Status:      session.Status,
		CheckedInAt: session.CheckedInAt,
	}); err != nil {
		return nil, err
	}
	log.Printf("level=info component=session_service op=check_in session_id=%s", session.ID)
	return session, nil
}

// StartSession marks a checked-in session as in progress, after the recipient
// confirms the helper is present.
func (s *Service) StartSession(ctx context.Context, sessionID, partyID uuid.UUID) (*domain.Session, error) {
	session, err := s.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if partyID != session.RecipientID {
		return nil, ErrNotParticipant
	}
	if err := session.Transition(domain.SessionInProgress); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateSession(ctx, session.ID, store.SessionUpdateParams{Status: session.Status}); err != nil {
		return nil, err
	}
	return session, nil
}

// CompleteSession checks the helper out and opens the signature-collection
// window. A duration outside the configured creditable bounds is rejected and
// the session stays in progress; the parties can re-attempt completion or
// cancel explicitly.
func (s *Service) CompleteSession(ctx context.Context, sessionID, partyID uuid.UUID) (*domain.Session, *domain.SignatureRequest, error) {
	session, err := s.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := participant(session, partyID); !ok {
		return nil, nil, ErrNotParticipant
	}
	if session.Status != domain.SessionInProgress {
		return nil, nil, &domain.ErrInvalidTransition{From: session.Status, To: domain.SessionCompleted}
	}
	if session.CheckedInAt == nil {
		return nil, nil, fmt.Errorf("session %s has no check-in timestamp", session.ID)
	}

	checkedOut := s.now().UTC()
	minutes := int(checkedOut.Sub(session.CheckedInAt.UTC()).Minutes())
	if minutes < s.settings.MinSessionMinutes {
		log.Printf("level=warn component=session_service op=complete session_id=%s duration_m=%d msg=\"below creditable minimum; rejected\"", session.ID, minutes)
		return nil, nil, ErrSessionTooShort
	}
	if minutes > s.settings.MaxSessionMinutes {
		log.Printf("level=warn component=session_service op=complete session_id=%s duration_m=%d msg=\"above creditable maximum; rejected\"", session.ID, minutes)
		return nil, nil, ErrSessionTooLong
	}

	session.CheckedOutAt = &checkedOut
	if err := session.Transition(domain.SessionCompleted); err != nil {
		return nil, nil, err
	}
	if err := s.repo.UpdateSession(ctx, session.ID, store.SessionUpdateParams{
		Status:       session.Status,
		CheckedOutAt: session.CheckedOutAt,
	}); err != nil {
		return nil, nil, err
	}

	sigReq, err := s.openSignatureRequest(ctx, session)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("level=info component=session_service op=complete session_id=%s duration_m=%d signature_request_id=%s", session.ID, minutes, sigReq.ID)
	return session, sigReq, nil
}

// openSignatureRequest creates the dual-party signature request for a
// completed session, anchored to the canonical content hash.
func (s *Service) openSignatureRequest(ctx context.Context, session *domain.Session) (*domain.SignatureRequest, error) {
	facts := s.sessionFacts(session)
	req := &domain.SignatureRequest{
		ID:          uuid.New(),
		SessionID:   session.ID,
		ContentHash: hashing.ContentHash(facts),
		Status:      domain.SignaturePending,
		ExpiresAt:   s.now().UTC().Add(s.settings.SignatureExpiry),
	}
	if err := s.repo.CreateSignatureRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create signature request: %w", err)
	}
	return req, nil
}

// sessionFacts canonicalises a completed session into the masked facts both
// parties sign.
func (s *Service) sessionFacts(session *domain.Session) hashing.SessionFacts {
	return hashing.SessionFacts{
		SessionID:       session.ID,
		HelperIDHash:    s.masker.MaskPartyID(session.HelperID),
		RecipientIDHash: s.masker.MaskPartyID(session.RecipientID),
		StartTime:       session.CheckedInAt.UTC(),
		EndTime:         session.CheckedOutAt.UTC(),
		LocationHash:    s.masker.MaskLocation(session.Latitude, session.Longitude, hashing.DefaultLocationPrecision),
		TaskType:        string(session.TaskType),
	}
}

// CancelSession cancels a session before completion. A pending signature
// request on the session, if any, is aborted.
func (s *Service) CancelSession(ctx context.Context, sessionID, partyID uuid.UUID, reason string) (*domain.Session, error) {
	session, err := s.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, ok := participant(session, partyID); !ok {
		return nil, ErrNotParticipant
	}
	if err := session.Transition(domain.SessionCancelled); err != nil {
		return nil, err
	}
	session.CancelReason = &reason
	if err := s.repo.UpdateSession(ctx, session.ID, store.SessionUpdateParams{
		Status:       session.Status,
		CancelReason: session.CancelReason,
	}); err != nil {
		return nil, err
	}
	s.abortPendingSignature(ctx, session.ID)
	log.Printf("level=info component=session_service op=cancel session_id=%s reason=%q", session.ID, reason)
	return session, nil
}

// DisputeSession moves a session into the disputed state for manual review.
func (s *Service) DisputeSession(ctx context.Context, sessionID, partyID uuid.UUID, reason string) (*domain.Session, error) {
	session, err := s.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, ok := participant(session, partyID); !ok {
		return nil, ErrNotParticipant
	}
	if err := session.Transition(domain.SessionDisputed); err != nil {
		return nil, err
	}
	session.CancelReason = &reason
	if err := s.repo.UpdateSession(ctx, session.ID, store.SessionUpdateParams{
		Status:       session.Status,
		CancelReason: session.CancelReason,
	}); err != nil {
		return nil, err
	}
	s.abortPendingSignature(ctx, session.ID)
	return session, nil
}

// ExpireStaleSessionRequests expires requested sessions that were never
// approved inside the request window. Run from the scheduler.
func (s *Service) ExpireStaleSessionRequests(ctx context.Context, limit int) (int, error) {
	cutoff := s.now().UTC().Add(-s.settings.RequestExpiry)
	stale, err := s.repo.FindStaleRequestedSessions(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range stale {
		session := &stale[i]
		if err := session.Transition(domain.SessionExpired); err != nil {
			continue
		}
		if err := s.repo.UpdateSession(ctx, session.ID, store.SessionUpdateParams{Status: session.Status}); err != nil {
			log.Printf("level=error component=session_service op=expire_sweep session_id=%s err=%v", session.ID, err)
			continue
		}
		expired++
	}
	if expired > 0 {
		log.Printf("level=info component=session_service op=expire_sweep expired=%d", expired)
	}
	return expired, nil
}
