/**
 * @description
 * This file defines the entities of the attestation pipeline: the dual-party
 * SignatureRequest, the immutable AttestationRecord committed to the external
 * ledger, the LedgerTransaction tracking that submission, and the
 * VerificationResult that gates credit eligibility.
 *
 * @notes
 * - AttestationRecord carries only masked identifiers and a masked location;
 *   raw party ids never leave the internal database.
 * - LedgerTransaction status moves forward only; a failed submission after
 *   retry exhaustion is terminal.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// SignatureStatus is the closed set of signature-collection states.
type SignatureStatus string

const (
	SignaturePending   SignatureStatus = "pending"
	SignatureCollected SignatureStatus = "collected"
	SignatureExpired   SignatureStatus = "expired"
	SignatureAborted   SignatureStatus = "aborted"
)

// SignatureRequest tracks dual-party approval of one completed session.
// Both parties sign the same content hash; a slot is filled only after the
// signature verifies against the party's registered public key.
type SignatureRequest struct {
	ID                 uuid.UUID       `json:"id"`
	SessionID          uuid.UUID       `json:"session_id"`
	ContentHash        string          `json:"content_hash"`
	HelperSignature    *string         `json:"helper_signature,omitempty"`
	RecipientSignature *string         `json:"recipient_signature,omitempty"`
	HelperSignedAt     *time.Time      `json:"helper_signed_at,omitempty"`
	RecipientSignedAt  *time.Time      `json:"recipient_signed_at,omitempty"`
	Status             SignatureStatus `json:"status"`
	ExpiresAt          time.Time       `json:"expires_at"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Complete reports whether both signature slots are filled.
func (r *SignatureRequest) Complete() bool {
	return r.HelperSignature != nil && r.RecipientSignature != nil
}

// ExpiredAt reports whether the collection window has elapsed at now.
func (r *SignatureRequest) ExpiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// AttestationRecord is the deterministic, privacy-preserving record of one
// completed session. Building it twice from the same inputs yields the same
// record, including ContentHash. CreditAmount is in cents.
type AttestationRecord struct {
	ID                 uuid.UUID `json:"id"`
	SessionID          uuid.UUID `json:"session_id"`
	HelperIDHash       string    `json:"helper_id_hash"`
	RecipientIDHash    string    `json:"recipient_id_hash"`
	StartTime          time.Time `json:"start_time"`
	EndTime            time.Time `json:"end_time"`
	DurationMinutes    int       `json:"duration_minutes"`
	LocationHash       string    `json:"location_hash"`
	TaskType           TaskType  `json:"task_type"`
	HelperSignature    string    `json:"helper_signature"`
	RecipientSignature string    `json:"recipient_signature"`
	ContentHash        string    `json:"content_hash"`
	CreditAmount       int64     `json:"credit_amount"`
	CreatedAt          time.Time `json:"created_at"`
}

// LedgerTxStatus is the closed set of external-ledger submission states.
type LedgerTxStatus string

const (
	LedgerTxPending   LedgerTxStatus = "pending"
	LedgerTxConfirmed LedgerTxStatus = "confirmed"
	LedgerTxFailed    LedgerTxStatus = "failed"
)

// CanAdvance reports whether a ledger transaction may move from -> to.
// Transitions only run forward; confirmed and failed are terminal.
func (s LedgerTxStatus) CanAdvance(to LedgerTxStatus) bool {
	return s == LedgerTxPending && (to == LedgerTxConfirmed || to == LedgerTxFailed)
}

// LedgerTransaction tracks one attestation submission to the external ledger.
type LedgerTransaction struct {
	ID            uuid.UUID      `json:"id"`
	AttestationID uuid.UUID      `json:"attestation_id"`
	ExternalTxRef *string        `json:"external_tx_ref,omitempty"`
	Confirmations int            `json:"confirmations"`
	Status        LedgerTxStatus `json:"status"`
	RetryCount    int            `json:"retry_count"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	FailureReason *string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// VerificationResult is the outcome of checking one confirmed attestation.
// CreditEligible holds only when every other check passed and the
// confirmation count met the configured threshold.
type VerificationResult struct {
	ID              uuid.UUID `json:"id"`
	AttestationID   uuid.UUID `json:"attestation_id"`
	IntegrityCheck  bool      `json:"integrity_check"`
	SignaturesValid bool      `json:"signatures_valid"`
	CreditEligible  bool      `json:"credit_eligible"`
	Confirmations   int       `json:"confirmations"`
	VerifiedAt      time.Time `json:"verified_at"`
}

// RateScheduleEntry is one row of the hourly-rate schedule. The rate applied
// to a session is the most recent entry effective on or before the session
// start. HourlyRate is in cents.
type RateScheduleEntry struct {
	ID            uuid.UUID `json:"id"`
	TaskType      TaskType  `json:"task_type"`
	HourlyRate    int64     `json:"hourly_rate"`
	EffectiveDate time.Time `json:"effective_date"`
	CreatedAt     time.Time `json:"created_at"`
}

// AdminFlagKind labels why a record needs operator attention.
type AdminFlagKind string

const (
	FlagSignatureExpired    AdminFlagKind = "signature_expired"
	FlagSubmissionExhausted AdminFlagKind = "submission_exhausted"
	FlagIntegrityFailure    AdminFlagKind = "integrity_failure"
	FlagDisbursementFailed  AdminFlagKind = "disbursement_failed"
)

// AdminFlag marks a record for manual resolution. Flags are append-only;
// resolving one records who resolved it and when.
type AdminFlag struct {
	ID         uuid.UUID     `json:"id"`
	Kind       AdminFlagKind `json:"kind"`
	EntityType string        `json:"entity_type"`
	EntityID   uuid.UUID     `json:"entity_id"`
	Detail     string        `json:"detail"`
	ResolvedBy *string       `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}
