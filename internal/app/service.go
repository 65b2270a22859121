/**
 * @description
 * This file contains the core business logic for the attestation-service. The
 * `Service` struct orchestrates the session lifecycle, signature collection,
 * attestation building, the derived credit ledger, payment allocation, and
 * disbursements, coordinating between the database repository, the external
 * ledger and institution API clients, and the message broker.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/hashing, internal/store: For domain models,
 *   masking, and data access.
 * - pkg/ledgerclient, pkg/institutionclient, pkg/identityclient,
 *   pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"crypto/ed25519"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/careloop/attestation-service/internal/domain"
	"github.com/careloop/attestation-service/internal/hashing"
	"github.com/careloop/attestation-service/internal/store"
	"github.com/careloop/attestation-service/pkg/institutionclient"
	"github.com/careloop/attestation-service/pkg/ledgerclient"
	"github.com/careloop/attestation-service/pkg/rabbitmq"
)

// Service-level sentinel errors. Handlers map these to HTTP statuses.
var (
	ErrNotParticipant        = errors.New("party is not a participant of this session")
	ErrSamePartySession      = errors.New("helper and recipient must be different parties")
	ErrInvalidTaskType       = errors.New("unknown task type")
	ErrProximity             = errors.New("check-in location is outside the allowed proximity")
	ErrSessionTooShort       = errors.New("session duration is below the creditable minimum")
	ErrSessionTooLong        = errors.New("session duration exceeds the creditable maximum")
	ErrSignatureWindowClosed = errors.New("signature collection window has closed")
	ErrAlreadySigned         = errors.New("party has already signed this session")
	ErrSignatureInvalid      = errors.New("signature does not verify against the registered key")
	ErrInsufficientBalance   = errors.New("requested amount exceeds the available balance")
	ErrNothingToAllocate     = errors.New("no verified hours fall inside the payment period")
	ErrNotReconcilable       = errors.New("allocation totals do not reconcile against the payment")
)

// LedgerAPI is the slice of the external ledger client the service uses.
type LedgerAPI interface {
	Submit(ctx context.Context, payload ledgerclient.SubmitRequest) (string, error)
	Confirmations(ctx context.Context, txRef string) (int, error)
}

// InstitutionAPI is the slice of the institution payment client the service uses.
type InstitutionAPI interface {
	InitiateTransfer(ctx context.Context, payload institutionclient.TransferRequest) (*institutionclient.TransferResponse, error)
}

// IdentityAPI resolves a party's registered signing key.
type IdentityAPI interface {
	GetPublicKey(ctx context.Context, userID string) (ed25519.PublicKey, error)
}

// Settings carries the business tunables loaded from configuration.
type Settings struct {
	ProximityToleranceMeters float64
	MinSessionMinutes        int
	MaxSessionMinutes        int
	RequestExpiry            time.Duration
	SignatureExpiry          time.Duration

	ConfirmationThreshold  int
	SubmissionMaxRetries   int
	SubmissionBackoffBase  time.Duration
	DisbursementMaxRetries int

	CommissionMode    domain.CommissionMode
	CommissionFlat    int64
	CommissionPercent float64

	EventsExchange string
}

// Service provides the core business logic for session attestation and the
// credit ledger.
type Service struct {
	repo        store.Repository
	masker      *hashing.Masker
	ledger      LedgerAPI
	institution InstitutionAPI
	identity    IdentityAPI
	producer    rabbitmq.Publisher
	locks       *accountLocks
	settings    Settings
	now         func() time.Time
}

// NewService creates a new attestation service instance.
func NewService(repo store.Repository, masker *hashing.Masker, ledger LedgerAPI, institution InstitutionAPI, identity IdentityAPI, producer rabbitmq.Publisher, settings Settings) *Service {
	return &Service{
		repo:        repo,
		masker:      masker,
		ledger:      ledger,
		institution: institution,
		identity:    identity,
		producer:    producer,
		locks:       newAccountLocks(),
		settings:    settings,
		now:         time.Now,
	}
}

const earthRadiusMeters = 6371000

// haversineMeters returns the great-circle distance between two coordinates.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}

// participant reports which role, if any, partyID plays in the session.
func participant(s *domain.Session, partyID uuid.UUID) (isHelper bool, ok bool) {
	switch partyID {
	case s.HelperID:
		return true, true
	case s.RecipientID:
		return false, true
	}
	return false, false
}
