/**
 * @description
 * Message payloads published to and consumed from the broker. Routing keys
 * follow the `attestation.*` and `disbursement.transfer.*` topic families.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// AttestationConfirmedEvent is published once an attestation reaches the
// confirmation threshold and its verification result has been computed.
type AttestationConfirmedEvent struct {
	AttestationID  uuid.UUID `json:"attestation_id"`
	SessionID      uuid.UUID `json:"session_id"`
	ExternalTxRef  string    `json:"external_tx_ref"`
	Confirmations  int       `json:"confirmations"`
	CreditEligible bool      `json:"credit_eligible"`
	Timestamp      time.Time `json:"timestamp"`
}

// TransferStatusEvent is consumed from the institution payment pipeline and
// reports the fate of one disbursement transfer. Status values are
// normalised by the consumer before use.
type TransferStatusEvent struct {
	IdempotencyToken string `json:"idempotency_token"`
	ExternalRef      string `json:"external_ref"`
	Status           string `json:"status"`
	Reason           string `json:"reason,omitempty"`
}

// DisbursementSettledEvent is published when a disbursement reaches a
// terminal state, for downstream reporting consumers.
type DisbursementSettledEvent struct {
	DisbursementID uuid.UUID `json:"disbursement_id"`
	AccountID      uuid.UUID `json:"account_id"`
	Amount         int64     `json:"amount"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
}
