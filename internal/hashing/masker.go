/**
 * @description
 * Privacy-preserving masking and canonical content hashing. Everything that
 * reaches the external ledger goes through this package first: party ids and
 * locations are one-way HMAC hashes salted per deployment, and the session
 * content hash is a pure function of the canonicalised session facts.
 *
 * @notes
 * - The same salt must be configured across restarts or previously attested
 *   records can no longer be re-derived for integrity checks.
 * - ContentHash must stay byte-stable: it is the exact value both parties
 *   sign and the value re-derived during verification.
 */

package hashing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultLocationPrecision is the number of coordinate decimals kept before
// hashing. Three decimals is roughly a 110 m cell, coarse enough that the
// hash never leaks a household address.
const DefaultLocationPrecision = 3

// Masker derives deterministic one-way identifiers from raw data.
type Masker struct {
	salt []byte
}

// NewMasker creates a Masker with the per-deployment salt.
func NewMasker(salt string) *Masker {
	return &Masker{salt: []byte(salt)}
}

func (m *Masker) mask(data string) string {
	mac := hmac.New(sha256.New, m.salt)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// MaskPartyID returns the salted hash of a raw party identifier.
func (m *Masker) MaskPartyID(id uuid.UUID) string {
	return m.mask("party:" + id.String())
}

// MaskLocation rounds coordinates to precision decimals and hashes the
// canonical "lat,lon" string. Raw coordinates are never stored.
func (m *Masker) MaskLocation(lat, lon float64, precision int) string {
	if precision < 0 {
		precision = DefaultLocationPrecision
	}
	canonical := fmt.Sprintf("%.*f,%.*f", precision, lat, precision, lon)
	return m.mask("location:" + canonical)
}

// SessionFacts are the canonicalised inputs to the content hash. Party ids
// and location are already masked; timestamps are UTC.
type SessionFacts struct {
	SessionID       uuid.UUID
	HelperIDHash    string
	RecipientIDHash string
	StartTime       time.Time
	EndTime         time.Time
	LocationHash    string
	TaskType        string
}

// ContentHash returns the deterministic SHA-256 hash of the session facts.
// The field order and encoding are fixed; changing either would orphan every
// previously signed hash.
func ContentHash(f SessionFacts) string {
	fields := []string{
		f.SessionID.String(),
		f.HelperIDHash,
		f.RecipientIDHash,
		strconv.FormatInt(f.StartTime.UTC().Unix(), 10),
		strconv.FormatInt(f.EndTime.UTC().Unix(), 10),
		f.LocationHash,
		f.TaskType,
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

// VerifyContentHash re-derives the hash from facts and compares it in
// constant time against the provided value.
func VerifyContentHash(f SessionFacts, provided string) bool {
	return hmac.Equal([]byte(ContentHash(f)), []byte(provided))
}
