package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConversionEvent is delivered by the booking system, at least once per ConversionID.
type ConversionEvent struct {
	ConversionID string          `json:"conversion_id"`
	ProgramID    string          `json:"program_id,omitempty"`
	SessionKey   string          `json:"session_key,omitempty"`
	Fingerprint  string          `json:"fingerprint,omitempty"`
	GrossAmount  decimal.Decimal `json:"gross_amount"`
	Timestamp    time.Time       `json:"timestamp"`
}

// CorrelationKey is the visitor key used to look up touchpoints. Fingerprints
// are resolved upstream and taken as given.
func (c ConversionEvent) CorrelationKey() string {
	if c.SessionKey != "" {
		return c.SessionKey
	}
	return c.Fingerprint
}

type ClaimState string

const (
	ClaimProcessing  ClaimState = "processing"
	ClaimNeedsReview ClaimState = "needs_review"
	ClaimComplete    ClaimState = "complete"
)

// ConversionClaim is the durable idempotency record for a conversion. Result
// and Entries are checkpointed before the ledger is written; once set, every
// later attempt settles exactly that outcome.
type ConversionClaim struct {
	ConversionID   string             `json:"conversion_id"`
	State          ClaimState         `json:"state"`
	Owner          string             `json:"owner"`
	Conversion     ConversionEvent    `json:"conversion"`
	Result         *AttributionResult `json:"result,omitempty"`
	Entries        []LedgerEntry      `json:"entries,omitempty"`
	Attempts       int                `json:"attempts"`
	LastError      string             `json:"last_error,omitempty"`
	ClaimedAt      time.Time          `json:"claimed_at"`
	LeaseExpiresAt time.Time          `json:"lease_expires_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Checkpointed reports whether an earlier attempt already fixed the outcome.
func (c *ConversionClaim) Checkpointed() bool {
	return c != nil && c.Result != nil
}

// Reclaimable reports whether another worker may take the claim over.
func (c *ConversionClaim) Reclaimable(now time.Time) bool {
	if c == nil {
		return false
	}
	switch c.State {
	case ClaimNeedsReview:
		return true
	case ClaimProcessing:
		return !c.LeaseExpiresAt.After(now)
	default:
		return false
	}
}
