package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryConfirmed EntryStatus = "confirmed"
	EntryReversed  EntryStatus = "reversed"
	EntryPaid      EntryStatus = "paid"
)

type EntryKind string

const (
	EntryCommission EntryKind = "commission"
	EntryReversal   EntryKind = "reversal"
)

// PartnerRateSnapshot is the partner's rate evaluated at conversion time.
type PartnerRateSnapshot struct {
	PartnerID      string          `json:"partner_id"`
	BaseRate       decimal.Decimal `json:"base_rate"`
	Tier           string          `json:"tier,omitempty"`
	TierMultiplier decimal.Decimal `json:"tier_multiplier"`
	TierBonusRate  decimal.Decimal `json:"tier_bonus_rate"`
	Volume         decimal.Decimal `json:"volume_at_evaluation_time"`
	EffectiveRate  decimal.Decimal `json:"effective_rate"`
	EvaluatedAt    time.Time       `json:"evaluated_at"`
}

// LedgerEntry is an immutable commission or reversal line. Status reflects the
// latest entry in the append-only status log.
type LedgerEntry struct {
	EntryID         string              `json:"entry_id"`
	Kind            EntryKind           `json:"kind"`
	PartnerID       string              `json:"partner_id"`
	ConversionID    string              `json:"conversion_id"`
	ClickID         string              `json:"click_id"`
	ReversesEntryID string              `json:"reverses_entry_id,omitempty"`
	Weight          float64             `json:"weight"`
	EffectiveRate   decimal.Decimal     `json:"effective_rate"`
	Rate            PartnerRateSnapshot `json:"rate"`
	Amount          decimal.Decimal     `json:"amount"`
	Status          EntryStatus         `json:"status"`
	BatchID         string              `json:"batch_id,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
}

// InitialStatus is the status recorded when the entry is appended.
func (e LedgerEntry) InitialStatus() EntryStatus {
	if e.Kind == EntryReversal {
		return EntryReversed
	}
	return EntryPending
}

var ledgerNamespace = uuid.MustParse("6f1c3f0e-5d0b-4b8e-9a55-3c1f2b7d9e41")

// LedgerEntryID derives a stable entry ID so recomputing a conversion yields
// the same entries.
func LedgerEntryID(conversionID, partnerID string, kind EntryKind) string {
	return uuid.NewSHA1(ledgerNamespace, []byte(conversionID+"/"+partnerID+"/"+string(kind))).String()
}
