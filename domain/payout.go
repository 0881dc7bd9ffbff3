package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type BatchStatus string

const (
	BatchOpen    BatchStatus = "open"
	BatchClaimed BatchStatus = "claimed"
	BatchPaid    BatchStatus = "paid"
)

// PayoutBatch aggregates payable ledger entries of one partner for one period.
type PayoutBatch struct {
	BatchID      string          `json:"batch_id"`
	PartnerID    string          `json:"partner_id"`
	PeriodStart  time.Time       `json:"period_start"`
	PeriodEnd    time.Time       `json:"period_end"`
	EntryIDs     []string        `json:"entry_ids"`
	TotalPayable decimal.Decimal `json:"total_payable"`
	Status       BatchStatus     `json:"status"`
	Reference    string          `json:"reference,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// IsPaid reports whether the batch reached its terminal state.
func (b *PayoutBatch) IsPaid() bool {
	return b != nil && b.Status == BatchPaid
}

// Period is a half-open payout period [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// Key identifies the single-writer claim for a partner and period.
func (p Period) Key(partnerID string) string {
	return partnerID + ":" + p.Start.UTC().Format(time.RFC3339) + ":" + p.End.UTC().Format(time.RFC3339)
}
