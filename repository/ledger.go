package repository

import (
	"context"
	"time"

	"github.com/fastygo/attribution/domain"
)

// LedgerRepository is the append-only commission ledger.
type LedgerRepository interface {
	// Append inserts entries that do not exist yet, keyed by entry ID, and
	// records their initial status.
	Append(ctx context.Context, entries []domain.LedgerEntry) error
	// AppendReversals inserts reversal entries and marks originals that are
	// pending, or confirmed but not yet batched, as reversed so they can never
	// be paid.
	AppendReversals(ctx context.Context, reversals []domain.LedgerEntry, at time.Time) error
	ListByConversion(ctx context.Context, conversionID string) ([]domain.LedgerEntry, error)
	// Confirm moves pending commission entries of the conversion to confirmed.
	Confirm(ctx context.Context, conversionID string, at time.Time) (int, error)
	// ListPayable returns unbatched confirmed commissions and unbatched
	// reversals of payable originals created before the cutoff.
	ListPayable(ctx context.Context, partnerID string, before time.Time) ([]domain.LedgerEntry, error)
	ListPayablePartners(ctx context.Context, before time.Time) ([]string, error)
}
