package repository

import (
	"context"
	"time"

	"github.com/fastygo/attribution/domain"
)

// PayoutRepository stores payout batches and their entry links.
type PayoutRepository interface {
	Get(ctx context.Context, batchID string) (*domain.PayoutBatch, error)
	FindByPeriod(ctx context.Context, partnerID string, period domain.Period) (*domain.PayoutBatch, error)
	// Create stores an open batch together with its entry links in one unit.
	// It fails with domain.ErrEntryAlreadyBatched when any entry is linked elsewhere.
	Create(ctx context.Context, batch *domain.PayoutBatch) error
	MarkClaimed(ctx context.Context, batchID string, at time.Time) error
	// MarkPaid is terminal: the batch and its commission entries become paid.
	MarkPaid(ctx context.Context, batchID, reference string, at time.Time) error
	// Reopen returns a claimed batch to open after a failed execution.
	Reopen(ctx context.Context, batchID, reason string, at time.Time) error
}

// PeriodLocker grants a single writer per payout key.
type PeriodLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}
