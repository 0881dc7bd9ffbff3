package repository

import (
	"context"
	"time"

	"github.com/fastygo/attribution/domain"
)

// ClaimRepository persists the per-conversion idempotency claim in shared storage.
type ClaimRepository interface {
	// Claim inserts a processing claim if none exists, or takes over a claim
	// that is waiting for review or whose lease expired. A completed claim is
	// returned with domain.ErrDuplicateConversion; a live foreign claim yields
	// domain.ErrClaimInProgress.
	Claim(ctx context.Context, conversion domain.ConversionEvent, owner string, lease time.Duration, now time.Time) (*domain.ConversionClaim, error)
	// Checkpoint stores the computed result and ledger entries on a processing
	// claim that has none yet. Retries and takeovers settle the checkpoint
	// instead of recomputing.
	Checkpoint(ctx context.Context, conversionID, owner string, result domain.AttributionResult, entries []domain.LedgerEntry, at time.Time) error
	// Complete finalizes the claim with its result. It is not releasable afterwards.
	Complete(ctx context.Context, conversionID, owner string, result domain.AttributionResult, at time.Time) error
	// Release hands the claim back for a later retry and flags it for review.
	// A checkpoint survives the release.
	Release(ctx context.Context, conversionID, owner, reason string, at time.Time) error
	Get(ctx context.Context, conversionID string) (*domain.ConversionClaim, error)
	// ListReviewable returns claims flagged for review or holding an expired lease.
	ListReviewable(ctx context.Context, now time.Time, limit int) ([]domain.ConversionClaim, error)
}
