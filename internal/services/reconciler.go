package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/repository"
	"github.com/fastygo/attribution/usecase/conversion"
)

// Retrier re-runs a conversion whose claim was released.
type Retrier interface {
	Retry(ctx context.Context, claim domain.ConversionClaim) (*conversion.Outcome, error)
}

type ReconcileConfig struct {
	Interval       time.Duration
	BatchSize      int
	AttemptTimeout time.Duration
}

// Reconciler picks up claims flagged for review or stuck behind an expired
// lease and matches them again.
type Reconciler struct {
	*scheduledJob

	claims  repository.ClaimRepository
	matcher Retrier
	logger  *zap.Logger
	cfg     ReconcileConfig
	now     func() time.Time
}

func NewReconciler(claims repository.ClaimRepository, matcher Retrier, logger *zap.Logger, cfg ReconcileConfig) (*Reconciler, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Reconciler{
		claims:  claims,
		matcher: matcher,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
	job, err := newScheduledJob("claim_reconciler", every(cfg.Interval), cfg.Interval, logger, func(ctx context.Context) error {
		_, err := r.Reconcile(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.scheduledJob = job
	return r, nil
}

// Reconcile retries one batch of reviewable claims and returns how many completed.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	claims, err := r.claims.ListReviewable(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, claim := range claims {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		_, err := r.matcher.Retry(attemptCtx, claim)
		cancel()
		if err != nil {
			r.logger.Warn("conversion retry failed",
				zap.String("conversion_id", claim.ConversionID),
				zap.Int("attempts", claim.Attempts),
				zap.String("last_error", claim.LastError),
				zap.Error(err))
			continue
		}
		completed++
	}
	if len(claims) > 0 {
		r.logger.Info("claim reconciliation finished", zap.Int("reviewed", len(claims)), zap.Int("completed", completed))
	}
	return completed, nil
}
