// Package payout groups payable ledger entries into per-partner batches and
// tracks them through execution.
package payout

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/pkg/metrics"
	"github.com/fastygo/attribution/repository"
)

// Callback statuses reported by the payout executor.
const (
	CallbackPaid   = "paid"
	CallbackFailed = "failed"
)

// Executor hands a batch to the external payment system. Completion is
// reported later through HandleCallback.
type Executor interface {
	Submit(ctx context.Context, batch domain.PayoutBatch) error
}

type Options struct {
	// LeaseTTL bounds how long one writer may hold a partner period.
	LeaseTTL time.Duration
	// Concurrency limits partners aggregated in parallel by Run.
	Concurrency int
}

type Aggregator struct {
	ledger   repository.LedgerRepository
	payouts  repository.PayoutRepository
	locker   repository.PeriodLocker
	executor Executor
	opts     Options
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// Report is the result of aggregating one partner.
type Report struct {
	PartnerID string              `json:"partner_id"`
	Batch     *domain.PayoutBatch `json:"batch,omitempty"`
	Err       error               `json:"-"`
}

func New(
	ledger repository.LedgerRepository,
	payouts repository.PayoutRepository,
	locker repository.PeriodLocker,
	executor Executor,
	opts Options,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Aggregator {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		ledger:   ledger,
		payouts:  payouts,
		locker:   locker,
		executor: executor,
		opts:     opts,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	if now != nil {
		a.now = now
	}
	return a
}

// Run aggregates every partner with payable entries before the period end.
// Partner failures do not stop the others; they are joined into the error.
func (a *Aggregator) Run(ctx context.Context, period domain.Period) ([]Report, error) {
	partners, err := a.ledger.ListPayablePartners(ctx, period.End)
	if err != nil {
		return nil, domain.Transient("list payable partners", err)
	}

	var (
		mu      sync.Mutex
		reports = make([]Report, 0, len(partners))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for _, partnerID := range partners {
		g.Go(func() error {
			batch, err := a.AggregatePartner(gctx, partnerID, period)
			if err != nil {
				a.logger.Warn("partner aggregation failed",
					zap.String("partner_id", partnerID),
					zap.Time("period_end", period.End),
					zap.Error(err))
			}
			mu.Lock()
			reports = append(reports, Report{PartnerID: partnerID, Batch: batch, Err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(reports, func(i, j int) bool { return reports[i].PartnerID < reports[j].PartnerID })
	var errs []error
	for _, r := range reports {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return reports, errors.Join(errs...)
}

// AggregatePartner builds, or resumes, the partner's batch for the period and
// submits it. A nil batch with a nil error means there was nothing positive
// to pay; the entries carry forward.
func (a *Aggregator) AggregatePartner(ctx context.Context, partnerID string, period domain.Period) (*domain.PayoutBatch, error) {
	if partnerID == "" || !period.End.After(period.Start) {
		return nil, domain.ErrInvalidPayload
	}
	key := "payout:" + period.Key(partnerID)
	token, ok, err := a.locker.Acquire(ctx, key, a.opts.LeaseTTL)
	if err != nil {
		return nil, domain.Transient("acquire payout lease", err)
	}
	if !ok {
		return nil, domain.ErrBatchClaimConflict
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := a.locker.Release(releaseCtx, key, token); err != nil {
			a.logger.Warn("release payout lease", zap.String("key", key), zap.Error(err))
		}
	}()

	existing, err := a.payouts.FindByPeriod(ctx, partnerID, period)
	switch {
	case err == nil:
		if existing.Status == domain.BatchOpen {
			return a.submit(ctx, existing)
		}
		return existing, nil
	case !errors.Is(err, domain.ErrBatchNotFound):
		return nil, err
	}

	entries, err := a.ledger.ListPayable(ctx, partnerID, period.End)
	if err != nil {
		return nil, domain.Transient("list payable entries", err)
	}
	total := decimal.Zero
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		total = total.Add(entry.Amount)
		ids = append(ids, entry.EntryID)
	}
	if len(ids) == 0 || !total.IsPositive() {
		a.logger.Info("nothing payable, carrying forward",
			zap.String("partner_id", partnerID),
			zap.Int("entries", len(ids)),
			zap.String("net", total.String()))
		return nil, nil
	}
	sort.Strings(ids)

	now := a.now().UTC()
	batch := &domain.PayoutBatch{
		BatchID:      uuid.NewString(),
		PartnerID:    partnerID,
		PeriodStart:  period.Start,
		PeriodEnd:    period.End,
		EntryIDs:     ids,
		TotalPayable: total,
		Status:       domain.BatchOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.payouts.Create(ctx, batch); err != nil {
		return nil, err
	}
	a.metrics.PayoutBatch(ctx, string(domain.BatchOpen))
	return a.submit(ctx, batch)
}

// submit hands an open batch to the executor. On failure the batch stays open
// and is re-submitted by the next run.
func (a *Aggregator) submit(ctx context.Context, batch *domain.PayoutBatch) (*domain.PayoutBatch, error) {
	if err := a.executor.Submit(ctx, *batch); err != nil {
		a.metrics.PayoutBatch(ctx, "submit_failed")
		return batch, domain.Transient("submit payout batch", err)
	}
	at := a.now().UTC()
	if err := a.payouts.MarkClaimed(ctx, batch.BatchID, at); err != nil {
		return batch, err
	}
	batch.Status = domain.BatchClaimed
	batch.UpdatedAt = at
	a.metrics.PayoutBatch(ctx, string(domain.BatchClaimed))
	a.logger.Info("payout batch submitted",
		zap.String("batch_id", batch.BatchID),
		zap.String("partner_id", batch.PartnerID),
		zap.String("total", batch.TotalPayable.String()),
		zap.Int("entries", len(batch.EntryIDs)))
	return batch, nil
}

// HandleCallback applies the executor's verdict. Paid is terminal and
// idempotent; failed reopens the batch for re-submission.
func (a *Aggregator) HandleCallback(ctx context.Context, batchID, status, reference, reason string) (*domain.PayoutBatch, error) {
	batch, err := a.payouts.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	at := a.now().UTC()

	switch status {
	case CallbackPaid:
		if batch.IsPaid() {
			return batch, nil
		}
		if err := a.payouts.MarkPaid(ctx, batchID, reference, at); err != nil {
			return nil, err
		}
		a.metrics.PayoutBatch(ctx, string(domain.BatchPaid))
	case CallbackFailed:
		if batch.IsPaid() {
			return nil, domain.ErrBatchState
		}
		if batch.Status == domain.BatchOpen {
			return batch, nil
		}
		if err := a.payouts.Reopen(ctx, batchID, reason, at); err != nil {
			return nil, err
		}
		a.metrics.PayoutBatch(ctx, "failed")
		a.logger.Warn("payout batch failed, reopened", zap.String("batch_id", batchID), zap.String("reason", reason))
	default:
		return nil, domain.NewError(domain.ErrCodeInvalid, "status must be paid or failed")
	}
	return a.payouts.Get(ctx, batchID)
}

// Batch returns a stored batch.
func (a *Aggregator) Batch(ctx context.Context, batchID string) (*domain.PayoutBatch, error) {
	return a.payouts.Get(ctx, batchID)
}
