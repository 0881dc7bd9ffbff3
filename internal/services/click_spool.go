package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/internal/infrastructure/buffer"
	"github.com/fastygo/attribution/pkg/metrics"
	"github.com/fastygo/attribution/repository"
)

// ConnectionHealth abstracts the connection monitor functionality.
type ConnectionHealth interface {
	ClickStoreOnline() bool
}

// SpoolConfig controls how frequently spooled clicks are replayed.
type SpoolConfig struct {
	Interval   time.Duration
	BatchSize  int
	MaxRetries int
}

// ClickSpool replays clicks that were spooled while the click store was down.
type ClickSpool struct {
	*scheduledJob

	store   *buffer.Store
	monitor ConnectionHealth
	clicks  repository.ClickRepository
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     SpoolConfig
	now     func() time.Time
}

func NewClickSpool(
	store *buffer.Store,
	monitor ConnectionHealth,
	clicks repository.ClickRepository,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg SpoolConfig,
) (*ClickSpool, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cs := &ClickSpool{
		store:   store,
		monitor: monitor,
		clicks:  clicks,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
	job, err := newScheduledJob("click_spool", every(cfg.Interval), cfg.Interval, logger, func(ctx context.Context) error {
		_, err := cs.Drain(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	cs.scheduledJob = job
	return cs, nil
}

// Drain replays one batch of spooled clicks and returns how many reached the
// click store. Clicks that expired while spooled are discarded.
func (cs *ClickSpool) Drain(ctx context.Context) (int, error) {
	if cs == nil || cs.store == nil {
		return 0, nil
	}
	if cs.monitor != nil && !cs.monitor.ClickStoreOnline() {
		cs.logger.Debug("skipping spool drain (click store offline)")
		return 0, nil
	}

	if dropped, err := cs.store.Cleanup(cs.now()); err != nil {
		cs.logger.Warn("spool cleanup failed", zap.Error(err))
	} else if dropped > 0 {
		cs.logger.Warn("dropped expired spooled clicks", zap.Int("count", dropped))
	}

	items, err := cs.store.GetBatch(cs.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, item := range items {
		if ctx.Err() != nil {
			return replayed, ctx.Err()
		}
		err := cs.clicks.Append(ctx, item.Click)
		if err != nil && !domain.IsDomainError(err, domain.ErrCodeConflict) {
			cs.logger.Error("failed to replay spooled click",
				zap.String("click_id", item.Click.ClickID),
				zap.Int("retries", item.Retries),
				zap.Error(err))

			if item.Retries+1 >= cs.cfg.MaxRetries {
				cs.logger.Warn("dropping spooled click (max retries reached)", zap.String("click_id", item.Click.ClickID))
				cs.metrics.ClickIngested(ctx, "dropped")
				_ = cs.store.Remove(item)
				continue
			}
			if err := cs.store.Requeue(item, err); err != nil {
				cs.logger.Error("failed to requeue spooled click", zap.Error(err))
			}
			continue
		}

		if err := cs.store.Remove(item); err != nil {
			cs.logger.Warn("failed to purge replayed click", zap.Error(err))
		}
		cs.metrics.ClickIngested(ctx, "replayed")
		replayed++
	}
	return replayed, nil
}

// Size returns the number of spooled clicks.
func (cs *ClickSpool) Size() int {
	if cs == nil || cs.store == nil {
		return 0
	}
	size, err := cs.store.Size()
	if err != nil {
		return 0
	}
	return size
}
