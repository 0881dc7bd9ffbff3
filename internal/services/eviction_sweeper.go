package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fastygo/attribution/pkg/metrics"
	"github.com/fastygo/attribution/repository"
)

type SweepConfig struct {
	Interval       time.Duration
	BatchSize      int
	AuditRetention time.Duration
}

// EvictionSweeper moves expired clicks from active matching into the audit
// archive and purges archive rows past retention.
type EvictionSweeper struct {
	*scheduledJob

	clicks  repository.ClickRepository
	archive repository.ClickArchive
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     SweepConfig
	now     func() time.Time
}

func NewEvictionSweeper(
	clicks repository.ClickRepository,
	archive repository.ClickArchive,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg SweepConfig,
) (*EvictionSweeper, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.AuditRetention <= 0 {
		cfg.AuditRetention = 90 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &EvictionSweeper{
		clicks:  clicks,
		archive: archive,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
	job, err := newScheduledJob("click_eviction", every(cfg.Interval), cfg.Interval, logger, func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.scheduledJob = job
	return s, nil
}

// Sweep evicts every click expired at the time of the call. A batch is only
// evicted after it was archived, so a failed archive leaves it active for the
// next sweep.
func (s *EvictionSweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	evicted := 0
	for {
		expired, err := s.clicks.ListExpired(ctx, now, s.cfg.BatchSize)
		if err != nil {
			return evicted, err
		}
		if len(expired) == 0 {
			break
		}
		if err := s.archive.Archive(ctx, expired); err != nil {
			return evicted, err
		}
		if err := s.clicks.Evict(ctx, expired); err != nil {
			return evicted, err
		}
		evicted += len(expired)
		s.metrics.ClicksEvicted(ctx, len(expired))
		if len(expired) < s.cfg.BatchSize {
			break
		}
	}

	purged, err := s.archive.Purge(ctx, now.Add(-s.cfg.AuditRetention))
	if err != nil {
		s.logger.Warn("click audit purge failed", zap.Error(err))
	}
	if evicted > 0 || purged > 0 {
		s.logger.Info("click sweep finished", zap.Int("evicted", evicted), zap.Int64("purged", purged))
	}
	return evicted, nil
}
