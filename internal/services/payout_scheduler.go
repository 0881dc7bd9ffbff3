package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fastygo/attribution/usecase/payout"
)

type PayoutScheduleConfig struct {
	Schedule   string
	Cadence    payout.Cadence
	RunTimeout time.Duration
}

// PayoutScheduler aggregates the most recently closed payout period. Runs are
// idempotent, so a schedule more frequent than the period only re-submits
// batches that are still open.
type PayoutScheduler struct {
	*scheduledJob

	aggregator *payout.Aggregator
	cadence    payout.Cadence
	logger     *zap.Logger
	now        func() time.Time
}

func NewPayoutScheduler(aggregator *payout.Aggregator, logger *zap.Logger, cfg PayoutScheduleConfig) (*PayoutScheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1h"
	}
	if cfg.Cadence == "" {
		cfg.Cadence = payout.Weekly
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &PayoutScheduler{
		aggregator: aggregator,
		cadence:    cfg.Cadence,
		logger:     logger,
		now:        time.Now,
	}
	job, err := newScheduledJob("payout_aggregation", cfg.Schedule, cfg.RunTimeout, logger, func(ctx context.Context) error {
		_, err := s.RunOnce(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.scheduledJob = job
	return s, nil
}

// RunOnce aggregates every partner for the last closed period.
func (s *PayoutScheduler) RunOnce(ctx context.Context) ([]payout.Report, error) {
	period := s.cadence.LastClosed(s.now())
	reports, err := s.aggregator.Run(ctx, period)

	batches := 0
	for _, report := range reports {
		if report.Batch != nil {
			batches++
		}
	}
	s.logger.Info("payout aggregation finished",
		zap.Time("period_start", period.Start),
		zap.Time("period_end", period.End),
		zap.Int("partners", len(reports)),
		zap.Int("batches", batches),
		zap.Error(err))
	return reports, err
}
