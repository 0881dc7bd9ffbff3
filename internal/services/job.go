package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// scheduledJob runs one background task on a cron schedule. Overlapping runs
// are skipped and every run gets its own deadline. Runs derive from a
// job-owned context that Stop cancels.
type scheduledJob struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
	cron    *cron.Cron
	logger  *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

func newScheduledJob(name, schedule string, timeout time.Duration, logger *zap.Logger, run func(ctx context.Context) error) (*scheduledJob, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger: logger.With(zap.String("job", name))}
	ctx, cancel := context.WithCancel(context.Background())
	j := &scheduledJob{
		name:    name,
		timeout: timeout,
		run:     run,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	if _, err := j.cron.AddFunc(schedule, j.invoke); err != nil {
		cancel()
		return nil, fmt.Errorf("schedule %s %q: %w", name, schedule, err)
	}
	return j, nil
}

func (j *scheduledJob) invoke() {
	j.running.Add(1)
	defer j.running.Done()

	ctx, cancel := context.WithTimeout(j.ctx, j.timeout)
	defer cancel()
	err := j.run(ctx)
	switch {
	case err == nil:
	case j.ctx.Err() != nil:
		j.logger.Warn("scheduled job interrupted by shutdown", zap.String("job", j.name), zap.Error(err))
	default:
		j.logger.Error("scheduled job failed", zap.String("job", j.name), zap.Error(err))
	}
}

func every(interval time.Duration) string {
	return fmt.Sprintf("@every %s", interval)
}

// Start launches the cron scheduler.
func (j *scheduledJob) Start() {
	if j == nil || j.cron == nil {
		return
	}
	j.cron.Start()
	j.logger.Info("scheduled job started", zap.String("job", j.name))
}

// Stop halts the schedule, cancels an in-flight run and waits for it to
// return or for ctx to end.
func (j *scheduledJob) Stop(ctx context.Context) error {
	if j == nil || j.cron == nil {
		return nil
	}
	j.cron.Stop()
	j.cancel()

	done := make(chan struct{})
	go func() {
		j.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	j.logger.Info("scheduled job stopped", zap.String("job", j.name))
	return nil
}

type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
