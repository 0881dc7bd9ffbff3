package click

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/pkg/metrics"
	"github.com/fastygo/attribution/repository"
)

// Spool keeps clicks that could not reach the click store for a later replay.
type Spool interface {
	SpoolClick(ctx context.Context, click domain.ClickEvent) error
}

// RecordInput is the click ingest payload.
type RecordInput struct {
	PartnerID  string
	SessionKey string
	Metadata   domain.ClickMetadata
}

type UseCase struct {
	clicks  repository.ClickRepository
	spool   Spool
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func New(clicks repository.ClickRepository, spool Spool, ttl time.Duration, m *metrics.Metrics, logger *zap.Logger) *UseCase {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UseCase{
		clicks:  clicks,
		spool:   spool,
		ttl:     ttl,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (uc *UseCase) WithClock(now func() time.Time) *UseCase {
	if now != nil {
		uc.now = now
	}
	return uc
}

// RecordClick stores a click under a server-generated ID. Store failures fall
// back to the spool; only when both fail does the caller get a retryable error.
func (uc *UseCase) RecordClick(ctx context.Context, in RecordInput) (*domain.ClickEvent, error) {
	in.PartnerID = strings.TrimSpace(in.PartnerID)
	in.SessionKey = strings.TrimSpace(in.SessionKey)
	if in.PartnerID == "" || in.SessionKey == "" {
		return nil, domain.NewError(domain.ErrCodeInvalid, "partner_id and session_key are required")
	}

	now := uc.now().UTC()
	click := domain.ClickEvent{
		ClickID:    uuid.NewString(),
		PartnerID:  in.PartnerID,
		SessionKey: in.SessionKey,
		Timestamp:  now,
		ExpiresAt:  now.Add(uc.ttl),
		Metadata:   in.Metadata,
	}

	err := uc.clicks.Append(ctx, click)
	if err == nil {
		uc.metrics.ClickIngested(ctx, "stored")
		return &click, nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || uc.spool == nil {
		uc.metrics.ClickIngested(ctx, "failed")
		return nil, domain.Transient("click store unavailable", err)
	}

	uc.logger.Warn("click store write failed, spooling", zap.String("click_id", click.ClickID), zap.Error(err))
	if spoolErr := uc.spool.SpoolClick(ctx, click); spoolErr != nil {
		uc.metrics.ClickIngested(ctx, "failed")
		uc.logger.Error("click spool failed", zap.String("click_id", click.ClickID), zap.Error(spoolErr))
		return nil, domain.Transient("click store unavailable", errors.Join(err, spoolErr))
	}
	uc.metrics.ClickIngested(ctx, "spooled")
	return &click, nil
}

// LookupClicksForSession returns clicks with since <= timestamp < until, oldest first.
func (uc *UseCase) LookupClicksForSession(ctx context.Context, sessionKey string, since, until time.Time) ([]domain.ClickEvent, error) {
	return uc.clicks.LookupSession(ctx, sessionKey, since, until)
}
