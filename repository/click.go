package repository

import (
	"context"
	"time"

	"github.com/fastygo/attribution/domain"
)

// ClickRepository is the active, TTL-bounded click store.
type ClickRepository interface {
	// Append writes a new click. Click IDs are server generated, so writes never contend.
	Append(ctx context.Context, click domain.ClickEvent) error
	Get(ctx context.Context, clickID string) (*domain.ClickEvent, error)
	// LookupSession returns clicks of a session with since <= timestamp < until,
	// ordered by timestamp then click ID.
	LookupSession(ctx context.Context, sessionKey string, since, until time.Time) ([]domain.ClickEvent, error)
	// ListExpired returns up to limit clicks whose expiry is not after now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.ClickEvent, error)
	// Evict removes clicks from the active indexes.
	Evict(ctx context.Context, clicks []domain.ClickEvent) error
}

// ClickArchive retains expired clicks for the audit period.
type ClickArchive interface {
	Archive(ctx context.Context, clicks []domain.ClickEvent) error
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}
