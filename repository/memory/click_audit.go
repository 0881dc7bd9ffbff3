package memory

import (
	"context"
	"sync"
	"time"

	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/repository"
)

// ClickAudit is an in-process archive of expired clicks.
type ClickAudit struct {
	mu     sync.Mutex
	clicks map[string]domain.ClickEvent
}

func NewClickAudit() *ClickAudit {
	return &ClickAudit{clicks: make(map[string]domain.ClickEvent)}
}

var _ repository.ClickArchive = (*ClickAudit)(nil)

func (a *ClickAudit) Archive(_ context.Context, clicks []domain.ClickEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, click := range clicks {
		a.clicks[click.ClickID] = click
	}
	return nil
}

func (a *ClickAudit) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var purged int64
	for id, click := range a.clicks {
		if click.ExpiresAt.Before(olderThan) {
			delete(a.clicks, id)
			purged++
		}
	}
	return purged, nil
}

// Contains reports whether a click was archived.
func (a *ClickAudit) Contains(clickID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.clicks[clickID]
	return ok
}
