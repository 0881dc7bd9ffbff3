package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/repository"
)

const arenaShards = 32

// ClickArena is an in-process click store. Clicks live in per-session slices
// kept in (timestamp, click_id) order for windowed scans; a coarse expiry
// bucket index is only consulted by the eviction sweep.
type ClickArena struct {
	shards      [arenaShards]*arenaShard
	bucketWidth time.Duration
}

type arenaShard struct {
	mu        sync.RWMutex
	byID      map[string]*domain.ClickEvent
	bySession map[string][]*domain.ClickEvent
	expiry    map[int64][]string
}

// NewClickArena builds an empty arena. bucketWidth controls expiry bucket granularity.
func NewClickArena(bucketWidth time.Duration) *ClickArena {
	if bucketWidth <= 0 {
		bucketWidth = time.Hour
	}
	a := &ClickArena{bucketWidth: bucketWidth}
	for i := range a.shards {
		a.shards[i] = &arenaShard{
			byID:      make(map[string]*domain.ClickEvent),
			bySession: make(map[string][]*domain.ClickEvent),
			expiry:    make(map[int64][]string),
		}
	}
	return a
}

var _ repository.ClickRepository = (*ClickArena)(nil)

func (a *ClickArena) Append(_ context.Context, click domain.ClickEvent) error {
	if click.ClickID == "" || click.SessionKey == "" {
		return domain.ErrInvalidPayload
	}
	shard := a.shardFor(click.SessionKey)
	stored := click

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, exists := shard.byID[click.ClickID]; exists {
		return domain.NewError(domain.ErrCodeConflict, "click already recorded")
	}
	shard.byID[click.ClickID] = &stored

	session := shard.bySession[click.SessionKey]
	idx := sort.Search(len(session), func(i int) bool {
		return !session[i].Before(stored)
	})
	session = append(session, nil)
	copy(session[idx+1:], session[idx:])
	session[idx] = &stored
	shard.bySession[click.SessionKey] = session

	bucket := a.bucketOf(stored.ExpiresAt)
	shard.expiry[bucket] = append(shard.expiry[bucket], stored.ClickID)
	return nil
}

func (a *ClickArena) Get(_ context.Context, clickID string) (*domain.ClickEvent, error) {
	for _, shard := range a.shards {
		shard.mu.RLock()
		click, ok := shard.byID[clickID]
		if ok {
			out := *click
			shard.mu.RUnlock()
			return &out, nil
		}
		shard.mu.RUnlock()
	}
	return nil, domain.ErrClickNotFound
}

func (a *ClickArena) LookupSession(_ context.Context, sessionKey string, since, until time.Time) ([]domain.ClickEvent, error) {
	if sessionKey == "" {
		return nil, nil
	}
	shard := a.shardFor(sessionKey)

	shard.mu.RLock()
	defer shard.mu.RUnlock()

	session := shard.bySession[sessionKey]
	lo := sort.Search(len(session), func(i int) bool {
		return !session[i].Timestamp.Before(since)
	})
	hi := sort.Search(len(session), func(i int) bool {
		return !session[i].Timestamp.Before(until)
	})
	if lo >= hi {
		return nil, nil
	}
	out := make([]domain.ClickEvent, 0, hi-lo)
	for _, click := range session[lo:hi] {
		out = append(out, *click)
	}
	return out, nil
}

func (a *ClickArena) ListExpired(_ context.Context, now time.Time, limit int) ([]domain.ClickEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	cutoff := a.bucketOf(now)

	var expired []domain.ClickEvent
	for _, shard := range a.shards {
		shard.mu.RLock()
		for bucket, ids := range shard.expiry {
			if bucket > cutoff {
				continue
			}
			for _, id := range ids {
				if click, ok := shard.byID[id]; ok && click.IsExpired(now) {
					expired = append(expired, *click)
				}
			}
		}
		shard.mu.RUnlock()
	}

	sort.Slice(expired, func(i, j int) bool {
		if expired[i].ExpiresAt.Equal(expired[j].ExpiresAt) {
			return expired[i].ClickID < expired[j].ClickID
		}
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (a *ClickArena) Evict(_ context.Context, clicks []domain.ClickEvent) error {
	for _, click := range clicks {
		shard := a.shardFor(click.SessionKey)
		shard.mu.Lock()
		stored, ok := shard.byID[click.ClickID]
		if ok {
			delete(shard.byID, click.ClickID)
			shard.removeFromSession(stored)
			shard.removeFromBucket(a.bucketOf(stored.ExpiresAt), stored.ClickID)
		}
		shard.mu.Unlock()
	}
	return nil
}

// Len returns the number of active clicks.
func (a *ClickArena) Len() int {
	total := 0
	for _, shard := range a.shards {
		shard.mu.RLock()
		total += len(shard.byID)
		shard.mu.RUnlock()
	}
	return total
}

func (a *ClickArena) shardFor(sessionKey string) *arenaShard {
	return a.shards[xxhash.Sum64String(sessionKey)%arenaShards]
}

func (a *ClickArena) bucketOf(t time.Time) int64 {
	return t.UnixNano() / int64(a.bucketWidth)
}

func (s *arenaShard) removeFromSession(click *domain.ClickEvent) {
	session := s.bySession[click.SessionKey]
	for i, candidate := range session {
		if candidate.ClickID == click.ClickID {
			session = append(session[:i], session[i+1:]...)
			break
		}
	}
	if len(session) == 0 {
		delete(s.bySession, click.SessionKey)
		return
	}
	s.bySession[click.SessionKey] = session
}

func (s *arenaShard) removeFromBucket(bucket int64, clickID string) {
	ids := s.expiry[bucket]
	for i, id := range ids {
		if id == clickID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.expiry, bucket)
		return
	}
	s.expiry[bucket] = ids
}
