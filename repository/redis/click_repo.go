package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	redislib "github.com/redis/go-redis/v9"

	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/repository"
)

// clickRepository keeps each click as JSON under click:{id}, a sorted set per
// session scored by click time, and one expiry sorted set for the sweep.
type clickRepository struct {
	client       redislib.UniversalClient
	clickPrefix  string
	sessionIndex string
	expiryIndex  string
}

// NewClickRepository creates a Redis-backed click store.
func NewClickRepository(client redislib.UniversalClient) repository.ClickRepository {
	return &clickRepository{
		client:       client,
		clickPrefix:  "click:",
		sessionIndex: "clicks:session:",
		expiryIndex:  "clicks:expiry",
	}
}

func (r *clickRepository) Append(ctx context.Context, click domain.ClickEvent) error {
	if click.ClickID == "" || click.SessionKey == "" {
		return domain.ErrInvalidPayload
	}
	payload, err := json.Marshal(click)
	if err != nil {
		return err
	}

	var created *redislib.BoolCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redislib.Pipeliner) error {
		created = pipe.SetNX(ctx, r.clickKey(click.ClickID), payload, 0)
		pipe.ZAdd(ctx, r.sessionKey(click.SessionKey), redislib.Z{
			Score:  float64(click.Timestamp.UnixMilli()),
			Member: click.ClickID,
		})
		pipe.ZAdd(ctx, r.expiryIndex, redislib.Z{
			Score:  float64(click.ExpiresAt.UnixMilli()),
			Member: click.ClickID,
		})
		return nil
	})
	if err != nil {
		return err
	}
	if !created.Val() {
		return domain.NewError(domain.ErrCodeConflict, "click already recorded")
	}
	return nil
}

func (r *clickRepository) Get(ctx context.Context, clickID string) (*domain.ClickEvent, error) {
	result, err := r.client.Get(ctx, r.clickKey(clickID)).Result()
	if err != nil {
		if errors.Is(err, redislib.Nil) {
			return nil, domain.ErrClickNotFound
		}
		return nil, err
	}

	var click domain.ClickEvent
	if err := json.Unmarshal([]byte(result), &click); err != nil {
		return nil, err
	}
	return &click, nil
}

func (r *clickRepository) LookupSession(ctx context.Context, sessionKey string, since, until time.Time) ([]domain.ClickEvent, error) {
	if sessionKey == "" || !until.After(since) {
		return nil, nil
	}
	// Scores are milliseconds; widen the range and filter exactly below.
	ids, err := r.client.ZRangeByScore(ctx, r.sessionKey(sessionKey), &redislib.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: strconv.FormatInt(until.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	clicks, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := clicks[:0]
	for _, click := range clicks {
		if !click.Timestamp.Before(since) && click.Timestamp.Before(until) {
			out = append(out, click)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (r *clickRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.ClickEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	ids, err := r.client.ZRangeByScore(ctx, r.expiryIndex, &redislib.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	clicks, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	expired := clicks[:0]
	for _, click := range clicks {
		if click.IsExpired(now) {
			expired = append(expired, click)
		}
	}
	return expired, nil
}

func (r *clickRepository) Evict(ctx context.Context, clicks []domain.ClickEvent) error {
	if len(clicks) == 0 {
		return nil
	}
	_, err := r.client.Pipelined(ctx, func(pipe redislib.Pipeliner) error {
		for _, click := range clicks {
			pipe.Del(ctx, r.clickKey(click.ClickID))
			pipe.ZRem(ctx, r.sessionKey(click.SessionKey), click.ClickID)
			pipe.ZRem(ctx, r.expiryIndex, click.ClickID)
		}
		return nil
	})
	return err
}

// load fetches click payloads in index order. IDs whose payload vanished are
// dropped from the expiry index so the sweep does not revisit them.
func (r *clickRepository) load(ctx context.Context, ids []string) ([]domain.ClickEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.clickKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	clicks := make([]domain.ClickEvent, 0, len(values))
	var orphans []interface{}
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			orphans = append(orphans, ids[i])
			continue
		}
		var click domain.ClickEvent
		if err := json.Unmarshal([]byte(raw), &click); err != nil {
			return nil, fmt.Errorf("decode click %s: %w", ids[i], err)
		}
		clicks = append(clicks, click)
	}
	if len(orphans) > 0 {
		r.client.ZRem(ctx, r.expiryIndex, orphans...)
	}
	return clicks, nil
}

func (r *clickRepository) clickKey(id string) string {
	return fmt.Sprintf("%s%s", r.clickPrefix, id)
}

func (r *clickRepository) sessionKey(key string) string {
	return fmt.Sprintf("%s%s", r.sessionIndex, key)
}
