package click

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/repository"
	"github.com/fastygo/attribution/repository/memory"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type downStore struct {
	repository.ClickRepository
}

func (downStore) Append(context.Context, domain.ClickEvent) error {
	return errors.New("redis: connection pool timeout")
}

type memorySpool struct {
	clicks []domain.ClickEvent
	err    error
}

func (s *memorySpool) SpoolClick(_ context.Context, click domain.ClickEvent) error {
	if s.err != nil {
		return s.err
	}
	s.clicks = append(s.clicks, click)
	return nil
}

func TestRecordClickStores(t *testing.T) {
	ctx := context.Background()
	arena := memory.NewClickArena(time.Hour)
	uc := New(arena, &memorySpool{}, 24*time.Hour, nil, nil).WithClock(func() time.Time { return now })

	click, err := uc.RecordClick(ctx, RecordInput{PartnerID: " p1 ", SessionKey: "sess-1", Metadata: domain.ClickMetadata{Campaign: "spring"}})
	if err != nil {
		t.Fatalf("RecordClick: %v", err)
	}
	if click.ClickID == "" || click.PartnerID != "p1" || !click.Timestamp.Equal(now) || !click.ExpiresAt.Equal(now.Add(24*time.Hour)) {
		t.Fatalf("unexpected click: %+v", click)
	}

	found, err := uc.LookupClicksForSession(ctx, "sess-1", now, now.Add(time.Nanosecond))
	if err != nil || len(found) != 1 || found[0].ClickID != click.ClickID || found[0].Metadata.Campaign != "spring" {
		t.Fatalf("LookupClicksForSession: %+v, %v", found, err)
	}

	other, _ := uc.RecordClick(ctx, RecordInput{PartnerID: "p1", SessionKey: "sess-1"})
	if other.ClickID == click.ClickID {
		t.Fatalf("click ids must be unique")
	}
}

func TestRecordClickValidates(t *testing.T) {
	uc := New(memory.NewClickArena(time.Hour), nil, 0, nil, nil)
	for _, in := range []RecordInput{{SessionKey: "s"}, {PartnerID: "p"}} {
		if _, err := uc.RecordClick(context.Background(), in); !domain.IsDomainError(err, domain.ErrCodeInvalid) {
			t.Fatalf("expected invalid input error for %+v, got %v", in, err)
		}
	}
}

func TestRecordClickFallsBackToSpool(t *testing.T) {
	spool := &memorySpool{}
	uc := New(downStore{}, spool, time.Hour, nil, nil)

	click, err := uc.RecordClick(context.Background(), RecordInput{PartnerID: "p1", SessionKey: "sess-1"})
	if err != nil {
		t.Fatalf("expected the spool to accept the click, got %v", err)
	}
	if len(spool.clicks) != 1 || spool.clicks[0].ClickID != click.ClickID {
		t.Fatalf("expected the click in the spool, got %+v", spool.clicks)
	}
}

func TestRecordClickBothSinksDown(t *testing.T) {
	uc := New(downStore{}, &memorySpool{err: errors.New("disk full")}, time.Hour, nil, nil)
	_, err := uc.RecordClick(context.Background(), RecordInput{PartnerID: "p1", SessionKey: "sess-1"})
	if !domain.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}
