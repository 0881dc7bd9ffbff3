package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/internal/infrastructure/buffer"
	"github.com/fastygo/attribution/repository"
	"github.com/fastygo/attribution/repository/memory"
	"github.com/fastygo/attribution/usecase/conversion"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func expiring(id string, expiresAt time.Time) domain.ClickEvent {
	return domain.ClickEvent{
		ClickID:    id,
		PartnerID:  "p1",
		SessionKey: "s-" + id,
		Timestamp:  expiresAt.Add(-time.Hour),
		ExpiresAt:  expiresAt,
	}
}

func TestSweepArchivesBeforeEvicting(t *testing.T) {
	ctx := context.Background()
	arena := memory.NewClickArena(time.Hour)
	audit := memory.NewClickAudit()
	for i := 0; i < 5; i++ {
		_ = arena.Append(ctx, expiring(fmt.Sprintf("old-%d", i), now.Add(-time.Duration(i+1)*time.Minute)))
	}
	_ = arena.Append(ctx, expiring("live", now.Add(time.Hour)))

	sweeper, err := NewEvictionSweeper(arena, audit, nil, nil, SweepConfig{BatchSize: 2, AuditRetention: time.Hour})
	if err != nil {
		t.Fatalf("NewEvictionSweeper: %v", err)
	}
	sweeper.now = func() time.Time { return now }

	evicted, err := sweeper.Sweep(ctx)
	if err != nil || evicted != 5 {
		t.Fatalf("Sweep: %d, %v", evicted, err)
	}
	if arena.Len() != 1 {
		t.Fatalf("expected only the live click to stay active, got %d", arena.Len())
	}
	for i := 0; i < 5; i++ {
		if !audit.Contains(fmt.Sprintf("old-%d", i)) {
			t.Fatalf("old-%d missing from the audit archive", i)
		}
	}

	sweeper.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if audit.Contains("old-0") {
		t.Fatalf("archive rows past retention should be purged")
	}
	if !audit.Contains("live") {
		t.Fatalf("the live click should have been archived on expiry")
	}
}

type failingArchive struct{}

func (failingArchive) Archive(context.Context, []domain.ClickEvent) error {
	return errors.New("postgres unavailable")
}

func (failingArchive) Purge(context.Context, time.Time) (int64, error) { return 0, nil }

func TestSweepKeepsClicksWhenArchiveFails(t *testing.T) {
	ctx := context.Background()
	arena := memory.NewClickArena(time.Hour)
	_ = arena.Append(ctx, expiring("old", now.Add(-time.Minute)))

	sweeper, err := NewEvictionSweeper(arena, failingArchive{}, nil, nil, SweepConfig{})
	if err != nil {
		t.Fatalf("NewEvictionSweeper: %v", err)
	}
	sweeper.now = func() time.Time { return now }

	if _, err := sweeper.Sweep(ctx); err == nil {
		t.Fatalf("expected the archive error")
	}
	if arena.Len() != 1 {
		t.Fatalf("unarchived clicks must stay active")
	}
}

type retrier struct {
	claims repository.ClaimRepository
	fail   map[string]bool
	seen   []string
}

func (r *retrier) Retry(ctx context.Context, claim domain.ConversionClaim) (*conversion.Outcome, error) {
	r.seen = append(r.seen, claim.ConversionID)
	if r.fail[claim.ConversionID] {
		return nil, domain.Transient("still failing", errors.New("boom"))
	}
	if _, err := r.claims.Claim(ctx, claim.Conversion, "reconciler", time.Minute, now); err != nil {
		return nil, err
	}
	result := domain.AttributionResult{ConversionID: claim.ConversionID}
	if err := r.claims.Complete(ctx, claim.ConversionID, "reconciler", result, now); err != nil {
		return nil, err
	}
	return &conversion.Outcome{Result: result}, nil
}

func TestReconcileRetriesReviewableClaims(t *testing.T) {
	ctx := context.Background()
	claims := memory.NewStore().Claims()
	for _, id := range []string{"ok", "broken", "busy"} {
		ev := domain.ConversionEvent{ConversionID: id, Timestamp: now}
		if _, err := claims.Claim(ctx, ev, "w1", time.Hour, now); err != nil {
			t.Fatalf("Claim: %v", err)
		}
	}
	_ = claims.Release(ctx, "ok", "w1", "timeout", now)
	_ = claims.Release(ctx, "broken", "w1", "timeout", now)

	r := &retrier{claims: claims, fail: map[string]bool{"broken": true}}
	reconciler, err := NewReconciler(claims, r, nil, ReconcileConfig{})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	reconciler.now = func() time.Time { return now }

	completed, err := reconciler.Reconcile(ctx)
	if err != nil || completed != 1 {
		t.Fatalf("Reconcile: %d, %v", completed, err)
	}
	if len(r.seen) != 2 {
		t.Fatalf("live claims must not be retried, saw %v", r.seen)
	}
	claim, _ := claims.Get(ctx, "ok")
	if claim.State != domain.ClaimComplete {
		t.Fatalf("expected ok to complete, got %s", claim.State)
	}
}

type health bool

func (h health) ClickStoreOnline() bool { return bool(h) }

type flakyClicks struct {
	*memory.ClickArena
	fail bool
}

func (f *flakyClicks) Append(ctx context.Context, click domain.ClickEvent) error {
	if f.fail {
		return errors.New("connection refused")
	}
	return f.ClickArena.Append(ctx, click)
}

func TestDrainReplaysSpooledClicks(t *testing.T) {
	ctx := context.Background()
	store, err := buffer.Open(filepath.Join(t.TempDir(), "spool.db"), "clicks", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clicks := &flakyClicks{ClickArena: memory.NewClickArena(time.Hour)}
	for _, c := range []domain.ClickEvent{
		expiring("a", now.Add(time.Hour)),
		expiring("b", now.Add(time.Hour)),
		expiring("expired", now.Add(-time.Hour)),
	} {
		if err := store.SpoolClick(ctx, c); err != nil {
			t.Fatalf("SpoolClick: %v", err)
		}
	}
	_ = clicks.ClickArena.Append(ctx, expiring("b", now.Add(time.Hour)))

	spool, err := NewClickSpool(store, health(false), clicks, nil, nil, SpoolConfig{MaxRetries: 2})
	if err != nil {
		t.Fatalf("NewClickSpool: %v", err)
	}
	spool.now = func() time.Time { return now }

	if n, _ := spool.Drain(ctx); n != 0 || spool.Size() != 3 {
		t.Fatalf("offline store must not be drained: %d, size %d", n, spool.Size())
	}

	spool.monitor = health(true)
	clicks.fail = true
	if n, _ := spool.Drain(ctx); n != 0 {
		t.Fatalf("expected no replays while appends fail, got %d", n)
	}
	if spool.Size() != 2 {
		t.Fatalf("expired click should be dropped, size %d", spool.Size())
	}

	clicks.fail = false
	n, err := spool.Drain(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Drain: %d, %v", n, err)
	}
	if spool.Size() != 0 {
		t.Fatalf("spool should be empty, size %d", spool.Size())
	}
	if _, err := clicks.Get(ctx, "a"); err != nil {
		t.Fatalf("replayed click missing: %v", err)
	}
}

func TestDrainDropsAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	store, err := buffer.Open(filepath.Join(t.TempDir(), "spool.db"), "clicks", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	_ = store.SpoolClick(ctx, expiring("a", now.Add(time.Hour)))

	clicks := &flakyClicks{ClickArena: memory.NewClickArena(time.Hour), fail: true}
	spool, err := NewClickSpool(store, nil, clicks, nil, nil, SpoolConfig{MaxRetries: 2})
	if err != nil {
		t.Fatalf("NewClickSpool: %v", err)
	}
	spool.now = func() time.Time { return now }

	_, _ = spool.Drain(ctx)
	if spool.Size() != 1 {
		t.Fatalf("first failure should requeue")
	}
	_, _ = spool.Drain(ctx)
	if spool.Size() != 0 {
		t.Fatalf("click should be dropped after max retries")
	}
}

func TestStopCancelsInFlightRun(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan error, 1)
	j, err := newScheduledJob("payout_aggregation", "@every 1h", time.Hour, nil, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		finished <- ctx.Err()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("newScheduledJob: %v", err)
	}
	j.Start()
	go j.invoke()
	<-started

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := j.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-finished:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected the run to be cancelled, got %v", err)
		}
	default:
		t.Fatalf("Stop returned before the in-flight run ended")
	}
}

func TestNewScheduledJobRejectsBadSchedule(t *testing.T) {
	if _, err := newScheduledJob("broken", "every tuesday", time.Minute, nil, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected an invalid schedule error")
	}
}
