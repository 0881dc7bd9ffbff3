package conversion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/repository"
	"github.com/fastygo/attribution/repository/memory"
	"github.com/fastygo/attribution/usecase/commission"
	"github.com/fastygo/attribution/usecase/session"
)

var convertedAt = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type catalog map[string]domain.Program

func (c catalog) Program(id string) (domain.Program, error) {
	if id == "" {
		id = "default"
	}
	p, ok := c[id]
	if !ok {
		return domain.Program{}, domain.NewError(domain.ErrCodeInvalid, "unknown program")
	}
	return p, nil
}

type fixture struct {
	store   *memory.Store
	clicks  *memory.ClickArena
	ledger  repository.LedgerRepository
	matcher *Matcher
	now     time.Time
}

func newFixture(t *testing.T, model domain.ModelKind, ledger repository.LedgerRepository) *fixture {
	t.Helper()
	program := domain.Program{
		ID:     "default",
		Model:  domain.ModelConfig{Kind: model, HalfLife: domain.DefaultHalfLife},
		Window: 30 * 24 * time.Hour,
	}
	if err := program.Validate(); err != nil {
		t.Fatalf("program: %v", err)
	}

	f := &fixture{store: memory.NewStore(), clicks: memory.NewClickArena(time.Hour), now: convertedAt.Add(time.Minute)}
	f.ledger = f.store.Ledger()
	if ledger != nil {
		f.ledger = ledger
	}
	terms := commission.StaticTerms{Default: commission.PartnerTerms{BaseRate: decimal.New(10, -2)}}
	f.matcher = New(
		f.store.Claims(),
		f.ledger,
		session.New(f.clicks, 0, nil),
		commission.New(commission.NewSnapshotProvider(terms), nil, nil),
		catalog{"default": program},
		Options{Owner: "test", Lease: time.Minute},
		nil,
		nil,
	).WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) click(t *testing.T, id, partner string, age time.Duration) {
	t.Helper()
	err := f.clicks.Append(context.Background(), domain.ClickEvent{
		ClickID:    id,
		PartnerID:  partner,
		SessionKey: "sess-1",
		Timestamp:  convertedAt.Add(-age),
		ExpiresAt:  convertedAt.Add(30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func event(id string) domain.ConversionEvent {
	return domain.ConversionEvent{
		ConversionID: id,
		SessionKey:   "sess-1",
		GrossAmount:  decimal.NewFromInt(1000),
		Timestamp:    convertedAt,
	}
}

func TestMatchAttributesAndReplays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.ModelLinear, nil)
	f.click(t, "c1", "p1", 48*time.Hour)
	f.click(t, "c2", "p2", time.Hour)

	first, err := f.matcher.Match(ctx, event("conv-1"))
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if first.Replayed || len(first.Result.Credits) != 2 || len(first.Entries) != 2 {
		t.Fatalf("unexpected outcome: %+v", first)
	}
	for _, e := range first.Entries {
		if !e.Amount.Equal(decimal.NewFromInt(50)) || e.Status != domain.EntryPending {
			t.Fatalf("unexpected entry: %+v", e)
		}
	}

	f.click(t, "c3", "p3", 30*time.Minute)
	second, err := f.matcher.Match(ctx, event("conv-1"))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("expected a replayed outcome")
	}
	a, _ := json.Marshal(first.Result)
	b, _ := json.Marshal(second.Result)
	if string(a) != string(b) {
		t.Fatalf("replayed result differs:\n%s\n%s", a, b)
	}
	entries, _ := f.ledger.ListByConversion(ctx, "conv-1")
	if len(entries) != 2 {
		t.Fatalf("redelivery must not write entries, got %d", len(entries))
	}
}

func TestMatchOrganic(t *testing.T) {
	f := newFixture(t, domain.ModelLastClick, nil)
	ev := event("conv-organic")
	ev.SessionKey = ""

	out, err := f.matcher.Match(context.Background(), ev)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if !out.Organic() || len(out.Entries) != 0 {
		t.Fatalf("expected organic outcome, got %+v", out)
	}
	stored, err := f.matcher.Result(context.Background(), "conv-organic")
	if err != nil || !stored.Organic() {
		t.Fatalf("expected stored organic result, got %+v, %v", stored, err)
	}
}

func TestMatchCapsTouchpoints(t *testing.T) {
	f := newFixture(t, domain.ModelFirstClick, nil)
	for i := 0; i < 25; i++ {
		f.click(t, fmt.Sprintf("c%02d", i), "p1", time.Duration(25-i)*time.Hour)
	}
	out, err := f.matcher.Match(context.Background(), event("conv-cap"))
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(out.Result.Credits) != 1 || out.Result.Credits[0].ClickID != "c05" {
		t.Fatalf("expected the oldest kept touchpoint c05, got %+v", out.Result.Credits)
	}
}

func TestMatchRejectsInvalidEvents(t *testing.T) {
	f := newFixture(t, domain.ModelLastClick, nil)
	tests := []struct {
		name string
		ev   domain.ConversionEvent
	}{
		{name: "missing id", ev: domain.ConversionEvent{Timestamp: convertedAt}},
		{name: "missing timestamp", ev: domain.ConversionEvent{ConversionID: "x"}},
		{name: "negative gross", ev: domain.ConversionEvent{ConversionID: "x", Timestamp: convertedAt, GrossAmount: decimal.NewFromInt(-1)}},
		{name: "unknown program", ev: domain.ConversionEvent{ConversionID: "x", Timestamp: convertedAt, ProgramID: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.matcher.Match(context.Background(), tt.ev)
			if !domain.IsDomainError(err, domain.ErrCodeInvalid) {
				t.Fatalf("expected invalid error, got %v", err)
			}
		})
	}
}

type flakyLedger struct {
	repository.LedgerRepository
	failures int
}

func (l *flakyLedger) Append(ctx context.Context, entries []domain.LedgerEntry) error {
	if l.failures > 0 {
		l.failures--
		return errors.New("connection reset by peer")
	}
	return l.LedgerRepository.Append(ctx, entries)
}

func TestMatchReleasesClaimOnFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	flaky := &flakyLedger{LedgerRepository: store.Ledger(), failures: 1}
	f := newFixture(t, domain.ModelLastClick, flaky)
	f.click(t, "c1", "p1", time.Hour)

	_, err := f.matcher.Match(ctx, event("conv-1"))
	if !domain.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}

	reviewable, _ := f.store.Claims().ListReviewable(ctx, f.now, 10)
	if len(reviewable) != 1 || reviewable[0].State != domain.ClaimNeedsReview {
		t.Fatalf("expected the claim to wait for review, got %+v", reviewable)
	}

	out, err := f.matcher.Retry(ctx, reviewable[0])
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if out.Replayed || len(out.Entries) != 1 {
		t.Fatalf("unexpected retry outcome: %+v", out)
	}
	claim, _ := f.store.Claims().Get(ctx, "conv-1")
	if claim.State != domain.ClaimComplete || claim.Attempts != 2 {
		t.Fatalf("unexpected claim after retry: %+v", claim)
	}
}

type flakyClaims struct {
	repository.ClaimRepository
	completeFailures int
}

func (c *flakyClaims) Complete(ctx context.Context, conversionID, owner string, result domain.AttributionResult, at time.Time) error {
	if c.completeFailures > 0 {
		c.completeFailures--
		return errors.New("connection reset by peer")
	}
	return c.ClaimRepository.Complete(ctx, conversionID, owner, result, at)
}

func TestRetrySettlesCheckpointAfterClickEviction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.ModelLinear, nil)
	f.click(t, "c1", "p1", 30*24*time.Hour)
	f.click(t, "c2", "p2", time.Hour)
	f.matcher.claims = &flakyClaims{ClaimRepository: f.store.Claims(), completeFailures: 1}

	if _, err := f.matcher.Match(ctx, event("conv-1")); !domain.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if err := f.clicks.Evict(ctx, []domain.ClickEvent{{ClickID: "c1", SessionKey: "sess-1"}}); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	redelivered := event("conv-1")
	redelivered.GrossAmount = decimal.NewFromInt(5000)
	out, err := f.matcher.Match(ctx, redelivered)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(out.Result.Credits) != 2 || len(out.Entries) != 2 {
		t.Fatalf("retry must settle the first computed outcome, got %+v", out)
	}

	ledger, _ := f.ledger.ListByConversion(ctx, "conv-1")
	if len(ledger) != len(out.Entries) {
		t.Fatalf("ledger holds %d entries for an outcome with %d", len(ledger), len(out.Entries))
	}
	byID := make(map[string]domain.LedgerEntry, len(out.Entries))
	for _, e := range out.Entries {
		byID[e.EntryID] = e
	}
	for _, e := range ledger {
		want, ok := byID[e.EntryID]
		if !ok || !e.Amount.Equal(want.Amount) || !e.Amount.Equal(decimal.NewFromInt(50)) {
			t.Fatalf("ledger entry %+v does not match outcome %+v", e, want)
		}
	}

	stored, err := f.matcher.Result(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	a, _ := json.Marshal(stored.Result)
	b, _ := json.Marshal(out.Result)
	if string(a) != string(b) {
		t.Fatalf("stored result differs from settled outcome:\n%s\n%s", a, b)
	}
	if !stored.Result.ConvertedAt.Equal(convertedAt) {
		t.Fatalf("unexpected conversion time: %s", stored.Result.ConvertedAt)
	}
}

func TestMatchInFlightConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.ModelLastClick, nil)
	if _, err := f.store.Claims().Claim(ctx, event("conv-1"), "other", time.Minute, f.now); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	_, err := f.matcher.Match(ctx, event("conv-1"))
	if !errors.Is(err, domain.ErrClaimInProgress) || !domain.IsRetryable(err) {
		t.Fatalf("expected a retryable in-progress error, got %v", err)
	}
}

func TestConfirmAndCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.ModelLastClick, nil)
	f.click(t, "c1", "p1", time.Hour)

	if _, err := f.matcher.Confirm(ctx, "conv-1"); !errors.Is(err, domain.ErrClaimNotFound) {
		t.Fatalf("expected unknown conversion, got %v", err)
	}
	out, err := f.matcher.Match(ctx, event("conv-1"))
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	original := out.Entries[0]

	if n, err := f.matcher.Confirm(ctx, "conv-1"); err != nil || n != 1 {
		t.Fatalf("Confirm: %d, %v", n, err)
	}

	cancelledAt := convertedAt.Add(24 * time.Hour)
	reversals, err := f.matcher.Cancel(ctx, "conv-1", cancelledAt, "refund")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(reversals) != 1 {
		t.Fatalf("expected one reversal, got %d", len(reversals))
	}
	rev := reversals[0]
	if !rev.Amount.Equal(original.Amount.Neg()) || rev.ReversesEntryID != original.EntryID || rev.Kind != domain.EntryReversal {
		t.Fatalf("unexpected reversal: %+v", rev)
	}
	if !rev.CreatedAt.Equal(cancelledAt) {
		t.Fatalf("reversal must carry the cancellation time, got %s", rev.CreatedAt)
	}

	again, err := f.matcher.Cancel(ctx, "conv-1", cancelledAt.Add(time.Hour), "refund")
	if err != nil || len(again) != 1 || again[0].EntryID != rev.EntryID {
		t.Fatalf("repeated cancel must be idempotent, got %+v, %v", again, err)
	}

	stored, _ := f.matcher.Result(ctx, "conv-1")
	for _, e := range stored.Entries {
		if e.Kind == domain.EntryCommission && !e.Amount.Equal(original.Amount) {
			t.Fatalf("original amount changed: %+v", e)
		}
	}
}

func TestCancelOutsideWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.ModelLastClick, nil)
	f.click(t, "c1", "p1", time.Hour)
	if _, err := f.matcher.Match(ctx, event("conv-1")); err != nil {
		t.Fatalf("Match: %v", err)
	}
	core, logs := observer.New(zap.WarnLevel)
	f.matcher.logger = zap.New(core)

	_, err := f.matcher.Cancel(ctx, "conv-1", convertedAt.Add(31*24*time.Hour), "refund")
	if !errors.Is(err, domain.ErrCorrectionWindowShut) {
		t.Fatalf("expected closed window, got %v", err)
	}
	warned := logs.FilterField(zap.String("conversion_id", "conv-1")).All()
	if len(warned) != 1 || warned[0].Level != zap.WarnLevel {
		t.Fatalf("expected one warning naming the conversion, got %+v", logs.All())
	}
	entries, _ := f.ledger.ListByConversion(ctx, "conv-1")
	if len(entries) != 1 {
		t.Fatalf("expected no reversal to be written, got %d entries", len(entries))
	}
}
