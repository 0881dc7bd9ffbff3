package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fastygo/attribution/domain"
)

func commission(conversionID, partnerID string, amount int64, at time.Time) domain.LedgerEntry {
	return domain.LedgerEntry{
		EntryID:      domain.LedgerEntryID(conversionID, partnerID, domain.EntryCommission),
		Kind:         domain.EntryCommission,
		PartnerID:    partnerID,
		ConversionID: conversionID,
		Amount:       decimal.NewFromInt(amount),
		CreatedAt:    at,
	}
}

func reversalOf(original domain.LedgerEntry, at time.Time) domain.LedgerEntry {
	return domain.LedgerEntry{
		EntryID:         domain.LedgerEntryID(original.ConversionID, original.PartnerID, domain.EntryReversal),
		Kind:            domain.EntryReversal,
		PartnerID:       original.PartnerID,
		ConversionID:    original.ConversionID,
		ReversesEntryID: original.EntryID,
		Amount:          original.Amount.Neg(),
		CreatedAt:       at,
	}
}

func statusOf(t *testing.T, ledger *LedgerRepository, conversionID string, kind domain.EntryKind) domain.EntryStatus {
	t.Helper()
	entries, err := ledger.ListByConversion(context.Background(), conversionID)
	if err != nil {
		t.Fatalf("ListByConversion: %v", err)
	}
	for _, e := range entries {
		if e.Kind == kind {
			return e.Status
		}
	}
	t.Fatalf("no %s entry for %s", kind, conversionID)
	return ""
}

func TestClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	claims := NewStore().Claims()
	event := domain.ConversionEvent{ConversionID: "conv-1", Timestamp: base}

	if _, err := claims.Claim(ctx, event, "w1", time.Minute, base); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := claims.Claim(ctx, event, "w2", time.Minute, base.Add(time.Second)); err != domain.ErrClaimInProgress {
		t.Fatalf("expected in progress, got %v", err)
	}

	taken, err := claims.Claim(ctx, event, "w2", time.Minute, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("expected takeover after lease expiry, got %v", err)
	}
	if taken.Owner != "w2" || taken.Attempts != 2 {
		t.Fatalf("unexpected takeover claim: %+v", taken)
	}
	if err := claims.Complete(ctx, "conv-1", "w1", domain.AttributionResult{ConversionID: "conv-1"}, base); err != domain.ErrClaimLost {
		t.Fatalf("expected the previous owner to lose the claim, got %v", err)
	}

	if err := claims.Complete(ctx, "conv-1", "w2", domain.AttributionResult{ConversionID: "conv-1"}, base); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	done, err := claims.Claim(ctx, event, "w3", time.Minute, base.Add(time.Hour))
	if err != domain.ErrDuplicateConversion || done == nil || done.Result == nil {
		t.Fatalf("expected duplicate with stored result, got %+v, %v", done, err)
	}
	if err := claims.Release(ctx, "conv-1", "w2", "late", base); err != domain.ErrClaimLost {
		t.Fatalf("completed claims must not be releasable, got %v", err)
	}
}

func TestClaimCheckpointSurvivesRelease(t *testing.T) {
	ctx := context.Background()
	claims := NewStore().Claims()
	event := domain.ConversionEvent{ConversionID: "conv-1", GrossAmount: decimal.NewFromInt(100), Timestamp: base}
	result := domain.AttributionResult{ConversionID: "conv-1", Credits: []domain.Credit{{ClickID: "c1", PartnerID: "p1", Weight: 1}}}
	entries := []domain.LedgerEntry{commission("conv-1", "p1", 10, base)}

	if _, err := claims.Claim(ctx, event, "w1", time.Minute, base); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := claims.Checkpoint(ctx, "conv-1", "w2", result, entries, base); err != domain.ErrClaimLost {
		t.Fatalf("expected a foreign checkpoint to be refused, got %v", err)
	}
	if err := claims.Checkpoint(ctx, "conv-1", "w1", result, entries, base); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := claims.Checkpoint(ctx, "conv-1", "w1", domain.AttributionResult{ConversionID: "conv-1"}, nil, base); err != domain.ErrClaimLost {
		t.Fatalf("expected the checkpoint to be written once, got %v", err)
	}
	if err := claims.Release(ctx, "conv-1", "w1", "complete failed", base); err != nil {
		t.Fatalf("Release: %v", err)
	}

	redelivered := event
	redelivered.GrossAmount = decimal.NewFromInt(999)
	taken, err := claims.Claim(ctx, redelivered, "w2", time.Minute, base.Add(time.Second))
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if !taken.Checkpointed() || len(taken.Result.Credits) != 1 || len(taken.Entries) != 1 {
		t.Fatalf("expected the checkpoint to survive the release, got %+v", taken)
	}
	if !taken.Conversion.GrossAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("takeover must keep the first accepted payload, got %s", taken.Conversion.GrossAmount)
	}
}

func TestListReviewable(t *testing.T) {
	ctx := context.Background()
	claims := NewStore().Claims()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := claims.Claim(ctx, domain.ConversionEvent{ConversionID: id}, "w1", time.Minute, base); err != nil {
			t.Fatalf("Claim: %v", err)
		}
	}
	_ = claims.Release(ctx, "b", "w1", "boom", base.Add(time.Second))
	_ = claims.Complete(ctx, "c", "w1", domain.AttributionResult{ConversionID: "c"}, base)

	got, _ := claims.ListReviewable(ctx, base.Add(10*time.Second), 10)
	if len(got) != 1 || got[0].ConversionID != "b" || got[0].LastError != "boom" {
		t.Fatalf("expected only the released claim, got %+v", got)
	}
	got, _ = claims.ListReviewable(ctx, base.Add(2*time.Minute), 10)
	if len(got) != 2 {
		t.Fatalf("expected the expired lease to become reviewable, got %+v", got)
	}
}

func TestReversalStopsUnbatchedOriginal(t *testing.T) {
	ctx := context.Background()
	ledger := NewStore().Ledger()
	pending := commission("pending", "p1", 10, base)
	confirmed := commission("confirmed", "p1", 20, base)
	_ = ledger.Append(ctx, []domain.LedgerEntry{pending, confirmed})
	if _, err := ledger.Confirm(ctx, "confirmed", base); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	err := ledger.AppendReversals(ctx, []domain.LedgerEntry{reversalOf(pending, base), reversalOf(confirmed, base)}, base)
	if err != nil {
		t.Fatalf("AppendReversals: %v", err)
	}
	if got := statusOf(t, ledger, "pending", domain.EntryCommission); got != domain.EntryReversed {
		t.Fatalf("pending original: expected reversed, got %s", got)
	}
	if got := statusOf(t, ledger, "confirmed", domain.EntryCommission); got != domain.EntryReversed {
		t.Fatalf("confirmed original: expected reversed, got %s", got)
	}

	payable, _ := ledger.ListPayable(ctx, "p1", base.Add(time.Hour))
	if len(payable) != 0 {
		t.Fatalf("expected nothing payable, got %+v", payable)
	}
}

func TestReversalOfPaidOriginalIsPayable(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	ledger, payouts := store.Ledger(), store.Payouts()
	original := commission("conv-1", "p1", 25, base)
	_ = ledger.Append(ctx, []domain.LedgerEntry{original})
	_, _ = ledger.Confirm(ctx, "conv-1", base)

	batch := &domain.PayoutBatch{
		BatchID:     "b1",
		PartnerID:   "p1",
		PeriodStart: base.Add(-24 * time.Hour),
		PeriodEnd:   base.Add(24 * time.Hour),
		EntryIDs:    []string{original.EntryID},
	}
	if err := payouts.Create(ctx, batch); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := payouts.MarkPaid(ctx, "b1", "ref", base); err != domain.ErrBatchState {
		t.Fatalf("open batches cannot be paid, got %v", err)
	}
	_ = payouts.MarkClaimed(ctx, "b1", base)
	if err := payouts.MarkPaid(ctx, "b1", "ref", base); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}

	reversal := reversalOf(original, base.Add(48*time.Hour))
	if err := ledger.AppendReversals(ctx, []domain.LedgerEntry{reversal}, reversal.CreatedAt); err != nil {
		t.Fatalf("AppendReversals: %v", err)
	}
	if got := statusOf(t, ledger, "conv-1", domain.EntryCommission); got != domain.EntryPaid {
		t.Fatalf("paid original must stay paid, got %s", got)
	}

	payable, _ := ledger.ListPayable(ctx, "p1", base.Add(72*time.Hour))
	if len(payable) != 1 || payable[0].EntryID != reversal.EntryID {
		t.Fatalf("expected the reversal to be payable, got %+v", payable)
	}
	partners, _ := ledger.ListPayablePartners(ctx, base.Add(72*time.Hour))
	if len(partners) != 1 || partners[0] != "p1" {
		t.Fatalf("unexpected partners: %v", partners)
	}
}

func TestPayoutCreateRejectsBatchedEntries(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	payouts := store.Payouts()
	period := domain.Period{Start: base, End: base.Add(7 * 24 * time.Hour)}

	first := &domain.PayoutBatch{BatchID: "b1", PartnerID: "p1", PeriodStart: period.Start, PeriodEnd: period.End, EntryIDs: []string{"e1"}}
	if err := payouts.Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}
	again := &domain.PayoutBatch{BatchID: "b2", PartnerID: "p1", PeriodStart: period.Start, PeriodEnd: period.End, EntryIDs: []string{"e2"}}
	if err := payouts.Create(ctx, again); err != domain.ErrBatchState {
		t.Fatalf("expected one batch per period, got %v", err)
	}
	next := &domain.PayoutBatch{BatchID: "b3", PartnerID: "p1", PeriodStart: period.End, PeriodEnd: period.End.Add(7 * 24 * time.Hour), EntryIDs: []string{"e1"}}
	if err := payouts.Create(ctx, next); err != domain.ErrEntryAlreadyBatched {
		t.Fatalf("expected entry reuse to fail, got %v", err)
	}

	found, err := payouts.FindByPeriod(ctx, "p1", period)
	if err != nil || found.BatchID != "b1" || found.Status != domain.BatchOpen {
		t.Fatalf("FindByPeriod: %+v, %v", found, err)
	}
}

func TestPeriodLockerSingleWriter(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := base
	store.now = func() time.Time { return now }
	locks := store.Locks()

	token, ok, err := locks.Acquire(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire: %v %v", ok, err)
	}
	if _, ok, _ := locks.Acquire(ctx, "k", time.Minute); ok {
		t.Fatalf("second writer must not acquire a held lease")
	}
	_ = locks.Release(ctx, "k", "someone-else")
	if _, ok, _ := locks.Acquire(ctx, "k", time.Minute); ok {
		t.Fatalf("release with a foreign token must not free the lease")
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := locks.Acquire(ctx, "k", time.Minute); !ok {
		t.Fatalf("expired lease should be acquirable")
	}
	_ = locks.Release(ctx, "k", token)
}
