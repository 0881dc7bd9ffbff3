package commission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fastygo/attribution/domain"
)

var convertedAt = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	if err != nil {
		t.Fatalf("decimal %q: %v", raw, err)
	}
	return d
}

func program(t *testing.T) domain.Program {
	t.Helper()
	p := domain.Program{
		ID:     "hotels",
		Model:  domain.ModelConfig{Kind: domain.ModelLinear},
		Window: 30 * 24 * time.Hour,
		TierMultipliers: map[string]decimal.Decimal{
			"gold": dec(t, "1.5"),
		},
		VolumeBonuses: []domain.VolumeBonus{
			{Above: dec(t, "100000"), BonusRate: dec(t, "0.02")},
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("program: %v", err)
	}
	return p
}

func result(credits ...domain.Credit) domain.AttributionResult {
	return domain.AttributionResult{
		ConversionID: "conv-1",
		ProgramID:    "hotels",
		Model:        domain.ModelLinear,
		ConvertedAt:  convertedAt,
		Credits:      credits,
	}
}

func TestComputeVolumeBonus(t *testing.T) {
	terms := StaticTerms{Partners: map[string]PartnerTerms{
		"p1": {BaseRate: dec(t, "0.08"), TrailingVolume: dec(t, "120000")},
	}}
	calc := New(NewSnapshotProvider(terms), nil, nil)

	entries, err := calc.Compute(context.Background(), program(t), result(domain.Credit{ClickID: "c1", PartnerID: "p1", Weight: 1}), dec(t, "1000"))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if !entry.Amount.Equal(dec(t, "100.00")) {
		t.Fatalf("expected 100.00, got %s", entry.Amount)
	}
	if !entry.EffectiveRate.Equal(dec(t, "0.10")) || !entry.Rate.TierBonusRate.Equal(dec(t, "0.02")) {
		t.Fatalf("unexpected rate snapshot: %+v", entry.Rate)
	}
	if !entry.Rate.Volume.Equal(dec(t, "120000")) || !entry.Rate.EvaluatedAt.Equal(convertedAt) {
		t.Fatalf("snapshot must freeze volume and evaluation time: %+v", entry.Rate)
	}
	if entry.Status != domain.EntryPending || entry.Kind != domain.EntryCommission {
		t.Fatalf("unexpected entry state: %+v", entry)
	}
	if entry.EntryID != domain.LedgerEntryID("conv-1", "p1", domain.EntryCommission) {
		t.Fatalf("entry id is not derived from the conversion")
	}
}

func TestComputeTierMultiplier(t *testing.T) {
	terms := StaticTerms{Default: PartnerTerms{BaseRate: dec(t, "0.10"), Tier: "gold"}}
	calc := New(NewSnapshotProvider(terms), nil, nil)

	entries, err := calc.Compute(context.Background(), program(t), result(domain.Credit{ClickID: "c1", PartnerID: "p1", Weight: 1}), dec(t, "200"))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !entries[0].Amount.Equal(dec(t, "30.00")) {
		t.Fatalf("expected 30.00, got %s", entries[0].Amount)
	}
}

func TestComputeBankersRounding(t *testing.T) {
	terms := StaticTerms{Default: PartnerTerms{BaseRate: dec(t, "0.10")}}
	calc := New(NewSnapshotProvider(terms), nil, nil)

	tests := []struct {
		gross string
		want  string
	}{
		{gross: "1.25", want: "0.12"},
		{gross: "1.35", want: "0.14"},
		{gross: "1.26", want: "0.13"},
	}
	for _, tt := range tests {
		t.Run(tt.gross, func(t *testing.T) {
			entries, err := calc.Compute(context.Background(), program(t), result(domain.Credit{ClickID: "c1", PartnerID: "p1", Weight: 1}), dec(t, tt.gross))
			if err != nil {
				t.Fatalf("Compute: %v", err)
			}
			if !entries[0].Amount.Equal(dec(t, tt.want)) {
				t.Fatalf("expected %s, got %s", tt.want, entries[0].Amount)
			}
		})
	}
}

func TestComputeResidualGoesToSmallestClickOnTie(t *testing.T) {
	terms := StaticTerms{Default: PartnerTerms{BaseRate: dec(t, "0.10")}}
	calc := New(NewSnapshotProvider(terms), nil, nil)
	third := 1.0 / 3

	res := result(
		domain.Credit{ClickID: "c3", PartnerID: "p1", Weight: third},
		domain.Credit{ClickID: "c1", PartnerID: "p2", Weight: third},
		domain.Credit{ClickID: "c2", PartnerID: "p3", Weight: third},
	)
	entries, err := calc.Compute(context.Background(), program(t), res, dec(t, "100"))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	total := decimal.Zero
	amounts := make(map[string]decimal.Decimal)
	for _, e := range entries {
		total = total.Add(e.Amount)
		amounts[e.PartnerID] = e.Amount
	}
	if !total.Equal(dec(t, "10.00")) {
		t.Fatalf("expected entries to sum to 10.00, got %s", total)
	}
	if !amounts["p2"].Equal(dec(t, "3.34")) || !amounts["p1"].Equal(dec(t, "3.33")) || !amounts["p3"].Equal(dec(t, "3.33")) {
		t.Fatalf("unexpected residual placement: %v", amounts)
	}

	again, err := calc.Compute(context.Background(), program(t), res, dec(t, "100"))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for i := range entries {
		if entries[i].EntryID != again[i].EntryID || !entries[i].Amount.Equal(again[i].Amount) {
			t.Fatalf("recomputation differs at %d: %+v vs %+v", i, entries[i], again[i])
		}
	}
}

func TestComputeGroupsCreditsPerPartner(t *testing.T) {
	terms := StaticTerms{Default: PartnerTerms{BaseRate: dec(t, "0.10")}}
	calc := New(NewSnapshotProvider(terms), nil, nil)

	res := result(
		domain.Credit{ClickID: "c2", PartnerID: "p1", Weight: 0.5},
		domain.Credit{ClickID: "c1", PartnerID: "p1", Weight: 0.5},
	)
	entries, err := calc.Compute(context.Background(), program(t), res, dec(t, "50"))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry per partner, got %d", len(entries))
	}
	if entries[0].ClickID != "c1" || entries[0].Weight != 1 || !entries[0].Amount.Equal(dec(t, "5.00")) {
		t.Fatalf("unexpected grouped entry: %+v", entries[0])
	}
}

func TestComputeOrganic(t *testing.T) {
	calc := New(NewSnapshotProvider(StaticTerms{}), nil, nil)
	entries, err := calc.Compute(context.Background(), program(t), result(), dec(t, "100"))
	if err != nil || entries != nil {
		t.Fatalf("expected no entries, got %v, %v", entries, err)
	}
}

type failingTerms struct{ err error }

func (f failingTerms) TermsAt(context.Context, string, time.Time, time.Duration) (PartnerTerms, error) {
	return PartnerTerms{}, f.err
}

func TestComputeTermsFailureIsTransient(t *testing.T) {
	calc := New(NewSnapshotProvider(failingTerms{err: errors.New("connection refused")}), nil, nil)
	_, err := calc.Compute(context.Background(), program(t), result(domain.Credit{ClickID: "c1", PartnerID: "p1", Weight: 1}), dec(t, "10"))
	if !domain.IsDomainError(err, domain.ErrCodeTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}

	calc = New(NewSnapshotProvider(failingTerms{err: domain.NewError(domain.ErrCodeNotFound, "partner not found")}), nil, nil)
	_, err = calc.Compute(context.Background(), program(t), result(domain.Credit{ClickID: "c1", PartnerID: "p1", Weight: 1}), dec(t, "10"))
	if !domain.IsDomainError(err, domain.ErrCodeNotFound) {
		t.Fatalf("expected the store's classification to survive, got %v", err)
	}
}
