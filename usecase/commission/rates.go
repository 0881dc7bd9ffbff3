package commission

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fastygo/attribution/domain"
)

// PartnerTerms is what the partner tier/config store reports for a partner
// as of a point in time.
type PartnerTerms struct {
	BaseRate       decimal.Decimal `json:"base_rate"`
	Tier           string          `json:"tier"`
	TrailingVolume decimal.Decimal `json:"trailing_volume"`
}

// TermsSource is the read-only partner tier/config store.
type TermsSource interface {
	TermsAt(ctx context.Context, partnerID string, at time.Time, lookback time.Duration) (PartnerTerms, error)
}

// RateProvider evaluates a partner's effective rate at conversion time.
type RateProvider interface {
	RateAt(ctx context.Context, program domain.Program, partnerID string, at time.Time) (domain.PartnerRateSnapshot, error)
}

// SnapshotProvider combines partner terms with the program's tier schedule:
// effective = base_rate x tier_multiplier + volume_bonus_rate.
type SnapshotProvider struct {
	source TermsSource
}

func NewSnapshotProvider(source TermsSource) *SnapshotProvider {
	return &SnapshotProvider{source: source}
}

func (p *SnapshotProvider) RateAt(ctx context.Context, program domain.Program, partnerID string, at time.Time) (domain.PartnerRateSnapshot, error) {
	terms, err := p.source.TermsAt(ctx, partnerID, at, program.VolumeLookback)
	if err != nil {
		var dErr *domain.Error
		if errors.As(err, &dErr) {
			return domain.PartnerRateSnapshot{}, err
		}
		return domain.PartnerRateSnapshot{}, domain.Transient("partner terms lookup failed", err)
	}

	multiplier := program.TierMultiplier(terms.Tier)
	bonus := program.VolumeBonusRate(terms.TrailingVolume)
	return domain.PartnerRateSnapshot{
		PartnerID:      partnerID,
		BaseRate:       terms.BaseRate,
		Tier:           terms.Tier,
		TierMultiplier: multiplier,
		TierBonusRate:  bonus,
		Volume:         terms.TrailingVolume,
		EffectiveRate:  terms.BaseRate.Mul(multiplier).Add(bonus),
		EvaluatedAt:    at,
	}, nil
}

// StaticTerms serves fixed partner terms, for local runs and tests.
type StaticTerms struct {
	Default  PartnerTerms
	Partners map[string]PartnerTerms
}

func (s StaticTerms) TermsAt(_ context.Context, partnerID string, _ time.Time, _ time.Duration) (PartnerTerms, error) {
	if terms, ok := s.Partners[partnerID]; ok {
		return terms, nil
	}
	return s.Default, nil
}
