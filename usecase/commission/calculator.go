// Package commission turns attribution credit into ledger entries.
package commission

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/pkg/metrics"
)

var halfCent = decimal.New(5, -3)

type Calculator struct {
	rates   RateProvider
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(rates RateProvider, logger *zap.Logger, m *metrics.Metrics) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{rates: rates, logger: logger, metrics: m}
}

type partnerShare struct {
	partnerID string
	clickID   string
	topWeight float64
	weight    float64
	raw       decimal.Decimal
	snapshot  domain.PartnerRateSnapshot
}

// Compute creates one pending commission entry per partner credited by the
// result. Amounts use banker's rounding to cents; the difference between the
// rounded total and the sum of rounded amounts goes to the partner with the
// largest weight, ties broken by the smallest click ID.
func (c *Calculator) Compute(ctx context.Context, program domain.Program, result domain.AttributionResult, gross decimal.Decimal) ([]domain.LedgerEntry, error) {
	if result.Organic() {
		return nil, nil
	}
	if gross.IsNegative() {
		return nil, domain.NewError(domain.ErrCodeInvalid, "gross amount must not be negative")
	}

	shares := groupByPartner(result.Credits)
	totalRaw := decimal.Zero
	for i := range shares {
		snapshot, err := c.rates.RateAt(ctx, program, shares[i].partnerID, result.ConvertedAt)
		if err != nil {
			return nil, err
		}
		shares[i].snapshot = snapshot
		shares[i].raw = gross.Mul(decimal.NewFromFloat(shares[i].weight)).Mul(snapshot.EffectiveRate)
		totalRaw = totalRaw.Add(shares[i].raw)
	}

	entries := make([]domain.LedgerEntry, len(shares))
	totalRounded := decimal.Zero
	for i, share := range shares {
		amount := share.raw.RoundBank(2)
		totalRounded = totalRounded.Add(amount)
		entries[i] = domain.LedgerEntry{
			EntryID:       domain.LedgerEntryID(result.ConversionID, share.partnerID, domain.EntryCommission),
			Kind:          domain.EntryCommission,
			PartnerID:     share.partnerID,
			ConversionID:  result.ConversionID,
			ClickID:       share.clickID,
			Weight:        share.weight,
			EffectiveRate: share.snapshot.EffectiveRate,
			Rate:          share.snapshot,
			Amount:        amount,
			Status:        domain.EntryPending,
			CreatedAt:     result.ConvertedAt,
		}
	}

	residual := totalRaw.RoundBank(2).Sub(totalRounded)
	if !residual.IsZero() {
		bound := halfCent.Mul(decimal.NewFromInt(int64(len(entries) + 1)))
		if residual.Abs().GreaterThan(bound) {
			c.logger.Error("rounding residual exceeds bound",
				zap.String("conversion_id", result.ConversionID),
				zap.String("residual", residual.String()),
				zap.String("bound", bound.String()),
				zap.Error(domain.ErrRoundingReconciliation))
			c.metrics.RoundingAlert(ctx, program.ID)
		}
		idx := absorber(shares)
		entries[idx].Amount = entries[idx].Amount.Add(residual)
	}

	return entries, nil
}

// groupByPartner sums credit per partner and picks each partner's
// representative click. Shares are ordered by partner ID.
func groupByPartner(credits []domain.Credit) []partnerShare {
	index := make(map[string]int)
	var shares []partnerShare
	for _, credit := range credits {
		i, ok := index[credit.PartnerID]
		if !ok {
			index[credit.PartnerID] = len(shares)
			shares = append(shares, partnerShare{
				partnerID: credit.PartnerID,
				clickID:   credit.ClickID,
				topWeight: credit.Weight,
				weight:    credit.Weight,
			})
			continue
		}
		share := &shares[i]
		share.weight += credit.Weight
		if credit.Weight > share.topWeight || (credit.Weight == share.topWeight && credit.ClickID < share.clickID) {
			share.topWeight = credit.Weight
			share.clickID = credit.ClickID
		}
	}
	sort.Slice(shares, func(i, j int) bool {
		return shares[i].partnerID < shares[j].partnerID
	})
	return shares
}

func absorber(shares []partnerShare) int {
	best := 0
	for i := 1; i < len(shares); i++ {
		switch {
		case shares[i].weight > shares[best].weight:
			best = i
		case shares[i].weight == shares[best].weight && shares[i].clickID < shares[best].clickID:
			best = i
		}
	}
	return best
}
