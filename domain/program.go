package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// VolumeBonus adds BonusRate once trailing volume is strictly above Above.
type VolumeBonus struct {
	Above     decimal.Decimal `json:"above" yaml:"above"`
	BonusRate decimal.Decimal `json:"bonus_rate" yaml:"bonus_rate"`
}

// Program is the attribution and commission configuration of a partner program.
type Program struct {
	ID             string
	Model          ModelConfig
	Window         time.Duration
	MaxTouchpoints int
	// TierMultipliers maps the tier reported by the partner config store to a
	// multiplier on the base rate. Unknown tiers use 1.
	TierMultipliers map[string]decimal.Decimal
	VolumeBonuses   []VolumeBonus
	VolumeLookback  time.Duration
}

// Validate normalizes defaults and rejects unusable programs.
func (p *Program) Validate() error {
	if p.ID == "" {
		return NewError(ErrCodeInvalid, "program id is required")
	}
	if err := p.Model.Validate(); err != nil {
		return WrapError(ErrCodeInvalidModel, fmt.Sprintf("program %s", p.ID), err)
	}
	if p.Window <= 0 {
		return NewError(ErrCodeInvalid, fmt.Sprintf("program %s: attribution window must be positive", p.ID))
	}
	if p.MaxTouchpoints <= 0 {
		p.MaxTouchpoints = 20
	}
	if p.VolumeLookback <= 0 {
		p.VolumeLookback = 30 * 24 * time.Hour
	}
	for tier, mult := range p.TierMultipliers {
		if mult.IsNegative() {
			return NewError(ErrCodeInvalid, fmt.Sprintf("program %s: negative multiplier for tier %s", p.ID, tier))
		}
	}
	for _, b := range p.VolumeBonuses {
		if b.BonusRate.IsNegative() {
			return NewError(ErrCodeInvalid, fmt.Sprintf("program %s: negative volume bonus", p.ID))
		}
	}
	sort.SliceStable(p.VolumeBonuses, func(i, j int) bool {
		return p.VolumeBonuses[i].Above.LessThan(p.VolumeBonuses[j].Above)
	})
	return nil
}

// TierMultiplier returns the multiplier for a tier.
func (p Program) TierMultiplier(tier string) decimal.Decimal {
	if mult, ok := p.TierMultipliers[tier]; ok {
		return mult
	}
	return decimal.NewFromInt(1)
}

// VolumeBonusRate returns the highest bonus whose threshold the volume exceeds.
func (p Program) VolumeBonusRate(volume decimal.Decimal) decimal.Decimal {
	bonus := decimal.Zero
	for _, b := range p.VolumeBonuses {
		if volume.GreaterThan(b.Above) {
			bonus = b.BonusRate
		}
	}
	return bonus
}
