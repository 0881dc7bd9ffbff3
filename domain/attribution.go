package domain

import (
	"fmt"
	"strings"
	"time"
)

// ModelKind selects one of the supported attribution models.
type ModelKind string

const (
	ModelLastClick     ModelKind = "last_click"
	ModelFirstClick    ModelKind = "first_click"
	ModelLinear        ModelKind = "linear"
	ModelTimeDecay     ModelKind = "time_decay"
	ModelPositionBased ModelKind = "position_based"
)

// DefaultHalfLife is the time-decay half life when none is configured.
const DefaultHalfLife = 7 * 24 * time.Hour

// ParseModelKind resolves a configured model identifier. Unknown identifiers
// are rejected so misconfiguration surfaces at load time.
func ParseModelKind(raw string) (ModelKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	switch kind := ModelKind(normalized); kind {
	case ModelLastClick, ModelFirstClick, ModelLinear, ModelTimeDecay, ModelPositionBased:
		return kind, nil
	}
	return "", WrapError(ErrCodeInvalidModel, fmt.Sprintf("unknown attribution model %q", raw), ErrInvalidModelConfig)
}

// ModelConfig is the attribution model of a partner program.
type ModelConfig struct {
	Kind     ModelKind     `json:"kind"`
	HalfLife time.Duration `json:"half_life,omitempty"`
}

// Validate checks the configuration once, before any event is processed.
func (m ModelConfig) Validate() error {
	if _, err := ParseModelKind(string(m.Kind)); err != nil {
		return err
	}
	if m.Kind == ModelTimeDecay && m.HalfLife <= 0 {
		return WrapError(ErrCodeInvalidModel, "time decay half life must be positive", ErrInvalidModelConfig)
	}
	return nil
}

// Credit is the share of a conversion assigned to one touchpoint.
type Credit struct {
	ClickID   string  `json:"click_id"`
	PartnerID string  `json:"partner_id"`
	Weight    float64 `json:"weight"`
}

// AttributionResult is stored once per conversion and replayed on redelivery.
type AttributionResult struct {
	ConversionID string    `json:"conversion_id"`
	ProgramID    string    `json:"program_id"`
	Model        ModelKind `json:"model"`
	ConvertedAt  time.Time `json:"converted_at"`
	Credits      []Credit  `json:"credits"`
}

// Organic reports whether no touchpoint was credited.
func (r *AttributionResult) Organic() bool {
	return r == nil || len(r.Credits) == 0
}

// TotalWeight sums credit weights in order.
func (r *AttributionResult) TotalWeight() float64 {
	if r == nil {
		return 0
	}
	var total float64
	for _, c := range r.Credits {
		total += c.Weight
	}
	return total
}
