// Package attribution splits conversion credit across touchpoints according to
// the program's attribution model.
package attribution

import (
	"fmt"
	"math"
	"time"

	"github.com/fastygo/attribution/domain"
)

// WeightTolerance bounds how far the weights of a result may drift from 1.
const WeightTolerance = 1e-9

// Attribute returns one credit per touchpoint with a non-zero share. Touchpoints
// must be ordered oldest first; weights sum to 1 within WeightTolerance.
func Attribute(touchpoints []domain.ClickEvent, convertedAt time.Time, cfg domain.ModelConfig) ([]domain.Credit, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := len(touchpoints)
	if n == 0 {
		return nil, nil
	}

	var weights []float64
	switch cfg.Kind {
	case domain.ModelLastClick:
		weights = make([]float64, n)
		weights[n-1] = 1
	case domain.ModelFirstClick:
		weights = make([]float64, n)
		weights[0] = 1
	case domain.ModelLinear:
		weights = linear(n)
	case domain.ModelTimeDecay:
		weights = timeDecay(touchpoints, convertedAt, cfg.HalfLife)
	case domain.ModelPositionBased:
		weights = positionBased(n)
	default:
		return nil, domain.ErrInvalidModelConfig
	}

	if total := sum(weights); math.Abs(total-1) > WeightTolerance {
		return nil, domain.NewError(domain.ErrCodeInternal, fmt.Sprintf("%s weights sum to %.12f", cfg.Kind, total))
	}

	credits := make([]domain.Credit, 0, n)
	for i, tp := range touchpoints {
		if weights[i] == 0 {
			continue
		}
		credits = append(credits, domain.Credit{
			ClickID:   tp.ClickID,
			PartnerID: tp.PartnerID,
			Weight:    weights[i],
		})
	}
	return credits, nil
}

func linear(n int) []float64 {
	weights := make([]float64, n)
	share := 1 / float64(n)
	for i := range weights {
		weights[i] = share
	}
	return weights
}

// timeDecay weighs each touchpoint by 2^(-age/halfLife). Ages are taken
// relative to the freshest touchpoint before normalizing so that very short
// half lives cannot underflow every weight to zero.
func timeDecay(touchpoints []domain.ClickEvent, convertedAt time.Time, halfLife time.Duration) []float64 {
	ages := make([]float64, len(touchpoints))
	freshest := math.Inf(1)
	for i, tp := range touchpoints {
		age := convertedAt.Sub(tp.Timestamp).Seconds()
		if age < 0 {
			age = 0
		}
		ages[i] = age
		freshest = math.Min(freshest, age)
	}

	weights := make([]float64, len(touchpoints))
	for i, age := range ages {
		weights[i] = math.Exp2(-(age - freshest) / halfLife.Seconds())
	}
	return normalize(weights)
}

func positionBased(n int) []float64 {
	weights := make([]float64, n)
	switch n {
	case 1:
		weights[0] = 1
	case 2:
		weights[0], weights[1] = 0.5, 0.5
	default:
		weights[0], weights[n-1] = 0.4, 0.4
		middle := 0.2 / float64(n-2)
		for i := 1; i < n-1; i++ {
			weights[i] = middle
		}
	}
	return weights
}

func normalize(weights []float64) []float64 {
	total := sum(weights)
	for i := range weights {
		weights[i] /= total
	}
	return weights
}

func sum(weights []float64) float64 {
	var total float64
	for _, w := range weights {
		total += w
	}
	return total
}
