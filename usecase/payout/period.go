package payout

import (
	"fmt"
	"strings"
	"time"

	"github.com/fastygo/attribution/domain"
)

type Cadence string

const (
	Weekly  Cadence = "weekly"
	Monthly Cadence = "monthly"
)

func ParseCadence(raw string) (Cadence, error) {
	switch c := Cadence(strings.ToLower(strings.TrimSpace(raw))); c {
	case Weekly, Monthly:
		return c, nil
	}
	return "", domain.NewError(domain.ErrCodeInvalid, fmt.Sprintf("unknown payout period %q", raw))
}

// LastClosed returns the most recent period that ended at or before now.
// Weeks start on Monday; all periods are aligned to UTC midnight.
func (c Cadence) LastClosed(now time.Time) domain.Period {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch c {
	case Monthly:
		end := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return domain.Period{Start: end.AddDate(0, -1, 0), End: end}
	default:
		offset := (int(midnight.Weekday()) + 6) % 7
		end := midnight.AddDate(0, 0, -offset)
		return domain.Period{Start: end.AddDate(0, 0, -7), End: end}
	}
}
