package domain

import "time"

// ClickMetadata carries campaign attributes captured at the redirect.
type ClickMetadata struct {
	Campaign string `json:"campaign,omitempty"`
	Source   string `json:"source,omitempty"`
	Device   string `json:"device,omitempty"`
}

// ClickEvent is a single partner link click. It is never updated after it is written.
type ClickEvent struct {
	ClickID    string        `json:"click_id"`
	PartnerID  string        `json:"partner_id"`
	SessionKey string        `json:"session_key"`
	Timestamp  time.Time     `json:"timestamp"`
	ExpiresAt  time.Time     `json:"ttl_expiry"`
	Metadata   ClickMetadata `json:"metadata"`
}

// IsExpired reports whether the click has left active matching at the reference time.
func (c *ClickEvent) IsExpired(reference time.Time) bool {
	if c == nil {
		return true
	}
	return !c.ExpiresAt.After(reference)
}

// Before orders clicks by timestamp, then click ID.
func (c ClickEvent) Before(other ClickEvent) bool {
	if c.Timestamp.Equal(other.Timestamp) {
		return c.ClickID < other.ClickID
	}
	return c.Timestamp.Before(other.Timestamp)
}

// Window is a lookback range with an inclusive start and an inclusive end.
type Window struct {
	Start time.Time
	End   time.Time
}

// LookbackWindow returns the attribution window ending at asOf.
func LookbackWindow(asOf time.Time, length time.Duration) Window {
	return Window{Start: asOf.Add(-length), End: asOf}
}

// Contains reports whether t lies within the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}
