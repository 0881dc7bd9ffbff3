package buffer

import (
	"time"

	"github.com/fastygo/attribution/domain"
)

// Item is a click that could not be written to the click store.
type Item struct {
	Click     domain.ClickEvent `json:"click"`
	Retries   int               `json:"retries"`
	LastError string            `json:"last_error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`

	bucketKey []byte
}

func (i *Item) normalize() {
	if i.Timestamp.IsZero() {
		i.Timestamp = time.Now()
	}
}
