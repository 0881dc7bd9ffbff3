package transport

import (
	"time"

	"github.com/shopspring/decimal"
)

type ClickRequest struct {
	PartnerID  string `json:"partner_id"`
	SessionKey string `json:"session_key"`
	Metadata   struct {
		Campaign string `json:"campaign"`
		Source   string `json:"source"`
		Device   string `json:"device"`
	} `json:"metadata"`
}

type ConversionRequest struct {
	ConversionID string          `json:"conversion_id"`
	ProgramID    string          `json:"program_id"`
	SessionKey   string          `json:"session_key"`
	Fingerprint  string          `json:"fingerprint"`
	GrossAmount  decimal.Decimal `json:"gross_amount"`
	Timestamp    time.Time       `json:"timestamp"`
}

type CancelRequest struct {
	CancelledAt time.Time `json:"cancelled_at"`
	Reason      string    `json:"reason"`
}

type PayoutCallbackRequest struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}
