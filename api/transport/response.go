package transport

import "time"

// Envelope is the standard API response wrapper used for both success and error payloads.
type Envelope struct {
	Status string      `json:"status"`
	Code   string      `json:"code,omitempty"`
	Data   interface{} `json:"data,omitempty"`
	Error  interface{} `json:"error,omitempty"`
	Meta   interface{} `json:"meta,omitempty"`
}

// NewSuccess returns a success envelope.
func NewSuccess(data interface{}, meta interface{}) Envelope {
	return Envelope{
		Status: "success",
		Data:   data,
		Meta:   meta,
	}
}

// NewError returns an error envelope with optional metadata.
func NewError(code string, err interface{}, meta interface{}) Envelope {
	return Envelope{
		Status: "error",
		Code:   code,
		Error:  err,
		Meta:   meta,
	}
}

// RetryMeta tells callers when a retryable failure may be retried.
type RetryMeta struct {
	Retryable  bool `json:"retryable"`
	RetryAfter int  `json:"retry_after_seconds,omitempty"`
}

type ClickResponse struct {
	ClickID   string    `json:"click_id"`
	ExpiresAt time.Time `json:"ttl_expiry"`
}

type ConfirmResponse struct {
	ConversionID string `json:"conversion_id"`
	Confirmed    int    `json:"confirmed"`
}
