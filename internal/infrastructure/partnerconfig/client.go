// Package partnerconfig reads partner rates, tiers and trailing volume from the
// external partner tier/config store.
package partnerconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/usecase/commission"
)

// Client is a fasthttp client for GET {base}/v1/partners/{id}/terms.
type Client struct {
	http    *fasthttp.Client
	baseURL string
	token   string
	timeout time.Duration
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Client{
		http: &fasthttp.Client{
			Name:                "attribution-engine",
			MaxConnsPerHost:     64,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: timeout,
	}
}

var _ commission.TermsSource = (*Client)(nil)

// TermsAt returns the partner's terms as of at, with volume summed over the
// lookback ending at at.
func (c *Client) TermsAt(ctx context.Context, partnerID string, at time.Time, lookback time.Duration) (commission.PartnerTerms, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	query := url.Values{}
	query.Set("as_of", at.UTC().Format(time.RFC3339Nano))
	query.Set("volume_lookback", lookback.String())
	req.SetRequestURI(fmt.Sprintf("%s/v1/partners/%s/terms?%s", c.baseURL, url.PathEscape(partnerID), query.Encode()))
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return commission.PartnerTerms{}, context.DeadlineExceeded
	}

	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return commission.PartnerTerms{}, domain.Transient("partner config store unavailable", err)
	}

	switch status := resp.StatusCode(); {
	case status == fasthttp.StatusNotFound:
		return commission.PartnerTerms{}, domain.NewError(domain.ErrCodeNotFound, fmt.Sprintf("partner %s has no terms", partnerID))
	case status >= 500 || status == fasthttp.StatusTooManyRequests:
		return commission.PartnerTerms{}, domain.Transient("partner config store unavailable", fmt.Errorf("status %d", status))
	case status != fasthttp.StatusOK:
		return commission.PartnerTerms{}, domain.NewError(domain.ErrCodeInternal, fmt.Sprintf("partner config store returned %d", status))
	}

	var terms commission.PartnerTerms
	if err := json.Unmarshal(resp.Body(), &terms); err != nil {
		return commission.PartnerTerms{}, domain.WrapError(domain.ErrCodeInternal, "decode partner terms", err)
	}
	if terms.BaseRate.IsNegative() {
		return commission.PartnerTerms{}, domain.NewError(domain.ErrCodeInternal, fmt.Sprintf("partner %s has a negative base rate", partnerID))
	}
	return terms, nil
}
