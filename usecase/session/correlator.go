package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/repository"
)

// DefaultWindow is the attribution lookback when a program does not set one.
const DefaultWindow = 30 * 24 * time.Hour

// Correlator groups a visitor's clicks into ordered touchpoints. It only reads.
type Correlator struct {
	clicks repository.ClickRepository
	window time.Duration
	logger *zap.Logger
}

func New(clicks repository.ClickRepository, window time.Duration, logger *zap.Logger) *Correlator {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{clicks: clicks, window: window, logger: logger}
}

// Within returns a correlator sharing the store with a different lookback.
func (c *Correlator) Within(window time.Duration) *Correlator {
	if window <= 0 || window == c.window {
		return c
	}
	out := *c
	out.window = window
	return &out
}

// Correlate returns the session's clicks in [asOf-window, asOf], oldest
// first. An empty session key is an organic visit and yields no touchpoints.
func (c *Correlator) Correlate(ctx context.Context, sessionKey string, asOf time.Time) ([]domain.ClickEvent, error) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return nil, nil
	}
	window := domain.LookbackWindow(asOf, c.window)

	clicks, err := c.clicks.LookupSession(ctx, sessionKey, window.Start, window.End.Add(time.Nanosecond))
	if err != nil {
		var dErr *domain.Error
		if errors.As(err, &dErr) {
			return nil, err
		}
		return nil, domain.Transient("session lookup failed", err)
	}

	touchpoints := clicks[:0]
	for _, click := range clicks {
		if window.Contains(click.Timestamp) {
			touchpoints = append(touchpoints, click)
		}
	}
	c.logger.Debug("session correlated",
		zap.String("session_key", sessionKey),
		zap.Int("touchpoints", len(touchpoints)))
	return touchpoints, nil
}
