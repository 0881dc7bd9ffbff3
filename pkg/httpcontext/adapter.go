package httpcontext

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	appLogger "github.com/fastygo/attribution/pkg/logger"
)

// Key represents a context value key exported for reuse.
type Key string

const (
	KeyRemoteAddr Key = "remote_addr"
	KeyServiceID  Key = "service_id"
)

// DefaultTimeout bounds a request when no timeout is configured.
const DefaultTimeout = 2 * time.Second

// Adapter converts fasthttp.RequestCtx into a stdlib context with a deadline
// and request metadata.
type Adapter struct {
	timeout time.Duration
	base    context.Context
}

// NewAdapter constructs a new Adapter using the provided timeout. Request
// contexts derive from base, so cancelling it aborts in-flight requests.
func NewAdapter(base context.Context, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if base == nil {
		base = context.Background()
	}
	return &Adapter{
		timeout: timeout,
		base:    base,
	}
}

// Attach creates a context with timeout derived from the adapter and enriches it with request metadata.
func (a *Adapter) Attach(ctx *fasthttp.RequestCtx) (context.Context, context.CancelFunc) {
	stdCtx, cancel := context.WithTimeout(a.base, a.timeout)

	reqID := getRequestID(ctx)
	stdCtx = appLogger.ContextWithRequestID(stdCtx, reqID)
	ctx.Response.Header.Set("X-Request-ID", reqID)

	if remoteAddr := ctx.RemoteAddr(); remoteAddr != nil {
		stdCtx = context.WithValue(stdCtx, KeyRemoteAddr, remoteAddr.String())
	}
	if service := string(ctx.Request.Header.Peek("X-Service-ID")); service != "" {
		stdCtx = context.WithValue(stdCtx, KeyServiceID, service)
	}

	return stdCtx, cancel
}

func getRequestID(ctx *fasthttp.RequestCtx) string {
	if ctx == nil {
		return uuid.NewString()
	}
	if header := string(ctx.Request.Header.Peek("X-Request-ID")); strings.TrimSpace(header) != "" {
		return header
	}
	return uuid.NewString()
}

// ServiceID returns the authenticated caller attached by Attach, if any.
func ServiceID(ctx context.Context) string {
	service, _ := ctx.Value(KeyServiceID).(string)
	return service
}
