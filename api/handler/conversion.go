package handler

import (
	"net/http"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fastygo/attribution/api/transport"
	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/pkg/httpcontext"
	"github.com/fastygo/attribution/usecase/conversion"
)

type ConversionHandler struct {
	baseHandler
	matcher *conversion.Matcher
}

func NewConversionHandler(matcher *conversion.Matcher, adapter *httpcontext.Adapter, logger *zap.Logger) *ConversionHandler {
	return &ConversionHandler{
		baseHandler: newBaseHandler(adapter, logger),
		matcher:     matcher,
	}
}

// @Summary Conversion webhook, safe to redeliver
// @Tags conversions
// @Router /api/v1/conversions [post]
func (h *ConversionHandler) Match(ctx *fasthttp.RequestCtx) {
	var req transport.ConversionRequest
	if !h.decode(ctx, &req) {
		return
	}

	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	outcome, err := h.matcher.Match(stdCtx, domain.ConversionEvent{
		ConversionID: req.ConversionID,
		ProgramID:    req.ProgramID,
		SessionKey:   req.SessionKey,
		Fingerprint:  req.Fingerprint,
		GrossAmount:  req.GrossAmount,
		Timestamp:    req.Timestamp,
	})
	if err != nil {
		h.respondError(stdCtx, ctx, err)
		return
	}
	status := http.StatusCreated
	if outcome.Replayed {
		status = http.StatusOK
	}
	h.respondSuccess(ctx, status, outcome)
}

// @Summary Stored attribution and ledger entries of a conversion
// @Tags conversions
// @Router /api/v1/conversions/{id} [get]
func (h *ConversionHandler) Get(ctx *fasthttp.RequestCtx) {
	id, ok := h.pathParam(ctx, "id")
	if !ok {
		return
	}

	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	outcome, err := h.matcher.Result(stdCtx, id)
	if err != nil {
		h.respondError(stdCtx, ctx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusOK, outcome)
}

// @Summary Confirm pending commissions
// @Tags conversions
// @Router /api/v1/conversions/{id}/confirm [post]
func (h *ConversionHandler) Confirm(ctx *fasthttp.RequestCtx) {
	id, ok := h.pathParam(ctx, "id")
	if !ok {
		return
	}

	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	n, err := h.matcher.Confirm(stdCtx, id)
	if err != nil {
		h.respondError(stdCtx, ctx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusOK, transport.ConfirmResponse{ConversionID: id, Confirmed: n})
}

// @Summary Cancel or refund a conversion
// @Tags conversions
// @Router /api/v1/conversions/{id}/cancel [post]
func (h *ConversionHandler) Cancel(ctx *fasthttp.RequestCtx) {
	id, ok := h.pathParam(ctx, "id")
	if !ok {
		return
	}
	var req transport.CancelRequest
	if len(ctx.PostBody()) > 0 && !h.decode(ctx, &req) {
		return
	}

	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	reversals, err := h.matcher.Cancel(stdCtx, id, req.CancelledAt, req.Reason)
	if err != nil {
		h.respondError(stdCtx, ctx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusOK, reversals)
}
