package handler

import (
	"net/http"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fastygo/attribution/api/transport"
	"github.com/fastygo/attribution/pkg/httpcontext"
	"github.com/fastygo/attribution/usecase/payout"
)

type PayoutHandler struct {
	baseHandler
	aggregator *payout.Aggregator
}

func NewPayoutHandler(aggregator *payout.Aggregator, adapter *httpcontext.Adapter, logger *zap.Logger) *PayoutHandler {
	return &PayoutHandler{
		baseHandler: newBaseHandler(adapter, logger),
		aggregator:  aggregator,
	}
}

// @Summary Payout batch lookup
// @Tags payouts
// @Router /api/v1/payouts/{id} [get]
func (h *PayoutHandler) Get(ctx *fasthttp.RequestCtx) {
	id, ok := h.pathParam(ctx, "id")
	if !ok {
		return
	}

	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	batch, err := h.aggregator.Batch(stdCtx, id)
	if err != nil {
		h.respondError(stdCtx, ctx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusOK, batch)
}

// @Summary Payment executor callback
// @Tags payouts
// @Router /api/v1/payouts/{id}/callback [post]
func (h *PayoutHandler) Callback(ctx *fasthttp.RequestCtx) {
	id, ok := h.pathParam(ctx, "id")
	if !ok {
		return
	}
	var req transport.PayoutCallbackRequest
	if !h.decode(ctx, &req) {
		return
	}

	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	batch, err := h.aggregator.HandleCallback(stdCtx, id, req.Status, req.Reference, req.Reason)
	if err != nil {
		h.respondError(stdCtx, ctx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusOK, batch)
}
