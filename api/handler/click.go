package handler

import (
	"net/http"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fastygo/attribution/api/transport"
	"github.com/fastygo/attribution/domain"
	"github.com/fastygo/attribution/pkg/httpcontext"
	clickUC "github.com/fastygo/attribution/usecase/click"
)

type ClickHandler struct {
	baseHandler
	uc *clickUC.UseCase
}

func NewClickHandler(uc *clickUC.UseCase, adapter *httpcontext.Adapter, logger *zap.Logger) *ClickHandler {
	return &ClickHandler{
		baseHandler: newBaseHandler(adapter, logger),
		uc:          uc,
	}
}

// @Summary Record a partner link click
// @Tags clicks
// @Router /api/v1/clicks [post]
func (h *ClickHandler) Record(ctx *fasthttp.RequestCtx) {
	var req transport.ClickRequest
	if !h.decode(ctx, &req) {
		return
	}

	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	click, err := h.uc.RecordClick(stdCtx, clickUC.RecordInput{
		PartnerID:  req.PartnerID,
		SessionKey: req.SessionKey,
		Metadata: domain.ClickMetadata{
			Campaign: req.Metadata.Campaign,
			Source:   req.Metadata.Source,
			Device:   req.Metadata.Device,
		},
	})
	if err != nil {
		h.respondError(stdCtx, ctx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusCreated, transport.ClickResponse{ClickID: click.ClickID, ExpiresAt: click.ExpiresAt})
}
