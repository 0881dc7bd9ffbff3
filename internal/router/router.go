package router

import (
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	apiHandler "github.com/fastygo/attribution/api/handler"
)

type Handlers struct {
	Click      *apiHandler.ClickHandler
	Conversion *apiHandler.ConversionHandler
	Payout     *apiHandler.PayoutHandler
	Health     *apiHandler.HealthHandler
}

func New(handlers Handlers, authMiddleware func(fasthttp.RequestHandler) fasthttp.RequestHandler) *router.Router {
	r := router.New()

	r.GET("/health", handlers.Health.Check)

	api := r.Group("/api/v1")

	// Ingest
	api.POST("/clicks", authMiddleware(handlers.Click.Record))

	// Conversions
	api.POST("/conversions", authMiddleware(handlers.Conversion.Match))
	api.GET("/conversions/{id}", authMiddleware(handlers.Conversion.Get))
	api.POST("/conversions/{id}/confirm", authMiddleware(handlers.Conversion.Confirm))
	api.POST("/conversions/{id}/cancel", authMiddleware(handlers.Conversion.Cancel))

	// Payouts
	api.GET("/payouts/{id}", authMiddleware(handlers.Payout.Get))
	api.POST("/payouts/{id}/callback", authMiddleware(handlers.Payout.Callback))

	return r
}
