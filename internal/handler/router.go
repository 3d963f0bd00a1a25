package handler

import (
	"escrowpay/internal/config"

	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(cfg *config.Config, h *Handler) *gin.Engine {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	r := gin.New()
	// 只信任配置的反向代理，网关来源 IP 校验依赖 ClientIP
	if err := r.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		h.log.WithError(err).Warn("trusted_proxies 配置非法，忽略代理头")
		_ = r.SetTrustedProxies(nil)
	}

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware(cfg.Server.AllowedOrigins))

	// 网关回调：不限流，网关会按自己的策略重试
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/payfast", h.PayFastWebhook)
		webhooks.POST("/ozow", h.OzowWebhook)
	}

	api := r.Group("/api/v1")
	api.Use(RateLimitMiddleware(cfg.Server.AdminRateLimit, cfg.Server.AdminRatePeriod))
	{
		api.POST("/checkout", h.CreateCheckout)

		order := api.Group("/orders")
		{
			order.GET("", h.GetOrder)
			order.GET("/:id", h.GetOrderByID)
			order.POST("/:id/in-progress", h.MarkInProgress)
			order.POST("/:id/delivered", h.MarkDelivered)
			order.POST("/:id/dispute", h.OpenDispute)
			order.POST("/:id/cancel", h.CancelOrder)
			order.POST("/:id/accept", h.AcceptDelivery)
		}

		api.POST("/refunds", h.Refund)

		escrow := api.Group("/escrow")
		{
			escrow.GET("/:id", h.GetHold)
			escrow.POST("/:id/release", h.ReleaseHold)
		}

		api.GET("/sellers/:id/summary", h.SellerSummary)

		payout := api.Group("/payouts")
		{
			payout.GET("", h.DuePayouts)
			payout.GET("/:id", h.GetPayout)
			payout.POST("/:id/processing", h.MarkPayoutProcessing)
			payout.POST("/:id/completed", h.MarkPayoutCompleted)
			payout.POST("/:id/failed", h.MarkPayoutFailed)
		}

		jobs := api.Group("/release-jobs")
		{
			jobs.GET("/dead", h.DeadLetters)
			jobs.POST("/dead/:job_id/requeue", h.RequeueDeadLetter)
		}

		api.GET("/outbox", h.FailedOutbox)
		api.POST("/outbox/:id/retry", h.RetryOutbox)
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
