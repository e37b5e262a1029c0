package handler

import (
	"creditservice/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 积分查询
		credits := api.Group("/credits")
		{
			credits.GET("/balance", h.GetBalance)
			credits.GET("/ledger", h.GetLedger)
		}

		// 账户
		account := api.Group("/account")
		{
			account.POST("/register", h.Register)
		}

		// 管理端
		admin := api.Group("/admin")
		{
			admin.POST("/credits/grant", h.AdminGrant)
		}

		// 充值回调
		billing := api.Group("/billing")
		{
			billing.POST("/webhook/paypal", h.PayPalWebhook)
		}

		// AI 对话（付费：挂积分前置检查）
		chat := api.Group("/chat")
		{
			chat.POST("/message",
				RequireCredits(h.creditService, cfg.Business.AIMessageCost),
				h.SendChatMessage)
			chat.GET("/threads", h.ListChatThreads)
			chat.GET("/thread/detail", h.GetChatThread)
		}

		// 策略激活（付费：挂积分前置检查）
		strategy := api.Group("/strategy")
		{
			strategy.POST("/activate",
				RequireCredits(h.creditService, cfg.Business.StrategyActivationCost),
				h.ActivateStrategy)
			strategy.POST("/deactivate", h.DeactivateStrategy)
			strategy.POST("/pause", h.PauseStrategy)
			strategy.GET("/activations", h.ListActivations)
		}

		// 控制指令
		action := api.Group("/action")
		{
			action.POST("/execute", h.ExecuteAction)
			action.GET("/list", h.ListActions)
		}

		// n8n 回调
		webhook := api.Group("/webhook")
		{
			webhook.POST("/action-update", h.ActionUpdateWebhook)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
