package handler

import (
	"errors"
	"strconv"

	"creditservice/internal/config"
	"creditservice/internal/infrastructure/n8n"
	"creditservice/internal/model"
	"creditservice/internal/service"
	"creditservice/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	creditService   *service.CreditService
	chatService     *service.ChatService
	strategyService *service.StrategyService
	actionService   *service.ActionService
	billingService  *service.BillingService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	n8nClient := n8n.NewClient(&cfg.N8n)
	creditService := service.NewCreditService(db, rdb, cfg)

	return &Handler{
		creditService:   creditService,
		chatService:     service.NewChatService(db, creditService, n8nClient, cfg),
		strategyService: service.NewStrategyService(db, rdb, creditService, n8nClient, cfg),
		actionService:   service.NewActionService(db, n8nClient, cfg),
		billingService:  service.NewBillingService(db, creditService),
	}
}

// handleCreditError 把积分服务的错误映射为统一响应
func handleCreditError(c *gin.Context, err error) {
	if insufficientErr, ok := service.IsInsufficientCredits(err); ok {
		response.ErrorWithData(c, response.CodeInsufficientCredits, err.Error(), gin.H{
			"required":  insufficientErr.Required,
			"available": insufficientErr.Available,
		})
		return
	}
	if errors.Is(err, service.ErrInvalidAmount) {
		response.ParamError(c, err.Error())
		return
	}
	if errors.Is(err, service.ErrInvalidReason) {
		response.BusinessError(c, response.CodeInvalidReason, err.Error())
		return
	}
	response.ServerError(c, err.Error())
}

// parseUserID 解析 query 中的 user_id
func parseUserID(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "user_id 参数错误")
		return 0, false
	}
	return userID, true
}

// ============================================================
// 积分查询接口
// ============================================================

// GetBalance 查询用户余额
// GET /api/v1/credits/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	balance, err := h.creditService.GetBalance(c.Request.Context(), userID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"user_id": userID,
		"balance": balance,
	})
}

// GetLedger 查询用户积分流水
// GET /api/v1/credits/ledger?user_id=xxx&limit=50
func (h *Handler) GetLedger(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, err := h.creditService.ListLedger(c.Request.Context(), userID, limit)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":  entries,
		"count": len(entries),
	})
}

// ============================================================
// 积分发放接口
// ============================================================

// RegisterRequest 注册赠送请求
type RegisterRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

// Register 注册赠送积分（幂等，重复调用不会重复发放）
// POST /api/v1/account/register
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	entry, err := h.creditService.GrantWelcomeBonus(c.Request.Context(), req.UserID)
	if err != nil {
		handleCreditError(c, err)
		return
	}

	response.Success(c, gin.H{
		"entry_no": entry.EntryNo,
		"user_id":  entry.UserID,
		"delta":    entry.Delta,
	})
}

// AdminGrantRequest 管理员发放请求
type AdminGrantRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Amount int64  `json:"amount" binding:"required"`
	Remark string `json:"remark"`
}

// AdminGrant 管理员发放积分
// POST /api/v1/admin/credits/grant
func (h *Handler) AdminGrant(c *gin.Context) {
	var req AdminGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	entry, err := h.creditService.Grant(c.Request.Context(), req.UserID, req.Amount,
		model.ReasonAdminGrant, "admin_grant", "", req.Remark)
	if err != nil {
		handleCreditError(c, err)
		return
	}

	response.Success(c, entry)
}

// PayPalWebhook 充值回调（幂等，重复投递不会重复发放）
// POST /api/v1/billing/webhook/paypal
func (h *Handler) PayPalWebhook(c *gin.Context) {
	var req service.PayPalWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	entry, err := h.billingService.HandlePayPalWebhook(c.Request.Context(), &req)
	if err != nil {
		handleCreditError(c, err)
		return
	}

	if entry == nil {
		response.Success(c, gin.H{"granted": false})
		return
	}
	response.Success(c, gin.H{
		"granted":  true,
		"entry_no": entry.EntryNo,
	})
}

// ============================================================
// AI 对话接口（付费）
// ============================================================

// SendChatMessage 发送 AI 对话消息
// POST /api/v1/chat/message
//
// 【关键点】这是付费操作：
// 1. 路由上挂了 RequireCredits 前置检查，余额不足在进入业务前就被拦截
// 2. 扣减在事务内二次复核余额，前置检查通过后被并发请求抢掉余额也不会超扣
func (h *Handler) SendChatMessage(c *gin.Context) {
	var req service.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.chatService.SendMessage(c.Request.Context(), &req)
	if err != nil {
		handleCreditError(c, err)
		return
	}

	response.Success(c, result)
}

// ListChatThreads 查询对话线程列表
// GET /api/v1/chat/threads?user_id=xxx
func (h *Handler) ListChatThreads(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	threads, err := h.chatService.ListThreads(c.Request.Context(), userID, limit)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{"list": threads})
}

// GetChatThread 查询线程详情（含全部消息）
// GET /api/v1/chat/thread/detail?user_id=xxx&thread_no=xxx
func (h *Handler) GetChatThread(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	threadNo := c.Query("thread_no")
	if threadNo == "" {
		response.ParamError(c, "thread_no 参数不能为空")
		return
	}

	detail, err := h.chatService.GetThreadDetail(c.Request.Context(), userID, threadNo)
	if err != nil {
		response.BusinessError(c, response.CodeThreadNotFound, err.Error())
		return
	}

	response.Success(c, detail)
}

// ============================================================
// 策略激活接口（付费）
// ============================================================

// ActivateStrategy 激活交易策略
// POST /api/v1/strategy/activate
func (h *Handler) ActivateStrategy(c *gin.Context) {
	var req service.ActivateStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	activation, err := h.strategyService.Activate(c.Request.Context(), &req)
	if err != nil {
		handleCreditError(c, err)
		return
	}

	response.Success(c, activation)
}

// ActivationOpRequest 激活记录操作请求
type ActivationOpRequest struct {
	UserID       int64  `json:"user_id" binding:"required"`
	ActivationNo string `json:"activation_no" binding:"required"`
}

// DeactivateStrategy 停用策略
// POST /api/v1/strategy/deactivate
func (h *Handler) DeactivateStrategy(c *gin.Context) {
	var req ActivationOpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.strategyService.Deactivate(c.Request.Context(), req.UserID, req.ActivationNo); err != nil {
		response.BusinessError(c, response.CodeActivationNotFound, err.Error())
		return
	}

	response.Success(c, gin.H{"message": "策略已停用"})
}

// PauseStrategy 暂停策略
// POST /api/v1/strategy/pause
func (h *Handler) PauseStrategy(c *gin.Context) {
	var req ActivationOpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.strategyService.Pause(c.Request.Context(), req.UserID, req.ActivationNo); err != nil {
		response.BusinessError(c, response.CodeActivationNotFound, err.Error())
		return
	}

	response.Success(c, gin.H{"message": "策略已暂停"})
}

// ListActivations 查询用户的激活记录
// GET /api/v1/strategy/activations?user_id=xxx
func (h *Handler) ListActivations(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	activations, err := h.strategyService.ListActivations(c.Request.Context(), userID, limit)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{"list": activations})
}

// ============================================================
// 控制指令接口
// ============================================================

// ExecuteAction 执行控制指令（免费，转发 n8n）
// POST /api/v1/action/execute
func (h *Handler) ExecuteAction(c *gin.Context) {
	var req service.ExecuteActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	action, err := h.actionService.Execute(c.Request.Context(), &req)
	if err != nil {
		response.BusinessError(c, response.CodeRelayFailed, err.Error())
		return
	}

	response.Success(c, action)
}

// ListActions 查询指令历史
// GET /api/v1/action/list?user_id=xxx&limit=50
func (h *Handler) ListActions(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	actions, err := h.actionService.ListActions(c.Request.Context(), userID, limit)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{"list": actions})
}

// ActionUpdateWebhook n8n 执行结果回调
// POST /api/v1/webhook/action-update
func (h *Handler) ActionUpdateWebhook(c *gin.Context) {
	var req service.ActionCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.actionService.HandleCallback(c.Request.Context(), &req); err != nil {
		response.BusinessError(c, response.CodeActionNotFound, err.Error())
		return
	}

	response.Success(c, gin.H{"message": "回调已处理"})
}
