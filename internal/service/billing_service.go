package service

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"creditservice/internal/model"
	"creditservice/internal/repository"

	"gorm.io/gorm"
)

const (
	// PayPal 支付完成事件，其他事件类型直接忽略
	paypalEventCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"

	refTypePayPalPurchase = "paypal_purchase"
)

// BillingService 充值回调服务
// 支付渠道（PayPal）完成收款后通过 webhook 通知，本服务据此发放购买的积分
// 签名校验在网关层完成，这里只处理业务语义
type BillingService struct {
	creditSvc  *CreditService
	ledgerRepo *repository.LedgerRepository
}

func NewBillingService(db *gorm.DB, creditSvc *CreditService) *BillingService {
	return &BillingService{
		creditSvc:  creditSvc,
		ledgerRepo: repository.NewLedgerRepository(db),
	}
}

type PayPalWebhookRequest struct {
	EventType string         `json:"event_type" binding:"required"`
	Resource  PayPalResource `json:"resource"`
}

type PayPalResource struct {
	ID       string `json:"id"`        // 收款单号，幂等键
	CustomID string `json:"custom_id"` // 下单时写入的 "userID:credits"
}

// HandlePayPalWebhook 处理 PayPal 支付回调
//
// 【关键点】支付渠道的 webhook 会重复投递，且重试可能并发，必须幂等：
// 同一个收款单号只发放一次，重复回调直接返回成功。预查询只拦截串行重复，
// 并发重复由收款单号做幂等键的唯一索引拦截
func (s *BillingService) HandlePayPalWebhook(ctx context.Context, req *PayPalWebhookRequest) (*model.CreditLedgerEntry, error) {
	if req.EventType != paypalEventCaptureCompleted {
		log.Printf("[BillingService] 忽略事件: eventType=%s", req.EventType)
		return nil, nil
	}
	if req.Resource.ID == "" {
		return nil, fmt.Errorf("回调缺少收款单号")
	}

	userID, credits, err := parseCustomID(req.Resource.CustomID)
	if err != nil {
		return nil, err
	}

	existing, err := s.ledgerRepo.GetByRef(ctx, refTypePayPalPurchase, req.Resource.ID)
	if err != nil {
		return nil, fmt.Errorf("查询购买流水失败: %w", err)
	}
	if existing != nil {
		log.Printf("[BillingService] 重复回调，已发放过: captureID=%s, entryNo=%s",
			req.Resource.ID, existing.EntryNo)
		return existing, nil
	}

	entry, err := s.creditSvc.GrantIdempotent(ctx, userID, credits,
		model.ReasonPurchase, refTypePayPalPurchase, req.Resource.ID, "充值购买",
		fmt.Sprintf("%s:%s", refTypePayPalPurchase, req.Resource.ID))
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// parseCustomID 解析下单时写入的 custom_id，格式 "userID:credits"
func parseCustomID(customID string) (int64, int64, error) {
	parts := strings.SplitN(customID, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("custom_id 格式非法: %s", customID)
	}

	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("custom_id 中的用户ID非法: %s", parts[0])
	}
	credits, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("custom_id 中的积分数非法: %s", parts[1])
	}
	return userID, credits, nil
}
