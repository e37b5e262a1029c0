package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"creditservice/internal/config"
	"creditservice/internal/infrastructure/lock"
	"creditservice/internal/model"
	"creditservice/internal/repository"
	"creditservice/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

const (
	defaultLedgerPageSize = 50
	maxLedgerPageSize     = 200
)

// CreditService 积分账本服务
// 发放（Grant）和消耗（Consume）是新增流水仅有的两个入口，
// 余额永远由流水求和得出
type CreditService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	ledgerRepo  *repository.LedgerRepository
	outboxRepo  *repository.OutboxRepository
}

// NewCreditService 创建积分服务
// redisClient 允许为 nil（单元测试场景）：此时跳过分布式锁，
// 事务内的余额复核仍然兜底，见 consumeInTx
func NewCreditService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *CreditService {
	return &CreditService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		ledgerRepo:  repository.NewLedgerRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

// GetBalance 查询用户当前余额
// 每次都从流水重新聚合，不走缓存：余额永远不会和账本漂移
func (s *CreditService) GetBalance(ctx context.Context, userID int64) (int64, error) {
	return s.ledgerRepo.SumByUser(ctx, nil, userID)
}

// ListLedger 查询用户流水，按时间倒序
func (s *CreditService) ListLedger(ctx context.Context, userID int64, limit int) ([]*model.CreditLedgerEntry, error) {
	if limit <= 0 {
		limit = defaultLedgerPageSize
	}
	if limit > maxLedgerPageSize {
		limit = maxLedgerPageSize
	}
	return s.ledgerRepo.ListByUser(ctx, userID, limit)
}

// Grant 发放积分
// amount 必须为正数；校验失败不会触碰存储
func (s *CreditService) Grant(ctx context.Context, userID, amount int64, reason, refType, refID, remark string) (*model.CreditLedgerEntry, error) {
	return s.grant(ctx, userID, amount, reason, refType, refID, remark, "")
}

// GrantIdempotent 带幂等键的发放
//
// 【关键点】注册赠送、充值回调这类外部会重试（且重试可能并发）的发放
// 必须走这个入口：幂等键落在流水表的唯一索引上，并发重复投递最多只有
// 一条插入成功，撞键的一方按"已发放"处理，返回已有流水而不报错
func (s *CreditService) GrantIdempotent(ctx context.Context, userID, amount int64, reason, refType, refID, remark, dedupeKey string) (*model.CreditLedgerEntry, error) {
	if dedupeKey == "" {
		return nil, fmt.Errorf("幂等发放必须指定幂等键")
	}

	entry, err := s.grant(ctx, userID, amount, reason, refType, refID, remark, dedupeKey)
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, getErr := s.ledgerRepo.GetByDedupeKey(ctx, dedupeKey)
			if getErr != nil {
				return nil, fmt.Errorf("查询已发放流水失败: %w", getErr)
			}
			if existing != nil {
				log.Printf("[CreditService] 重复发放被唯一键拦截: dedupeKey=%s, entryNo=%s",
					dedupeKey, existing.EntryNo)
				return existing, nil
			}
		}
		return nil, err
	}
	return entry, nil
}

func (s *CreditService) grant(ctx context.Context, userID, amount int64, reason, refType, refID, remark, dedupeKey string) (*model.CreditLedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !model.IsValidReason(reason) {
		return nil, ErrInvalidReason
	}

	entry := &model.CreditLedgerEntry{
		EntryNo:   idgen.GenerateEntryNo(),
		UserID:    userID,
		Delta:     amount,
		Reason:    reason,
		RefType:   refType,
		RefID:     refID,
		DedupeKey: dedupeKey,
		Remark:    remark,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.appendWithEvent(ctx, tx, entry); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[CreditService] 发放成功: entryNo=%s, userID=%d, amount=%d, reason=%s",
		entry.EntryNo, userID, amount, reason)
	return entry, nil
}

// Consume 消耗积分
//
// 【关键点】扣减是整个服务最核心的操作，需要保证：
// 1. 余额充足才能扣：余额 < amount 时返回 InsufficientCreditsError，不写任何流水
// 2. 并发安全：同一用户的扣减先抢按用户维度的分布式锁，
//    两个并发请求不会同时读到同一份余额
// 3. 兜底：即使锁失效，事务内 FOR UPDATE 的余额复核在行锁上互斥，
//    余额仍然不会被扣成负数
func (s *CreditService) Consume(ctx context.Context, userID, amount int64, reason, refType, refID, remark string) (*model.CreditLedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !model.IsValidReason(reason) {
		return nil, ErrInvalidReason
	}

	unlock, err := s.lockUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer unlock()

	var entry *model.CreditLedgerEntry
	err = s.db.Transaction(func(tx *gorm.DB) error {
		created, err := s.consumeInTx(ctx, tx, userID, amount, reason, refType, refID, remark)
		if err != nil {
			return err
		}
		entry = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[CreditService] 消耗成功: entryNo=%s, userID=%d, amount=%d, reason=%s",
		entry.EntryNo, userID, amount, reason)
	return entry, nil
}

// CheckAndConsume 检查并消耗
// 余额不足返回 false 且不写任何流水；足够则写入扣减流水后返回 true
// 付费功能优先使用这个入口，而不是先查余额再单独扣减
func (s *CreditService) CheckAndConsume(ctx context.Context, userID, amount int64, reason, refType, refID, remark string) (bool, error) {
	_, err := s.Consume(ctx, userID, amount, reason, refType, refID, remark)
	if err != nil {
		if _, ok := IsInsufficientCredits(err); ok {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GrantWelcomeBonus 发放注册赠送积分（幂等）
// 同一用户只会有一条 SUBSCRIPTION_BONUS 流水，重复调用返回已有流水；
// 预查询只是快路径，并发重复注册由幂等键的唯一索引兜底
func (s *CreditService) GrantWelcomeBonus(ctx context.Context, userID int64) (*model.CreditLedgerEntry, error) {
	existing, err := s.ledgerRepo.GetByUserIDAndReason(ctx, userID, model.ReasonSubscriptionBonus)
	if err != nil {
		return nil, fmt.Errorf("查询注册赠送流水失败: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	return s.GrantIdempotent(ctx, userID, s.cfg.Business.WelcomeBonusCredits,
		model.ReasonSubscriptionBonus, "welcome_bonus", "", "注册赠送",
		fmt.Sprintf("welcome_bonus:%d", userID))
}

// consumeInTx 在指定事务内完成"余额复核 + 追加扣减流水"
// 供 Consume 和需要把扣减与业务落库捆绑在同一事务里的服务
// （如策略激活）复用。复核走 FOR UPDATE 聚合：并发事务在行锁上互斥，
// 不会因为快照读而双双通过核对
func (s *CreditService) consumeInTx(ctx context.Context, tx *gorm.DB, userID, amount int64, reason, refType, refID, remark string) (*model.CreditLedgerEntry, error) {
	balance, err := s.ledgerRepo.SumByUserForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	if balance < amount {
		return nil, &InsufficientCreditsError{Required: amount, Available: balance}
	}

	entry := &model.CreditLedgerEntry{
		EntryNo: idgen.GenerateEntryNo(),
		UserID:  userID,
		Delta:   -amount,
		Reason:  reason,
		RefType: refType,
		RefID:   refID,
		Remark:  remark,
	}
	if err := s.appendWithEvent(ctx, tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ConsumeInTx 导出版 consumeInTx，金额和原因校验后委托内部实现
func (s *CreditService) ConsumeInTx(ctx context.Context, tx *gorm.DB, userID, amount int64, reason, refType, refID, remark string) (*model.CreditLedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !model.IsValidReason(reason) {
		return nil, ErrInvalidReason
	}
	return s.consumeInTx(ctx, tx, userID, amount, reason, refType, refID, remark)
}

// appendWithEvent 在事务内追加流水并写入事件消息（本地消息表）
func (s *CreditService) appendWithEvent(ctx context.Context, tx *gorm.DB, entry *model.CreditLedgerEntry) error {
	if err := s.ledgerRepo.Append(ctx, tx, entry); err != nil {
		return fmt.Errorf("写入流水失败: %w", err)
	}

	msgPayload := map[string]interface{}{
		"entry_no":   entry.EntryNo,
		"user_id":    entry.UserID,
		"delta":      entry.Delta,
		"reason":     entry.Reason,
		"ref_type":   entry.RefType,
		"ref_id":     entry.RefID,
		"created_at": time.Now().Format(time.RFC3339),
	}
	payloadBytes, _ := json.Marshal(msgPayload)

	outboxMsg := &model.OutboxMessage{
		MessageKey: entry.EntryNo,
		Topic:      s.cfg.Kafka.Topic.CreditEvent,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
		return fmt.Errorf("写入事件消息失败: %w", err)
	}
	return nil
}

// lockUser 获取按用户维度的扣减锁
// redisClient 为 nil 时返回空操作（单元测试场景，事务内复核兜底）
func (s *CreditService) lockUser(ctx context.Context, userID int64) (func(), error) {
	if s.redisClient == nil {
		return func() {}, nil
	}

	creditLock := lock.NewCreditLock(s.redisClient, userID, idgen.GenerateLockToken())
	if err := creditLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, err
	}
	return func() {
		if err := creditLock.Unlock(context.Background()); err != nil {
			log.Printf("[CreditService] 释放扣减锁失败: userID=%d, err=%v", userID, err)
		}
	}, nil
}
