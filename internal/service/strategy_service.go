package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"creditservice/internal/config"
	"creditservice/internal/infrastructure/lock"
	"creditservice/internal/infrastructure/n8n"
	"creditservice/internal/model"
	"creditservice/internal/repository"
	"creditservice/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// StrategyService 交易策略激活服务
// 激活是付费操作：激活记录和积分扣减在同一个事务内落库，
// 不会出现"扣了钱没激活"或"激活了没扣钱"
type StrategyService struct {
	db             *gorm.DB
	redisClient    *redis.Client
	cfg            *config.Config
	creditSvc      *CreditService
	activationRepo *repository.ActivationRepository
	n8nClient      *n8n.Client
}

func NewStrategyService(db *gorm.DB, redisClient *redis.Client, creditSvc *CreditService, n8nClient *n8n.Client, cfg *config.Config) *StrategyService {
	return &StrategyService{
		db:             db,
		redisClient:    redisClient,
		cfg:            cfg,
		creditSvc:      creditSvc,
		activationRepo: repository.NewActivationRepository(db),
		n8nClient:      n8nClient,
	}
}

type ActivateStrategyRequest struct {
	UserID       int64  `json:"user_id" binding:"required"`
	StrategyID   string `json:"strategy_id" binding:"required"`
	InstrumentID string `json:"instrument_id"`
}

// Activate 激活交易策略
//
// 流程：防重复激活检查 -> 按用户加锁 -> 事务内（创建激活记录 + 扣减积分）
// -> 通知 n8n。扣减流水的 ref_id 指向激活单号，便于对账
func (s *StrategyService) Activate(ctx context.Context, req *ActivateStrategyRequest) (*model.StrategyActivation, error) {
	existing, err := s.activationRepo.GetActiveByUserAndStrategy(ctx, req.UserID, req.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("查询激活记录失败: %w", err)
	}
	if existing != nil {
		return nil, errors.New("该策略已在激活中，请勿重复激活")
	}

	unlock, err := s.lockUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer unlock()

	activation := &model.StrategyActivation{
		ActivationNo: idgen.GenerateActivationNo(),
		UserID:       req.UserID,
		StrategyID:   req.StrategyID,
		InstrumentID: req.InstrumentID,
		Status:       model.ActivationStatusActive,
	}

	cost := s.cfg.Business.StrategyActivationCost
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.activationRepo.Create(ctx, tx, activation); err != nil {
			return fmt.Errorf("创建激活记录失败: %w", err)
		}

		if _, err := s.creditSvc.ConsumeInTx(ctx, tx, req.UserID, cost,
			model.ReasonStrategyActivation, "strategy_activation", activation.ActivationNo,
			fmt.Sprintf("激活策略-%s", req.StrategyID)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[StrategyService] 策略激活成功: activationNo=%s, userID=%d, strategyID=%s, cost=%d",
		activation.ActivationNo, req.UserID, req.StrategyID, cost)

	// 通知失败不回滚激活：交易引擎侧由 n8n 的重试机制兜底
	if err := s.n8nClient.ActivateStrategy(ctx, req.UserID, activation.ActivationNo, req.StrategyID, req.InstrumentID); err != nil {
		log.Printf("[StrategyService] 通知 n8n 激活失败: activationNo=%s, err=%v", activation.ActivationNo, err)
	}

	return activation, nil
}

// Deactivate 停用策略（免费操作）
func (s *StrategyService) Deactivate(ctx context.Context, userID int64, activationNo string) error {
	activation, err := s.getOwnedActivation(ctx, userID, activationNo)
	if err != nil {
		return err
	}

	fromStatuses := []string{model.ActivationStatusActive, model.ActivationStatusPaused}
	if err := s.activationRepo.UpdateStatus(ctx, activationNo, fromStatuses, model.ActivationStatusInactive); err != nil {
		if errors.Is(err, repository.ErrActivationNotFound) {
			return fmt.Errorf("当前状态不允许停用: %s", activation.Status)
		}
		return fmt.Errorf("更新激活状态失败: %w", err)
	}

	if err := s.n8nClient.DeactivateStrategy(ctx, userID, activationNo); err != nil {
		log.Printf("[StrategyService] 通知 n8n 停用失败: activationNo=%s, err=%v", activationNo, err)
	}
	return nil
}

// Pause 暂停策略（免费操作）
func (s *StrategyService) Pause(ctx context.Context, userID int64, activationNo string) error {
	activation, err := s.getOwnedActivation(ctx, userID, activationNo)
	if err != nil {
		return err
	}

	fromStatuses := []string{model.ActivationStatusActive}
	if err := s.activationRepo.UpdateStatus(ctx, activationNo, fromStatuses, model.ActivationStatusPaused); err != nil {
		if errors.Is(err, repository.ErrActivationNotFound) {
			return fmt.Errorf("当前状态不允许暂停: %s", activation.Status)
		}
		return fmt.Errorf("更新激活状态失败: %w", err)
	}
	return nil
}

// ListActivations 查询用户的激活记录
func (s *StrategyService) ListActivations(ctx context.Context, userID int64, limit int) ([]*model.StrategyActivation, error) {
	if limit <= 0 {
		limit = defaultLedgerPageSize
	}
	return s.activationRepo.ListByUserID(ctx, userID, limit)
}

// getOwnedActivation 查询激活记录并校验归属
func (s *StrategyService) getOwnedActivation(ctx context.Context, userID int64, activationNo string) (*model.StrategyActivation, error) {
	activation, err := s.activationRepo.GetByActivationNo(ctx, activationNo)
	if err != nil {
		if errors.Is(err, repository.ErrActivationNotFound) {
			return nil, errors.New("策略激活记录不存在")
		}
		return nil, fmt.Errorf("查询激活记录失败: %w", err)
	}
	if activation.UserID != userID {
		return nil, errors.New("策略激活记录不存在")
	}
	return activation, nil
}

// lockUser 获取按用户维度的扣减锁，redisClient 为 nil 时跳过（单元测试场景）
func (s *StrategyService) lockUser(ctx context.Context, userID int64) (func(), error) {
	if s.redisClient == nil {
		return func() {}, nil
	}

	creditLock := lock.NewCreditLock(s.redisClient, userID, idgen.GenerateLockToken())
	if err := creditLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, err
	}
	return func() {
		if err := creditLock.Unlock(context.Background()); err != nil {
			log.Printf("[StrategyService] 释放扣减锁失败: userID=%d, err=%v", userID, err)
		}
	}, nil
}
