package repository

import (
	"context"
	"errors"

	"creditservice/internal/model"

	"gorm.io/gorm"
)

var (
	ErrActivationNotFound = errors.New("策略激活记录不存在")
)

type ActivationRepository struct {
	db *gorm.DB
}

func NewActivationRepository(db *gorm.DB) *ActivationRepository {
	return &ActivationRepository{db: db}
}

func (r *ActivationRepository) Create(ctx context.Context, tx *gorm.DB, activation *model.StrategyActivation) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(activation).Error
}

func (r *ActivationRepository) GetByActivationNo(ctx context.Context, activationNo string) (*model.StrategyActivation, error) {
	var activation model.StrategyActivation
	err := r.db.WithContext(ctx).Where("activation_no = ?", activationNo).First(&activation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrActivationNotFound
		}
		return nil, err
	}
	return &activation, nil
}

// GetActiveByUserAndStrategy 查询用户对某策略的激活中记录（防重复激活）
// 未找到时返回 nil，不算错误
func (r *ActivationRepository) GetActiveByUserAndStrategy(ctx context.Context, userID int64, strategyID string) (*model.StrategyActivation, error) {
	var activation model.StrategyActivation
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND strategy_id = ? AND status = ?", userID, strategyID, model.ActivationStatusActive).
		First(&activation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &activation, nil
}

// UpdateStatus 条件更新激活状态，流转不合法时影响行数为 0
func (r *ActivationRepository) UpdateStatus(ctx context.Context, activationNo string, fromStatuses []string, toStatus string) error {
	result := r.db.WithContext(ctx).
		Model(&model.StrategyActivation{}).
		Where("activation_no = ? AND status IN ?", activationNo, fromStatuses).
		Update("status", toStatus)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrActivationNotFound
	}
	return nil
}

func (r *ActivationRepository) ListByUserID(ctx context.Context, userID int64, limit int) ([]*model.StrategyActivation, error) {
	var activations []*model.StrategyActivation
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&activations).Error
	return activations, err
}
