package repository

import (
	"context"
	"errors"
	"time"

	"creditservice/internal/model"

	"gorm.io/gorm"
)

var (
	ErrActionNotFound      = errors.New("控制指令不存在")
	ErrActionStatusInvalid = errors.New("指令状态流转不合法")
)

type ActionRepository struct {
	db *gorm.DB
}

func NewActionRepository(db *gorm.DB) *ActionRepository {
	return &ActionRepository{db: db}
}

func (r *ActionRepository) Create(ctx context.Context, tx *gorm.DB, action *model.ControlAction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(action).Error
}

func (r *ActionRepository) GetByActionNo(ctx context.Context, actionNo string) (*model.ControlAction, error) {
	var action model.ControlAction
	err := r.db.WithContext(ctx).Where("action_no = ?", actionNo).First(&action).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrActionNotFound
		}
		return nil, err
	}
	return &action, nil
}

// UpdateStatus 条件更新指令状态
// WHERE 带上当前状态，状态流转不合法时影响行数为 0，
// 避免 n8n 重复回调把 SUCCESS 改回 RUNNING
func (r *ActionRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, actionNo, fromStatus, toStatus, responsePayload, errorMessage string) error {
	if !model.CanActionTransitionTo(fromStatus, toStatus) {
		return ErrActionStatusInvalid
	}
	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	if responsePayload != "" {
		updates["response_payload"] = responsePayload
	}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}

	result := tx.WithContext(ctx).
		Model(&model.ControlAction{}).
		Where("action_no = ? AND status = ?", actionNo, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrActionStatusInvalid
	}
	return nil
}

func (r *ActionRepository) ListByUserID(ctx context.Context, userID int64, limit int) ([]*model.ControlAction, error) {
	var actions []*model.ControlAction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&actions).Error
	return actions, err
}

// GetStaleActions 查询超时未收到回调的指令
func (r *ActionRepository) GetStaleActions(ctx context.Context, before time.Time, limit int) ([]*model.ControlAction, error) {
	var actions []*model.ControlAction
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{model.ActionStatusQueued, model.ActionStatusRunning}, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&actions).Error
	return actions, err
}
