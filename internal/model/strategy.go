package model

import (
	"time"
)

// ============================================================================
// 策略激活实体
// ============================================================================

const (
	ActivationStatusActive   = "ACTIVE"   // 激活中
	ActivationStatusInactive = "INACTIVE" // 已停用
	ActivationStatusPaused   = "PAUSED"   // 已暂停
)

// StrategyActivation 策略激活记录表
// 激活是付费操作：激活记录和积分扣减流水在同一个事务内写入，
// 流水的 ref_id 指向激活单号，便于对账
type StrategyActivation struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ActivationNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"activation_no"` // 激活单号
	UserID       int64     `gorm:"index;not null" json:"user_id"`
	StrategyID   string    `gorm:"type:varchar(64);not null" json:"strategy_id"`  // 策略ID（由外部交易系统定义）
	InstrumentID string    `gorm:"type:varchar(64)" json:"instrument_id,omitempty"` // 标的ID，可选
	Status       string    `gorm:"type:varchar(20);index;not null" json:"status"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (StrategyActivation) TableName() string {
	return "strategy_activation"
}
