package model

import (
	"time"
)

// ============================================================================
// 控制指令常量
// ============================================================================

const (
	ActionTypeSecureProfits  = "SECURE_PROFITS"  // 落袋为安
	ActionTypeReduceExposure = "REDUCE_EXPOSURE" // 降低仓位
	ActionTypeExitClean      = "EXIT_CLEAN"      // 全部平仓
	ActionTypePauseSystem    = "PAUSE_SYSTEM"    // 暂停交易机器人
)

var validActionTypes = map[string]bool{
	ActionTypeSecureProfits:  true,
	ActionTypeReduceExposure: true,
	ActionTypeExitClean:      true,
	ActionTypePauseSystem:    true,
}

// IsValidActionType 校验控制指令类型
func IsValidActionType(actionType string) bool {
	return validActionTypes[actionType]
}

const (
	ActionStatusQueued  = "QUEUED"  // 已入队，等待转发
	ActionStatusRunning = "RUNNING" // 已转发给 n8n，执行中
	ActionStatusSuccess = "SUCCESS" // n8n 回调确认成功
	ActionStatusFailed  = "FAILED"  // 转发失败或 n8n 回调失败
)

// n8n 的执行很快，回调可能赶在 QUEUED -> RUNNING 的更新之前到达，
// 所以 QUEUED 也允许直接进终态
var validActionTransitions = map[string][]string{
	ActionStatusQueued:  {ActionStatusRunning, ActionStatusSuccess, ActionStatusFailed},
	ActionStatusRunning: {ActionStatusSuccess, ActionStatusFailed},
}

// CanActionTransitionTo 校验指令状态流转是否合法
func CanActionTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := validActionTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// ControlAction 控制指令表
// 用户在面板上发起的交易控制操作，本服务只负责落库和转发 n8n，
// 真正的执行结果由 n8n 通过回调接口写回
type ControlAction struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ActionNo        string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"action_no"` // 指令单号
	UserID          int64     `gorm:"index;not null" json:"user_id"`
	Type            string    `gorm:"type:varchar(32);not null" json:"type"`
	Status          string    `gorm:"type:varchar(20);index;not null" json:"status"`
	RequestPayload  string    `gorm:"type:text" json:"request_payload,omitempty"`  // 透传给 n8n 的参数
	ResponsePayload string    `gorm:"type:text" json:"response_payload,omitempty"` // n8n 回调带回的结果
	ErrorMessage    string    `gorm:"type:varchar(512)" json:"error_message,omitempty"`
	CreatedAt       time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ControlAction) TableName() string {
	return "control_action"
}
