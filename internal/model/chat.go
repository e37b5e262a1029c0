package model

import (
	"time"
)

// ============================================================================
// AI 对话实体
// ============================================================================

const (
	ChatRoleUser      = "user"      // 用户消息
	ChatRoleAssistant = "assistant" // AI 回复
)

// ChatThread 对话线程表
type ChatThread struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ThreadNo  string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"thread_no"` // 线程号
	UserID    int64     `gorm:"index;not null" json:"user_id"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ChatThread) TableName() string {
	return "chat_thread"
}

// ChatMessage 对话消息表
// AI 回复消息会记录本次消耗的积分数，便于在前端展示扣费明细
type ChatMessage struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ThreadNo    string    `gorm:"type:varchar(64);index;not null" json:"thread_no"`
	Role        string    `gorm:"type:varchar(16);not null" json:"role"`
	Content     string    `gorm:"type:text;not null" json:"content"`
	CreditsCost int64     `gorm:"not null;default:0" json:"credits_cost"` // 本条消息消耗的积分（仅 AI 回复）
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (ChatMessage) TableName() string {
	return "chat_message"
}
