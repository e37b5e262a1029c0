package model

import (
	"time"
)

// ============================================================================
// 积分变动原因常量
// ============================================================================
//
// 【注意】原因是封闭枚举，新增付费功能时必须在这里登记新常量，
// 并同步更新 validReasons，禁止业务代码直接传自定义字符串，
// 否则报表统计会因为拼写差异而碎片化。

const (
	ReasonSubscriptionBonus  = "SUBSCRIPTION_BONUS"  // 注册赠送
	ReasonAdminGrant         = "ADMIN_GRANT"         // 管理员发放
	ReasonPurchase           = "PURCHASE"            // 充值购买
	ReasonAIMessage          = "AI_MESSAGE"          // AI 对话消耗
	ReasonStrategyActivation = "STRATEGY_ACTIVATION" // 策略激活消耗
)

var validReasons = map[string]bool{
	ReasonSubscriptionBonus:  true,
	ReasonAdminGrant:         true,
	ReasonPurchase:           true,
	ReasonAIMessage:          true,
	ReasonStrategyActivation: true,
}

// IsValidReason 校验积分变动原因是否已登记
func IsValidReason(reason string) bool {
	return validReasons[reason]
}

// ============================================================================
// 积分流水实体
// ============================================================================

// CreditLedgerEntry 积分流水表
// 用户余额的唯一数据来源：balance = SUM(delta)，不维护独立的余额字段
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. delta 带符号：正数为发放，负数为消耗，禁止为 0
// 3. ref_type/ref_id 记录业务来源（对话线程、购买单号等），仅作溯源，不做外键约束
// 4. dedupe_key 是唯一索引：外部会重试的发放（注册赠送、充值回调）写入
//    语义化的幂等键，并发重复投递最多只有一条插入成功；其余流水回落到流水号
type CreditLedgerEntry struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryNo   string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"entry_no"` // 流水号（全局唯一）
	UserID    int64     `gorm:"index;not null" json:"user_id"`                         // 用户ID，由上游鉴权后传入
	Delta     int64     `gorm:"not null" json:"delta"`                                 // 变动额（正数发放，负数消耗）
	Reason    string    `gorm:"type:varchar(32);not null" json:"reason"`               // 变动原因（封闭枚举）
	RefType   string    `gorm:"type:varchar(64)" json:"ref_type,omitempty"`            // 来源类型
	RefID     string    `gorm:"type:varchar(64);index" json:"ref_id,omitempty"`        // 来源ID
	DedupeKey string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"-"`       // 幂等键
	Remark    string    `gorm:"type:varchar(256)" json:"remark,omitempty"`             // 备注
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CreditLedgerEntry) TableName() string {
	return "credit_ledger_entry"
}
