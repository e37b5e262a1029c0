package service

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAmount 金额校验失败：发放/消耗数额必须为正数
	// 属于调用方编码错误，不重试，直接拒绝
	ErrInvalidAmount = errors.New("积分数额必须大于0")

	// ErrInvalidReason 使用了未登记的积分变动原因
	ErrInvalidReason = errors.New("未登记的积分变动原因")
)

// InsufficientCreditsError 积分不足
// 携带需要/可用数额，前端据此提示用户充值，不做自动重试
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("积分不足：需要 %d，当前可用 %d", e.Required, e.Available)
}

// IsInsufficientCredits 判断是否为积分不足错误
func IsInsufficientCredits(err error) (*InsufficientCreditsError, bool) {
	var insufficientErr *InsufficientCreditsError
	if errors.As(err, &insufficientErr) {
		return insufficientErr, true
	}
	return nil, false
}
