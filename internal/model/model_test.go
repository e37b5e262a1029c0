package model

import "testing"

func TestIsValidReason(t *testing.T) {
	for _, reason := range []string{
		ReasonSubscriptionBonus,
		ReasonAdminGrant,
		ReasonPurchase,
		ReasonAIMessage,
		ReasonStrategyActivation,
	} {
		if !IsValidReason(reason) {
			t.Errorf("已登记的原因 %s 应通过校验", reason)
		}
	}

	for _, reason := range []string{"", "REFUND", "ai_message", "SUBSCRIPTION_BONUS "} {
		if IsValidReason(reason) {
			t.Errorf("未登记的原因 %q 不应通过校验", reason)
		}
	}
}

func TestIsValidActionType(t *testing.T) {
	for _, actionType := range []string{
		ActionTypeSecureProfits,
		ActionTypeReduceExposure,
		ActionTypeExitClean,
		ActionTypePauseSystem,
	} {
		if !IsValidActionType(actionType) {
			t.Errorf("已登记的指令类型 %s 应通过校验", actionType)
		}
	}
	if IsValidActionType("RESTART_SYSTEM") {
		t.Error("未登记的指令类型不应通过校验")
	}
}

func TestCanActionTransitionTo(t *testing.T) {
	cases := []struct {
		from, to string
		allowed  bool
	}{
		{ActionStatusQueued, ActionStatusRunning, true},
		{ActionStatusQueued, ActionStatusFailed, true},
		// 回调可能先于 RUNNING 更新到达，QUEUED 允许直接进终态
		{ActionStatusQueued, ActionStatusSuccess, true},
		{ActionStatusRunning, ActionStatusSuccess, true},
		{ActionStatusRunning, ActionStatusFailed, true},
		// 终态不允许再流转
		{ActionStatusSuccess, ActionStatusFailed, false},
		{ActionStatusFailed, ActionStatusRunning, false},
		{ActionStatusRunning, ActionStatusQueued, false},
	}

	for _, c := range cases {
		if got := CanActionTransitionTo(c.from, c.to); got != c.allowed {
			t.Errorf("%s -> %s 应为 %v，实际 %v", c.from, c.to, c.allowed, got)
		}
	}
}
