package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"creditservice/internal/config"
	"creditservice/internal/infrastructure/n8n"
	"creditservice/internal/model"

	"gorm.io/gorm"
)

// newFakeN8n 启动一个假 n8n webhook 服务
func newFakeN8n(t *testing.T, handler http.HandlerFunc) *n8n.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return n8n.NewClient(&config.N8nConfig{BaseURL: server.URL, TimeoutSeconds: 5})
}

func okN8n(t *testing.T) *n8n.Client {
	return newFakeN8n(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true}`))
	})
}

func failingN8n(t *testing.T) *n8n.Client {
	return newFakeN8n(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "workflow error", http.StatusInternalServerError)
	})
}

func newTestActionService(t *testing.T, client *n8n.Client) (*ActionService, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return NewActionService(db, client, newTestConfig()), db
}

func TestExecuteActionRelaysToN8n(t *testing.T) {
	svc, _ := newTestActionService(t, okN8n(t))
	ctx := context.Background()

	action, err := svc.Execute(ctx, &ExecuteActionRequest{
		UserID:  1,
		Type:    model.ActionTypePauseSystem,
		Payload: `{"scope":"all"}`,
	})
	if err != nil {
		t.Fatalf("执行指令失败: %v", err)
	}
	if action.Status != model.ActionStatusRunning {
		t.Fatalf("转发成功后状态应为 RUNNING，实际 %s", action.Status)
	}
	if action.ActionNo == "" {
		t.Fatal("指令应带单号")
	}
}

func TestExecuteActionN8nFailure(t *testing.T) {
	svc, db := newTestActionService(t, failingN8n(t))
	ctx := context.Background()

	_, err := svc.Execute(ctx, &ExecuteActionRequest{
		UserID: 1,
		Type:   model.ActionTypeExitClean,
	})
	if err == nil {
		t.Fatal("n8n 不可用时应返回错误")
	}

	// 指令落库但标记为 FAILED，面板上可见失败原因
	var action model.ControlAction
	if err := db.Where("user_id = ?", 1).First(&action).Error; err != nil {
		t.Fatalf("查询指令失败: %v", err)
	}
	if action.Status != model.ActionStatusFailed {
		t.Fatalf("状态应为 FAILED，实际 %s", action.Status)
	}
	if action.ErrorMessage == "" {
		t.Fatal("应记录失败原因")
	}
}

func TestExecuteActionRejectsUnknownType(t *testing.T) {
	svc, db := newTestActionService(t, okN8n(t))

	_, err := svc.Execute(context.Background(), &ExecuteActionRequest{
		UserID: 1,
		Type:   "LAUNCH_ROCKET",
	})
	if err == nil {
		t.Fatal("未登记的指令类型应被拒绝")
	}

	var count int64
	db.Model(&model.ControlAction{}).Count(&count)
	if count != 0 {
		t.Fatalf("校验失败不应落库，实际 %d 条", count)
	}
}

func TestActionCallback(t *testing.T) {
	svc, db := newTestActionService(t, okN8n(t))
	ctx := context.Background()

	action, err := svc.Execute(ctx, &ExecuteActionRequest{
		UserID: 1,
		Type:   model.ActionTypeSecureProfits,
	})
	if err != nil {
		t.Fatalf("执行指令失败: %v", err)
	}

	err = svc.HandleCallback(ctx, &ActionCallbackRequest{
		ActionNo:        action.ActionNo,
		Status:          model.ActionStatusSuccess,
		ResponsePayload: `{"closed_positions":2}`,
	})
	if err != nil {
		t.Fatalf("处理回调失败: %v", err)
	}

	var updated model.ControlAction
	if err := db.Where("action_no = ?", action.ActionNo).First(&updated).Error; err != nil {
		t.Fatalf("查询指令失败: %v", err)
	}
	if updated.Status != model.ActionStatusSuccess {
		t.Fatalf("状态应为 SUCCESS，实际 %s", updated.Status)
	}
	if updated.ResponsePayload == "" {
		t.Fatal("应记录执行结果")
	}

	// 回调应在同一事务里写入结果事件
	var messages []*model.OutboxMessage
	if err := db.Where("topic = ?", "action-result").Find(&messages).Error; err != nil {
		t.Fatalf("查询事件消息失败: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("应有 1 条结果事件，实际 %d", len(messages))
	}
}

func TestActionCallbackDuplicateRejected(t *testing.T) {
	svc, db := newTestActionService(t, okN8n(t))
	ctx := context.Background()

	action, err := svc.Execute(ctx, &ExecuteActionRequest{
		UserID: 1,
		Type:   model.ActionTypeReduceExposure,
	})
	if err != nil {
		t.Fatalf("执行指令失败: %v", err)
	}

	callback := &ActionCallbackRequest{ActionNo: action.ActionNo, Status: model.ActionStatusSuccess}
	if err := svc.HandleCallback(ctx, callback); err != nil {
		t.Fatalf("首次回调失败: %v", err)
	}
	// n8n 重复投递同一个回调
	if err := svc.HandleCallback(ctx, callback); err == nil {
		t.Fatal("重复回调应被拒绝")
	}

	// 不应产生第二条结果事件
	var count int64
	db.Model(&model.OutboxMessage{}).Where("topic = ?", "action-result").Count(&count)
	if count != 1 {
		t.Fatalf("重复回调不应重复发事件，实际 %d 条", count)
	}
}

func TestActionCallbackBeforeRunningUpdate(t *testing.T) {
	svc, db := newTestActionService(t, okN8n(t))
	ctx := context.Background()

	// 模拟回调赶在 QUEUED -> RUNNING 更新之前到达
	queued := &model.ControlAction{
		ActionNo: "ACT-EARLY-CALLBACK",
		UserID:   1,
		Type:     model.ActionTypeSecureProfits,
		Status:   model.ActionStatusQueued,
	}
	if err := db.Create(queued).Error; err != nil {
		t.Fatalf("创建指令失败: %v", err)
	}

	err := svc.HandleCallback(ctx, &ActionCallbackRequest{
		ActionNo:        queued.ActionNo,
		Status:          model.ActionStatusSuccess,
		ResponsePayload: `{"closed_positions":1}`,
	})
	if err != nil {
		t.Fatalf("先到的回调应被接受: %v", err)
	}

	var updated model.ControlAction
	if err := db.Where("action_no = ?", queued.ActionNo).First(&updated).Error; err != nil {
		t.Fatalf("查询指令失败: %v", err)
	}
	if updated.Status != model.ActionStatusSuccess {
		t.Fatalf("状态应为 SUCCESS，实际 %s", updated.Status)
	}
}

func TestActionCallbackRejectsIllegalStatus(t *testing.T) {
	svc, _ := newTestActionService(t, okN8n(t))

	err := svc.HandleCallback(context.Background(), &ActionCallbackRequest{
		ActionNo: "ACT-NOT-EXIST",
		Status:   model.ActionStatusQueued,
	})
	if err == nil {
		t.Fatal("回调状态只允许 SUCCESS/FAILED")
	}
}
