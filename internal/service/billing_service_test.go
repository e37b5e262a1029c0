package service

import (
	"context"
	"sync"
	"testing"

	"creditservice/internal/model"
)

func newTestBillingService(t *testing.T) (*BillingService, *CreditService) {
	t.Helper()
	db := newTestDB(t)
	creditSvc := NewCreditService(db, nil, newTestConfig())
	return NewBillingService(db, creditSvc), creditSvc
}

func TestPayPalWebhookGrantsCredits(t *testing.T) {
	svc, creditSvc := newTestBillingService(t)
	ctx := context.Background()

	entry, err := svc.HandlePayPalWebhook(ctx, &PayPalWebhookRequest{
		EventType: "PAYMENT.CAPTURE.COMPLETED",
		Resource:  PayPalResource{ID: "CAP-001", CustomID: "7:500"},
	})
	if err != nil {
		t.Fatalf("处理回调失败: %v", err)
	}
	if entry == nil || entry.Delta != 500 {
		t.Fatalf("应发放 500 积分，实际 %+v", entry)
	}
	if entry.Reason != model.ReasonPurchase {
		t.Fatalf("原因应为 PURCHASE，实际 %s", entry.Reason)
	}
	if entry.RefID != "CAP-001" {
		t.Fatalf("流水应记录收款单号，实际 %s", entry.RefID)
	}

	balance, _ := creditSvc.GetBalance(ctx, 7)
	if balance != 500 {
		t.Fatalf("余额应为 500，实际 %d", balance)
	}
}

func TestPayPalWebhookIdempotent(t *testing.T) {
	svc, creditSvc := newTestBillingService(t)
	ctx := context.Background()

	req := &PayPalWebhookRequest{
		EventType: "PAYMENT.CAPTURE.COMPLETED",
		Resource:  PayPalResource{ID: "CAP-002", CustomID: "7:300"},
	}

	first, err := svc.HandlePayPalWebhook(ctx, req)
	if err != nil {
		t.Fatalf("处理回调失败: %v", err)
	}
	// 支付渠道重复投递同一个收款单号
	second, err := svc.HandlePayPalWebhook(ctx, req)
	if err != nil {
		t.Fatalf("重复回调不应报错: %v", err)
	}
	if second.EntryNo != first.EntryNo {
		t.Fatalf("重复回调应返回已有流水: %s != %s", second.EntryNo, first.EntryNo)
	}

	balance, _ := creditSvc.GetBalance(ctx, 7)
	if balance != 300 {
		t.Fatalf("重复回调不应重复发放，余额应为 300，实际 %d", balance)
	}
}

func TestPayPalWebhookConcurrentDuplicate(t *testing.T) {
	svc, creditSvc := newTestBillingService(t)
	ctx := context.Background()

	// 支付渠道的重试可能和首次投递并发到达：
	// 预查询双双扑空也没关系，幂等键的唯一索引保证只发放一次
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.HandlePayPalWebhook(ctx, &PayPalWebhookRequest{
				EventType: "PAYMENT.CAPTURE.COMPLETED",
				Resource:  PayPalResource{ID: "CAP-RACE", CustomID: "7:500"},
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			t.Fatalf("重复投递双方都应返回成功: %v", err)
		}
	}

	entries, err := creditSvc.ListLedger(ctx, 7, 10)
	if err != nil {
		t.Fatalf("查询流水失败: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("并发重复投递应只发放一次，实际 %d 条流水", len(entries))
	}

	balance, _ := creditSvc.GetBalance(ctx, 7)
	if balance != 500 {
		t.Fatalf("余额应为 500，实际 %d", balance)
	}
}

func TestPayPalWebhookIgnoresOtherEvents(t *testing.T) {
	svc, creditSvc := newTestBillingService(t)
	ctx := context.Background()

	entry, err := svc.HandlePayPalWebhook(ctx, &PayPalWebhookRequest{
		EventType: "PAYMENT.CAPTURE.DENIED",
		Resource:  PayPalResource{ID: "CAP-003", CustomID: "7:300"},
	})
	if err != nil {
		t.Fatalf("非完成事件不应报错: %v", err)
	}
	if entry != nil {
		t.Fatal("非完成事件不应发放积分")
	}

	balance, _ := creditSvc.GetBalance(ctx, 7)
	if balance != 0 {
		t.Fatalf("余额应为 0，实际 %d", balance)
	}
}

func TestPayPalWebhookBadCustomID(t *testing.T) {
	svc, _ := newTestBillingService(t)
	ctx := context.Background()

	cases := []string{"", "7", "abc:500", "7:xyz"}
	for _, customID := range cases {
		_, err := svc.HandlePayPalWebhook(ctx, &PayPalWebhookRequest{
			EventType: "PAYMENT.CAPTURE.COMPLETED",
			Resource:  PayPalResource{ID: "CAP-004", CustomID: customID},
		})
		if err == nil {
			t.Fatalf("custom_id=%q 应解析失败", customID)
		}
	}
}
