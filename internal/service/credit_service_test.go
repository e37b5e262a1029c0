package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"creditservice/internal/config"
	"creditservice/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("获取底层 DB 失败: %v", err)
	}
	// 内存库只允许单连接，并发事务在连接层天然串行
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&model.CreditLedgerEntry{},
		&model.ControlAction{},
		&model.StrategyActivation{},
		&model.ChatThread{},
		&model.ChatMessage{},
		&model.OutboxMessage{},
	); err != nil {
		t.Fatalf("迁移表结构失败: %v", err)
	}
	return db
}

func newTestConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				CreditEvent:  "credit-event",
				ActionResult: "action-result",
			},
		},
		Business: config.BusinessConfig{
			WelcomeBonusCredits:    100,
			AIMessageCost:          10,
			StrategyActivationCost: 50,
			MaxRetryCount:          5,
			ActionStaleMinutes:     10,
		},
	}
}

// newTestCreditService 创建测试用积分服务
// redis 传 nil：跳过分布式锁，靠事务内余额复核兜底
func newTestCreditService(t *testing.T) (*CreditService, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return NewCreditService(db, nil, newTestConfig()), db
}

func countEntries(t *testing.T, db *gorm.DB, userID int64) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&model.CreditLedgerEntry{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		t.Fatalf("统计流水失败: %v", err)
	}
	return count
}

func TestGrantThenBalance(t *testing.T) {
	svc, _ := newTestCreditService(t)
	ctx := context.Background()

	entry, err := svc.Grant(ctx, 1, 100, model.ReasonSubscriptionBonus, "welcome_bonus", "", "")
	if err != nil {
		t.Fatalf("发放失败: %v", err)
	}
	if entry.Delta != 100 {
		t.Fatalf("发放流水 delta 应为 100，实际 %d", entry.Delta)
	}
	if entry.EntryNo == "" {
		t.Fatal("发放流水应带流水号")
	}

	balance, err := svc.GetBalance(ctx, 1)
	if err != nil {
		t.Fatalf("查询余额失败: %v", err)
	}
	if balance != 100 {
		t.Fatalf("余额应为 100，实际 %d", balance)
	}
}

func TestConsumeSuccess(t *testing.T) {
	svc, _ := newTestCreditService(t)
	ctx := context.Background()

	if _, err := svc.Grant(ctx, 1, 100, model.ReasonSubscriptionBonus, "", "", ""); err != nil {
		t.Fatalf("发放失败: %v", err)
	}

	entry, err := svc.Consume(ctx, 1, 30, model.ReasonAIMessage, "chat_message", "THR1", "")
	if err != nil {
		t.Fatalf("消耗失败: %v", err)
	}
	if entry.Delta != -30 {
		t.Fatalf("消耗流水 delta 应为 -30，实际 %d", entry.Delta)
	}

	balance, _ := svc.GetBalance(ctx, 1)
	if balance != 70 {
		t.Fatalf("余额应为 70，实际 %d", balance)
	}
}

func TestConsumeInsufficientCredits(t *testing.T) {
	svc, db := newTestCreditService(t)
	ctx := context.Background()

	if _, err := svc.Grant(ctx, 1, 70, model.ReasonAdminGrant, "", "", ""); err != nil {
		t.Fatalf("发放失败: %v", err)
	}
	before := countEntries(t, db, 1)

	_, err := svc.Consume(ctx, 1, 1000, model.ReasonStrategyActivation, "", "", "")
	insufficientErr, ok := IsInsufficientCredits(err)
	if !ok {
		t.Fatalf("应返回 InsufficientCreditsError，实际 %v", err)
	}
	if insufficientErr.Required != 1000 || insufficientErr.Available != 70 {
		t.Fatalf("错误应携带 required=1000 available=70，实际 %+v", insufficientErr)
	}

	// 失败的消耗不应留下任何流水，余额不变
	if after := countEntries(t, db, 1); after != before {
		t.Fatalf("失败的消耗写入了流水: %d -> %d", before, after)
	}
	balance, _ := svc.GetBalance(ctx, 1)
	if balance != 70 {
		t.Fatalf("余额应保持 70，实际 %d", balance)
	}
}

func TestGrantValidation(t *testing.T) {
	svc, db := newTestCreditService(t)
	ctx := context.Background()

	if _, err := svc.Grant(ctx, 1, -5, model.ReasonAdminGrant, "", "", ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("负数发放应返回 ErrInvalidAmount，实际 %v", err)
	}
	if _, err := svc.Grant(ctx, 1, 0, model.ReasonAdminGrant, "", "", ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("零发放应返回 ErrInvalidAmount，实际 %v", err)
	}
	if _, err := svc.Grant(ctx, 1, 10, "TYPO_REASON", "", "", ""); !errors.Is(err, ErrInvalidReason) {
		t.Fatalf("未登记原因应返回 ErrInvalidReason，实际 %v", err)
	}
	if _, err := svc.Consume(ctx, 1, -5, model.ReasonAIMessage, "", "", ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("负数消耗应返回 ErrInvalidAmount，实际 %v", err)
	}

	if count := countEntries(t, db, 1); count != 0 {
		t.Fatalf("校验失败不应触碰存储，实际写入 %d 条", count)
	}
}

func TestCheckAndConsume(t *testing.T) {
	svc, _ := newTestCreditService(t)
	ctx := context.Background()

	if _, err := svc.Grant(ctx, 1, 50, model.ReasonAdminGrant, "", "", ""); err != nil {
		t.Fatalf("发放失败: %v", err)
	}

	ok, err := svc.CheckAndConsume(ctx, 1, 30, model.ReasonAIMessage, "", "", "")
	if err != nil || !ok {
		t.Fatalf("余额充足时应返回 true，实际 ok=%v err=%v", ok, err)
	}

	ok, err = svc.CheckAndConsume(ctx, 1, 30, model.ReasonAIMessage, "", "", "")
	if err != nil {
		t.Fatalf("余额不足不应返回错误，实际 %v", err)
	}
	if ok {
		t.Fatal("余额不足时应返回 false")
	}

	balance, _ := svc.GetBalance(ctx, 1)
	if balance != 20 {
		t.Fatalf("余额应为 20，实际 %d", balance)
	}
}

func TestConcurrentConsume(t *testing.T) {
	svc, _ := newTestCreditService(t)
	ctx := context.Background()

	if _, err := svc.Grant(ctx, 1, 100, model.ReasonAdminGrant, "", "", ""); err != nil {
		t.Fatalf("发放失败: %v", err)
	}

	// 余额 100，两个并发的 60 消耗：恰好一个成功一个失败，余额不为负
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Consume(ctx, 1, 60, model.ReasonStrategyActivation, "", "", "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successCount, insufficientCount int
	for err := range results {
		if err == nil {
			successCount++
			continue
		}
		if _, ok := IsInsufficientCredits(err); ok {
			insufficientCount++
			continue
		}
		t.Fatalf("意外错误: %v", err)
	}

	if successCount != 1 || insufficientCount != 1 {
		t.Fatalf("应恰好一个成功一个积分不足，实际 success=%d insufficient=%d", successCount, insufficientCount)
	}

	balance, _ := svc.GetBalance(ctx, 1)
	if balance != 40 {
		t.Fatalf("最终余额应为 40，实际 %d", balance)
	}
}

func TestGrantWelcomeBonusIdempotent(t *testing.T) {
	svc, db := newTestCreditService(t)
	ctx := context.Background()

	first, err := svc.GrantWelcomeBonus(ctx, 1)
	if err != nil {
		t.Fatalf("注册赠送失败: %v", err)
	}
	if first.Delta != 100 {
		t.Fatalf("注册赠送应为 100，实际 %d", first.Delta)
	}

	second, err := svc.GrantWelcomeBonus(ctx, 1)
	if err != nil {
		t.Fatalf("重复注册赠送不应报错: %v", err)
	}
	if second.EntryNo != first.EntryNo {
		t.Fatalf("重复调用应返回已有流水: %s != %s", second.EntryNo, first.EntryNo)
	}

	if count := countEntries(t, db, 1); count != 1 {
		t.Fatalf("注册赠送应只有 1 条流水，实际 %d", count)
	}
	balance, _ := svc.GetBalance(ctx, 1)
	if balance != 100 {
		t.Fatalf("余额应为 100，实际 %d", balance)
	}
}

func TestGrantIdempotentDuplicateKey(t *testing.T) {
	svc, db := newTestCreditService(t)
	ctx := context.Background()

	first, err := svc.GrantIdempotent(ctx, 1, 500, model.ReasonPurchase,
		"paypal_purchase", "CAP-001", "", "paypal_purchase:CAP-001")
	if err != nil {
		t.Fatalf("发放失败: %v", err)
	}

	// 同一幂等键再发一次：撞唯一索引，返回已有流水
	second, err := svc.GrantIdempotent(ctx, 1, 500, model.ReasonPurchase,
		"paypal_purchase", "CAP-001", "", "paypal_purchase:CAP-001")
	if err != nil {
		t.Fatalf("重复发放不应报错: %v", err)
	}
	if second.EntryNo != first.EntryNo {
		t.Fatalf("重复发放应返回已有流水: %s != %s", second.EntryNo, first.EntryNo)
	}

	if count := countEntries(t, db, 1); count != 1 {
		t.Fatalf("应只有 1 条流水，实际 %d", count)
	}
	balance, _ := svc.GetBalance(ctx, 1)
	if balance != 500 {
		t.Fatalf("余额应为 500，实际 %d", balance)
	}

	// 不带幂等键走不进幂等入口
	if _, err := svc.GrantIdempotent(ctx, 1, 500, model.ReasonPurchase,
		"paypal_purchase", "CAP-002", "", ""); err == nil {
		t.Fatal("缺少幂等键应报错")
	}
}

func TestLedgerEventOutbox(t *testing.T) {
	svc, db := newTestCreditService(t)
	ctx := context.Background()

	if _, err := svc.Grant(ctx, 1, 100, model.ReasonAdminGrant, "", "", ""); err != nil {
		t.Fatalf("发放失败: %v", err)
	}
	if _, err := svc.Consume(ctx, 1, 10, model.ReasonAIMessage, "", "", ""); err != nil {
		t.Fatalf("消耗失败: %v", err)
	}

	// 每条流水都应在同一事务里留下一条待投递事件
	var messages []*model.OutboxMessage
	if err := db.Where("topic = ?", "credit-event").Find(&messages).Error; err != nil {
		t.Fatalf("查询事件消息失败: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("应有 2 条积分事件，实际 %d", len(messages))
	}
	for _, msg := range messages {
		if msg.Status != model.OutboxStatusPending {
			t.Fatalf("新事件状态应为 PENDING，实际 %s", msg.Status)
		}
	}
}

func TestBalanceEqualsSumOfDeltas(t *testing.T) {
	svc, db := newTestCreditService(t)
	ctx := context.Background()

	ops := []struct {
		grant  bool
		amount int64
	}{
		{true, 100}, {false, 30}, {true, 5}, {false, 60}, {true, 42}, {false, 7},
	}
	for _, op := range ops {
		if op.grant {
			if _, err := svc.Grant(ctx, 1, op.amount, model.ReasonAdminGrant, "", "", ""); err != nil {
				t.Fatalf("发放失败: %v", err)
			}
		} else {
			if _, err := svc.Consume(ctx, 1, op.amount, model.ReasonAIMessage, "", "", ""); err != nil {
				t.Fatalf("消耗失败: %v", err)
			}
		}
	}

	var entries []*model.CreditLedgerEntry
	if err := db.Where("user_id = ?", 1).Find(&entries).Error; err != nil {
		t.Fatalf("查询流水失败: %v", err)
	}
	var sum int64
	for _, e := range entries {
		sum += e.Delta
	}

	balance, _ := svc.GetBalance(ctx, 1)
	if balance != sum {
		t.Fatalf("余额(%d)应等于流水 delta 之和(%d)", balance, sum)
	}
	if balance != 50 {
		t.Fatalf("余额应为 50，实际 %d", balance)
	}
}

func TestListLedgerLimitClamp(t *testing.T) {
	svc, _ := newTestCreditService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Grant(ctx, 1, 10, model.ReasonAdminGrant, "", "", ""); err != nil {
			t.Fatalf("发放失败: %v", err)
		}
	}

	// limit<=0 回落到默认值，不应报错或返回空
	entries, err := svc.ListLedger(ctx, 1, 0)
	if err != nil {
		t.Fatalf("查询流水失败: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("应返回 3 条，实际 %d", len(entries))
	}
}
