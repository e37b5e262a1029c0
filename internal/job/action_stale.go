package job

import (
	"context"
	"log"
	"time"

	"creditservice/internal/config"
	"creditservice/internal/model"
	"creditservice/internal/repository"

	"gorm.io/gorm"
)

// ActionStaleJob 指令超时清理任务
// n8n 回调可能丢失：指令长时间停留在 QUEUED/RUNNING 状态时，
// 由本任务标记为 FAILED，面板上不会出现永远"执行中"的指令
type ActionStaleJob struct {
	db         *gorm.DB
	actionRepo *repository.ActionRepository
	cfg        *config.Config
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewActionStaleJob(db *gorm.DB, cfg *config.Config) *ActionStaleJob {
	return &ActionStaleJob{
		db:         db,
		actionRepo: repository.NewActionRepository(db),
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   30 * time.Second,
		batchSize:  100,
	}
}

func (j *ActionStaleJob) Start(ctx context.Context) {
	log.Println("[ActionStaleJob] 指令超时清理任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ActionStaleJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[ActionStaleJob] 任务停止")
			return
		case <-ticker.C:
			j.failStaleActions(ctx)
		}
	}
}

func (j *ActionStaleJob) Stop() {
	close(j.stopCh)
}

func (j *ActionStaleJob) failStaleActions(ctx context.Context) {
	staleMinutes := j.cfg.Business.ActionStaleMinutes
	if staleMinutes <= 0 {
		staleMinutes = 10
	}
	before := time.Now().Add(-time.Duration(staleMinutes) * time.Minute)

	actions, err := j.actionRepo.GetStaleActions(ctx, before, j.batchSize)
	if err != nil {
		log.Printf("[ActionStaleJob] 查询超时指令失败: %v", err)
		return
	}

	if len(actions) == 0 {
		return
	}

	log.Printf("[ActionStaleJob] 发现 %d 个超时指令", len(actions))

	failedCount := 0
	for _, action := range actions {
		err := j.actionRepo.UpdateStatus(ctx, nil, action.ActionNo,
			action.Status, model.ActionStatusFailed, "", "等待执行结果超时")
		if err != nil {
			// 可能刚好收到了回调，状态流转失败是正常的
			log.Printf("[ActionStaleJob] 标记指令失败: actionNo=%s, err=%v", action.ActionNo, err)
			continue
		}
		failedCount++
		log.Printf("[ActionStaleJob] 指令已超时关闭: actionNo=%s, userID=%d, type=%s",
			action.ActionNo, action.UserID, action.Type)
	}

	log.Printf("[ActionStaleJob] 本次关闭 %d 个超时指令", failedCount)
}
