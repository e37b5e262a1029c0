package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"creditservice/internal/config"
	"creditservice/internal/infrastructure/n8n"
	"creditservice/internal/model"
	"creditservice/internal/repository"
	"creditservice/pkg/idgen"

	"gorm.io/gorm"
)

// ActionService 控制指令服务
// 指令本身免费：本服务只负责落库和转发，执行结果由 n8n 回调写回
type ActionService struct {
	db         *gorm.DB
	cfg        *config.Config
	actionRepo *repository.ActionRepository
	outboxRepo *repository.OutboxRepository
	n8nClient  *n8n.Client
}

func NewActionService(db *gorm.DB, n8nClient *n8n.Client, cfg *config.Config) *ActionService {
	return &ActionService{
		db:         db,
		cfg:        cfg,
		actionRepo: repository.NewActionRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
		n8nClient:  n8nClient,
	}
}

type ExecuteActionRequest struct {
	UserID  int64  `json:"user_id" binding:"required"`
	Type    string `json:"type" binding:"required"`
	Payload string `json:"payload"` // 透传给 n8n 的 JSON 字符串
}

// Execute 执行控制指令
//
// 流程：落库 QUEUED -> 转发 n8n -> 成功置 RUNNING，失败置 FAILED
// 先落库再转发：即使转发失败，面板上也能看到这次操作及其失败原因
func (s *ActionService) Execute(ctx context.Context, req *ExecuteActionRequest) (*model.ControlAction, error) {
	if !model.IsValidActionType(req.Type) {
		return nil, fmt.Errorf("未登记的指令类型: %s", req.Type)
	}

	action := &model.ControlAction{
		ActionNo:       idgen.GenerateActionNo(),
		UserID:         req.UserID,
		Type:           req.Type,
		Status:         model.ActionStatusQueued,
		RequestPayload: req.Payload,
	}
	if err := s.actionRepo.Create(ctx, nil, action); err != nil {
		return nil, fmt.Errorf("创建指令失败: %w", err)
	}

	if err := s.n8nClient.SendAction(ctx, action.ActionNo, req.UserID, req.Type, req.Payload); err != nil {
		log.Printf("[ActionService] 转发 n8n 失败: actionNo=%s, err=%v", action.ActionNo, err)
		if updateErr := s.actionRepo.UpdateStatus(ctx, nil, action.ActionNo,
			model.ActionStatusQueued, model.ActionStatusFailed, "", err.Error()); updateErr != nil {
			log.Printf("[ActionService] 标记指令失败状态失败: actionNo=%s, err=%v", action.ActionNo, updateErr)
		}
		return nil, fmt.Errorf("转发指令到 n8n 失败: %w", err)
	}

	if err := s.actionRepo.UpdateStatus(ctx, nil, action.ActionNo,
		model.ActionStatusQueued, model.ActionStatusRunning, "", ""); err != nil {
		// 回调可能已赶在这里之前把指令置为终态，以库内状态为准
		if errors.Is(err, repository.ErrActionStatusInvalid) {
			if current, getErr := s.actionRepo.GetByActionNo(ctx, action.ActionNo); getErr == nil {
				return current, nil
			}
		}
		return nil, fmt.Errorf("更新指令状态失败: %w", err)
	}
	action.Status = model.ActionStatusRunning

	log.Printf("[ActionService] 指令已转发: actionNo=%s, userID=%d, type=%s",
		action.ActionNo, req.UserID, req.Type)
	return action, nil
}

type ActionCallbackRequest struct {
	ActionNo        string `json:"action_no" binding:"required"`
	Status          string `json:"status" binding:"required"` // SUCCESS / FAILED
	ResponsePayload string `json:"response_payload"`
	ErrorMessage    string `json:"error_message"`
}

// HandleCallback 处理 n8n 的执行结果回调
// 状态更新和结果事件写入在同一个事务内，重复回调会因状态流转
// 校验而拒绝，不会重复发事件
func (s *ActionService) HandleCallback(ctx context.Context, req *ActionCallbackRequest) error {
	if req.Status != model.ActionStatusSuccess && req.Status != model.ActionStatusFailed {
		return fmt.Errorf("非法的回调状态: %s", req.Status)
	}

	action, err := s.actionRepo.GetByActionNo(ctx, req.ActionNo)
	if err != nil {
		if errors.Is(err, repository.ErrActionNotFound) {
			return errors.New("控制指令不存在")
		}
		return fmt.Errorf("查询指令失败: %w", err)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.actionRepo.UpdateStatus(ctx, tx, req.ActionNo,
			action.Status, req.Status, req.ResponsePayload, req.ErrorMessage); err != nil {
			return err
		}

		msgPayload := map[string]interface{}{
			"action_no":  req.ActionNo,
			"user_id":    action.UserID,
			"type":       action.Type,
			"status":     req.Status,
			"updated_at": time.Now().Format(time.RFC3339),
		}
		payloadBytes, _ := json.Marshal(msgPayload)

		outboxMsg := &model.OutboxMessage{
			MessageKey: req.ActionNo,
			Topic:      s.cfg.Kafka.Topic.ActionResult,
			Payload:    string(payloadBytes),
			Status:     model.OutboxStatusPending,
		}
		if err := s.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
			return fmt.Errorf("写入结果事件失败: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrActionStatusInvalid) {
			return errors.New("指令状态不允许该回调，可能是重复回调")
		}
		return err
	}

	log.Printf("[ActionService] 回调处理完成: actionNo=%s, status=%s", req.ActionNo, req.Status)
	return nil
}

// ListActions 查询用户的指令历史
func (s *ActionService) ListActions(ctx context.Context, userID int64, limit int) ([]*model.ControlAction, error) {
	if limit <= 0 {
		limit = defaultLedgerPageSize
	}
	return s.actionRepo.ListByUserID(ctx, userID, limit)
}
