package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"creditservice/internal/config"
	"creditservice/internal/infrastructure/n8n"
	"creditservice/internal/model"
	"creditservice/internal/repository"
	"creditservice/pkg/idgen"

	"gorm.io/gorm"
)

// n8n 不可用时的兜底回复（和扣费解耦：积分已消耗，不自动退款，
// 由人工客服按流水处理投诉）
const chatFallbackReply = "抱歉，AI 助手暂时无法回复，请稍后再试。"

// ChatService AI 对话服务
// 发送消息是付费操作：先扣积分，再转发 n8n 获取 AI 回复
type ChatService struct {
	db        *gorm.DB
	cfg       *config.Config
	creditSvc *CreditService
	chatRepo  *repository.ChatRepository
	n8nClient *n8n.Client
}

func NewChatService(db *gorm.DB, creditSvc *CreditService, n8nClient *n8n.Client, cfg *config.Config) *ChatService {
	return &ChatService{
		db:        db,
		cfg:       cfg,
		creditSvc: creditSvc,
		chatRepo:  repository.NewChatRepository(db),
		n8nClient: n8nClient,
	}
}

type SendMessageRequest struct {
	UserID   int64  `json:"user_id" binding:"required"`
	ThreadNo string `json:"thread_no"` // 为空时复用最近线程，没有则新建
	Message  string `json:"message" binding:"required"`
}

type SendMessageResponse struct {
	ThreadNo    string             `json:"thread_no"`
	Reply       *model.ChatMessage `json:"reply"`
	CreditsCost int64              `json:"credits_cost"`
}

// SendMessage 发送一条 AI 对话消息
//
// 流程：定位线程 -> 扣减积分 -> 保存用户消息 -> 转发 n8n -> 保存 AI 回复
// 扣减放在消息落库之前：积分不足时线程里不会留下没有回复的孤儿消息。
// n8n 响应失败时返回兜底文案，不退积分
func (s *ChatService) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	thread, err := s.resolveThread(ctx, req.UserID, req.ThreadNo)
	if err != nil {
		return nil, err
	}

	cost := s.cfg.Business.AIMessageCost
	if _, err := s.creditSvc.Consume(ctx, req.UserID, cost,
		model.ReasonAIMessage, "chat_message", thread.ThreadNo, "AI 对话"); err != nil {
		return nil, err
	}

	userMsg := &model.ChatMessage{
		ThreadNo: thread.ThreadNo,
		Role:     model.ChatRoleUser,
		Content:  req.Message,
	}
	if err := s.chatRepo.CreateMessage(ctx, nil, userMsg); err != nil {
		return nil, fmt.Errorf("保存用户消息失败: %w", err)
	}

	content := chatFallbackReply
	reply, err := s.n8nClient.SendChatMessage(ctx, req.UserID, thread.ThreadNo, req.Message)
	if err != nil {
		log.Printf("[ChatService] 请求 n8n 失败，使用兜底回复: threadNo=%s, err=%v", thread.ThreadNo, err)
	} else if reply.Content != "" {
		content = reply.Content
	}

	assistantMsg := &model.ChatMessage{
		ThreadNo:    thread.ThreadNo,
		Role:        model.ChatRoleAssistant,
		Content:     content,
		CreditsCost: cost,
	}
	if err := s.chatRepo.CreateMessage(ctx, nil, assistantMsg); err != nil {
		return nil, fmt.Errorf("保存 AI 回复失败: %w", err)
	}

	if err := s.chatRepo.TouchThread(ctx, thread.ThreadNo); err != nil {
		log.Printf("[ChatService] 更新线程活跃时间失败: threadNo=%s, err=%v", thread.ThreadNo, err)
	}

	return &SendMessageResponse{
		ThreadNo:    thread.ThreadNo,
		Reply:       assistantMsg,
		CreditsCost: cost,
	}, nil
}

// resolveThread 定位本次对话的线程
// 指定了线程号就校验归属；否则复用最近线程，没有则新建
func (s *ChatService) resolveThread(ctx context.Context, userID int64, threadNo string) (*model.ChatThread, error) {
	if threadNo != "" {
		thread, err := s.chatRepo.GetThread(ctx, threadNo, userID)
		if err != nil {
			if errors.Is(err, repository.ErrThreadNotFound) {
				return nil, errors.New("对话线程不存在")
			}
			return nil, fmt.Errorf("查询对话线程失败: %w", err)
		}
		return thread, nil
	}

	thread, err := s.chatRepo.GetLatestThreadByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("查询对话线程失败: %w", err)
	}
	if thread != nil {
		return thread, nil
	}

	thread = &model.ChatThread{
		ThreadNo: idgen.GenerateThreadNo(),
		UserID:   userID,
	}
	if err := s.chatRepo.CreateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("创建对话线程失败: %w", err)
	}
	return thread, nil
}

// ListThreads 查询用户的对话线程列表，按最近活跃排序
func (s *ChatService) ListThreads(ctx context.Context, userID int64, limit int) ([]*model.ChatThread, error) {
	if limit <= 0 {
		limit = defaultLedgerPageSize
	}
	return s.chatRepo.ListThreadsByUser(ctx, userID, limit)
}

type ThreadDetail struct {
	Thread   *model.ChatThread    `json:"thread"`
	Messages []*model.ChatMessage `json:"messages"`
}

// GetThreadDetail 查询线程及其全部消息（按时间正序）
func (s *ChatService) GetThreadDetail(ctx context.Context, userID int64, threadNo string) (*ThreadDetail, error) {
	thread, err := s.chatRepo.GetThread(ctx, threadNo, userID)
	if err != nil {
		if errors.Is(err, repository.ErrThreadNotFound) {
			return nil, errors.New("对话线程不存在")
		}
		return nil, fmt.Errorf("查询对话线程失败: %w", err)
	}

	messages, err := s.chatRepo.ListMessagesByThread(ctx, threadNo)
	if err != nil {
		return nil, fmt.Errorf("查询对话消息失败: %w", err)
	}

	return &ThreadDetail{Thread: thread, Messages: messages}, nil
}
