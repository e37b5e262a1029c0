package repository

import (
	"context"
	"errors"

	"creditservice/internal/model"

	"gorm.io/gorm"
)

var (
	ErrThreadNotFound = errors.New("对话线程不存在")
)

type ChatRepository struct {
	db *gorm.DB
}

func NewChatRepository(db *gorm.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

func (r *ChatRepository) CreateThread(ctx context.Context, thread *model.ChatThread) error {
	return r.db.WithContext(ctx).Create(thread).Error
}

// GetLatestThreadByUser 查询用户最近一个对话线程
// 未找到时返回 nil，不算错误
func (r *ChatRepository) GetLatestThreadByUser(ctx context.Context, userID int64) (*model.ChatThread, error) {
	var thread model.ChatThread
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&thread).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &thread, nil
}

// GetThread 查询用户名下的指定线程（带归属校验，防止越权读别人的对话）
func (r *ChatRepository) GetThread(ctx context.Context, threadNo string, userID int64) (*model.ChatThread, error) {
	var thread model.ChatThread
	err := r.db.WithContext(ctx).
		Where("thread_no = ? AND user_id = ?", threadNo, userID).
		First(&thread).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrThreadNotFound
		}
		return nil, err
	}
	return &thread, nil
}

func (r *ChatRepository) ListThreadsByUser(ctx context.Context, userID int64, limit int) ([]*model.ChatThread, error) {
	var threads []*model.ChatThread
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&threads).Error
	return threads, err
}

func (r *ChatRepository) CreateMessage(ctx context.Context, tx *gorm.DB, message *model.ChatMessage) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(message).Error
}

func (r *ChatRepository) ListMessagesByThread(ctx context.Context, threadNo string) ([]*model.ChatMessage, error) {
	var messages []*model.ChatMessage
	err := r.db.WithContext(ctx).
		Where("thread_no = ?", threadNo).
		Order("created_at ASC, id ASC").
		Find(&messages).Error
	return messages, err
}

// TouchThread 更新线程的活跃时间，让线程列表按最近对话排序
func (r *ChatRepository) TouchThread(ctx context.Context, threadNo string) error {
	return r.db.WithContext(ctx).
		Model(&model.ChatThread{}).
		Where("thread_no = ?", threadNo).
		Update("updated_at", gorm.Expr("CURRENT_TIMESTAMP")).Error
}
