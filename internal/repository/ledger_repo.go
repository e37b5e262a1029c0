package repository

import (
	"context"
	"errors"

	"creditservice/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInvalidDelta = errors.New("流水变动额不能为 0")
)

// LedgerRepository 积分流水仓储
// 流水表只追加：这里刻意不提供 Update/Delete 方法，
// 余额永远通过 SumByUser 从流水重新聚合，不落独立的余额字段
type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Append 追加一条流水
// 单行插入天然原子：要么整条写入，要么整条失败，不存在部分生效
//
// 幂等键未指定时回落到流水号，保证每行都有唯一键；
// 指定了幂等键的重复插入返回 gorm.ErrDuplicatedKey，由调用方按"已发放"处理
func (r *LedgerRepository) Append(ctx context.Context, tx *gorm.DB, entry *model.CreditLedgerEntry) error {
	if entry.Delta == 0 {
		return ErrInvalidDelta
	}
	if entry.DedupeKey == "" {
		entry.DedupeKey = entry.EntryNo
	}
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(entry).Error
}

// SumByUser 聚合用户全部流水得到当前余额
// 没有任何流水的用户余额为 0，不算错误
func (r *LedgerRepository) SumByUser(ctx context.Context, tx *gorm.DB, userID int64) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var balance int64
	err := tx.WithContext(ctx).
		Model(&model.CreditLedgerEntry{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&balance).Error
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// SumByUserForUpdate 聚合余额并锁定该用户的流水行（SELECT ... FOR UPDATE）
//
// 【关键点】扣减路径用这个版本，且必须把事务句柄传进来：
// 两个并发扣减事务在这里互斥，后到的事务等先到的提交后读到最新余额，
// 余额核对和插入负数流水处于同一个事务内。
// sqlite 不支持行锁语法（测试场景），靠单连接串行保证同样的效果
func (r *LedgerRepository) SumByUserForUpdate(ctx context.Context, tx *gorm.DB, userID int64) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	query := tx.WithContext(ctx).
		Model(&model.CreditLedgerEntry{}).
		Where("user_id = ?", userID)
	if tx.Dialector.Name() == "mysql" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var balance int64
	err := query.Select("COALESCE(SUM(delta), 0)").Scan(&balance).Error
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// GetByDedupeKey 按幂等键查询流水（撞键后取已有流水用）
// 未找到时返回 nil，不算错误
func (r *LedgerRepository) GetByDedupeKey(ctx context.Context, dedupeKey string) (*model.CreditLedgerEntry, error) {
	var entry model.CreditLedgerEntry
	err := r.db.WithContext(ctx).
		Where("dedupe_key = ?", dedupeKey).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// ListByUser 查询用户流水，按创建时间倒序
func (r *LedgerRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.CreditLedgerEntry, error) {
	var entries []*model.CreditLedgerEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// GetByUserIDAndReason 查询用户指定原因的首条流水（注册赠送幂等用）
// 未找到时返回 nil，不算错误
func (r *LedgerRepository) GetByUserIDAndReason(ctx context.Context, userID int64, reason string) (*model.CreditLedgerEntry, error) {
	var entry model.CreditLedgerEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND reason = ?", userID, reason).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// GetByRef 按业务来源查询流水（购买回调幂等用）
// 未找到时返回 nil，不算错误
func (r *LedgerRepository) GetByRef(ctx context.Context, refType, refID string) (*model.CreditLedgerEntry, error) {
	var entry model.CreditLedgerEntry
	err := r.db.WithContext(ctx).
		Where("ref_type = ? AND ref_id = ?", refType, refID).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}
