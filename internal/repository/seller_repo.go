package repository

import (
	"context"
	"errors"

	"escrowpay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SellerRepository 卖家余额缓存
//
// 余额只通过 gorm.Expr 原子增减，不做“读出-计算-写回”。
// 扣减时在 SQL 里夹到 0，缓存与账本出现偏差时不会变成负数。
type SellerRepository struct {
	db *gorm.DB
}

func NewSellerRepository(db *gorm.DB) *SellerRepository {
	return &SellerRepository{db: db}
}

// Get 没有记录时返回零值档案
func (r *SellerRepository) Get(ctx context.Context, sellerID int64) (*model.SellerProfile, error) {
	var profile model.SellerProfile
	err := r.db.WithContext(ctx).Where("seller_id = ?", sellerID).First(&profile).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &model.SellerProfile{SellerID: sellerID}, nil
		}
		return nil, err
	}
	return &profile, nil
}

func (r *SellerRepository) IncreaseEscrow(ctx context.Context, tx *gorm.DB, sellerID, amount int64) error {
	return r.upsertAdd(ctx, tx, &model.SellerProfile{SellerID: sellerID, EscrowBalance: amount}, "escrow_balance", amount)
}

func (r *SellerRepository) IncreasePending(ctx context.Context, tx *gorm.DB, sellerID, amount int64) error {
	return r.upsertAdd(ctx, tx, &model.SellerProfile{SellerID: sellerID, PendingBalance: amount}, "pending_balance", amount)
}

func (r *SellerRepository) DecreaseEscrow(ctx context.Context, tx *gorm.DB, sellerID, amount int64) error {
	return r.clampedSub(ctx, tx, sellerID, "escrow_balance", amount)
}

func (r *SellerRepository) DecreasePending(ctx context.Context, tx *gorm.DB, sellerID, amount int64) error {
	return r.clampedSub(ctx, tx, sellerID, "pending_balance", amount)
}

// MoveEscrowToPending 放款：托管余额转入待提现余额
func (r *SellerRepository) MoveEscrowToPending(ctx context.Context, tx *gorm.DB, sellerID, amount int64) error {
	if err := r.DecreaseEscrow(ctx, tx, sellerID, amount); err != nil {
		return err
	}
	return r.IncreasePending(ctx, tx, sellerID, amount)
}

func (r *SellerRepository) upsertAdd(ctx context.Context, tx *gorm.DB, profile *model.SellerProfile, column string, amount int64) error {
	return use(tx, r.db).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "seller_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				column:       gorm.Expr(column+" + ?", amount),
				"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
			}),
		}).
		Create(profile).Error
}

// clampedSub 行不存在时无需扣减
func (r *SellerRepository) clampedSub(ctx context.Context, tx *gorm.DB, sellerID int64, column string, amount int64) error {
	return use(tx, r.db).WithContext(ctx).
		Model(&model.SellerProfile{}).
		Where("seller_id = ?", sellerID).
		UpdateColumn(column, gorm.Expr("CASE WHEN "+column+" >= ? THEN "+column+" - ? ELSE 0 END", amount, amount)).
		Error
}
