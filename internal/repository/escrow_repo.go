package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrowpay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrDuplicateHold = errors.New("订单已存在托管记录")

type EscrowRepository struct {
	db *gorm.DB
}

func NewEscrowRepository(db *gorm.DB) *EscrowRepository {
	return &EscrowRepository{db: db}
}

func (r *EscrowRepository) Create(ctx context.Context, tx *gorm.DB, hold *model.EscrowHold) error {
	err := use(tx, r.db).WithContext(ctx).Create(hold).Error
	if isDuplicateKey(err) {
		return ErrDuplicateHold
	}
	return err
}

func (r *EscrowRepository) GetByID(ctx context.Context, id int64) (*model.EscrowHold, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *EscrowRepository) GetByOrderID(ctx context.Context, tx *gorm.DB, orderID int64) (*model.EscrowHold, error) {
	return r.first(use(tx, r.db).WithContext(ctx).Where("order_id = ?", orderID))
}

func (r *EscrowRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.EscrowHold, error) {
	return r.first(tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id))
}

func (r *EscrowRepository) first(q *gorm.DB) (*model.EscrowHold, error) {
	var hold model.EscrowHold
	if err := q.First(&hold).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}
	return &hold, nil
}

// UpdateStatus HELD 只能迁移一次，条件更新保证并发下只有一方成功
func (r *EscrowRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, from, to model.EscrowStatus, at time.Time) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusInvalid, from, to)
	}

	updates := map[string]interface{}{"status": to}
	switch to {
	case model.EscrowStatusReleased:
		updates["released_at"] = at
	case model.EscrowStatusRefunded:
		updates["refunded_at"] = at
	}

	result := use(tx, r.db).WithContext(ctx).
		Model(&model.EscrowHold{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// releasableOrderStatuses 只有这些订单状态下放款才可能成功
var releasableOrderStatuses = []model.OrderStatus{
	model.OrderStatusPaid,
	model.OrderStatusDelivered,
	model.OrderStatusCompleted,
}

// ListOverdueHeld 到期时间早于 before 仍未放款、且订单允许放款的托管，按 id 游标分页
func (r *EscrowRepository) ListOverdueHeld(ctx context.Context, before time.Time, afterID int64, limit int) ([]*model.EscrowHold, error) {
	var holds []*model.EscrowHold
	err := r.db.WithContext(ctx).
		Select("escrow_hold.*").
		Joins("JOIN escrow_order ON escrow_order.id = escrow_hold.order_id").
		Where("escrow_hold.status = ? AND escrow_hold.release_due_at < ?", model.EscrowStatusHeld, before).
		Where("escrow_order.status IN ?", releasableOrderStatuses).
		Where("escrow_hold.id > ?", afterID).
		Order("escrow_hold.id ASC").
		Limit(limit).
		Find(&holds).Error
	return holds, err
}

// SumPayoutBySeller 按状态汇总卖家应得金额
func (r *EscrowRepository) SumPayoutBySeller(ctx context.Context, sellerID int64, status model.EscrowStatus) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&model.EscrowHold{}).
		Select("COALESCE(SUM(seller_payout_amount), 0)").
		Where("seller_id = ? AND status = ?", sellerID, status).
		Scan(&sum).Error
	return sum, err
}
