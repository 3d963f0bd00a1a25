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

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	err := use(tx, r.db).WithContext(ctx).Create(order).Error
	if isDuplicateKey(err) {
		return ErrDuplicateRequest
	}
	return err
}

func (r *OrderRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Order, error) {
	return r.first(use(tx, r.db).WithContext(ctx).Where("id = ?", id))
}

func (r *OrderRepository) GetByOrderNo(ctx context.Context, orderNo string) (*model.Order, error) {
	return r.first(r.db.WithContext(ctx).Where("order_no = ?", orderNo))
}

// GetByPaymentRefForUpdate 回调对账时锁定订单行
func (r *OrderRepository) GetByPaymentRefForUpdate(ctx context.Context, tx *gorm.DB, paymentRef string) (*model.Order, error) {
	return r.first(tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("payment_ref = ?", paymentRef))
}

func (r *OrderRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Order, error) {
	return r.first(tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id))
}

func (r *OrderRepository) first(q *gorm.DB) (*model.Order, error) {
	var order model.Order
	if err := q.First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// UpdateStatus 条件更新：只有当前状态仍为 from 时才会更新
func (r *OrderRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, from, to model.OrderStatus, at time.Time, reason string) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusInvalid, from, to)
	}

	updates := map[string]interface{}{
		"status": to,
	}
	switch to {
	case model.OrderStatusPaid:
		updates["paid_at"] = at
	case model.OrderStatusCompleted:
		updates["completed_at"] = at
	case model.OrderStatusCancelled:
		updates["cancelled_at"] = at
		updates["cancel_reason"] = reason
	}

	result := use(tx, r.db).WithContext(ctx).
		Model(&model.Order{}).
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

func (r *OrderRepository) ListBySeller(ctx context.Context, sellerID int64, page, pageSize int) ([]*model.Order, int64, error) {
	var orders []*model.Order
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Order{}).Where("seller_id = ?", sellerID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&orders).Error
	return orders, total, err
}
