package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrowpay/internal/model"

	"gorm.io/gorm"
)

var ErrDuplicatePayout = errors.New("托管记录已生成应付款")

type PayoutRepository struct {
	db *gorm.DB
}

func NewPayoutRepository(db *gorm.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

func (r *PayoutRepository) Create(ctx context.Context, tx *gorm.DB, payout *model.SellerPayout) error {
	err := use(tx, r.db).WithContext(ctx).Create(payout).Error
	if isDuplicateKey(err) {
		return ErrDuplicatePayout
	}
	return err
}

func (r *PayoutRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.SellerPayout, error) {
	var payout model.SellerPayout
	err := use(tx, r.db).WithContext(ctx).Where("id = ?", id).First(&payout).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return &payout, nil
}

func (r *PayoutRepository) GetByHoldID(ctx context.Context, tx *gorm.DB, holdID int64) (*model.SellerPayout, error) {
	var payout model.SellerPayout
	err := use(tx, r.db).WithContext(ctx).Where("escrow_hold_id = ?", holdID).First(&payout).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return &payout, nil
}

// FailPendingByHold 退款时作废尚未处理的应付款
func (r *PayoutRepository) FailPendingByHold(ctx context.Context, tx *gorm.DB, holdID int64, reason string, at time.Time) (int64, error) {
	result := use(tx, r.db).WithContext(ctx).
		Model(&model.SellerPayout{}).
		Where("escrow_hold_id = ? AND status = ?", holdID, model.PayoutStatusPending).
		Updates(map[string]interface{}{
			"status":         model.PayoutStatusFailed,
			"failure_reason": reason,
			"processed_at":   at,
		})
	return result.RowsAffected, result.Error
}

// UpdateStatus 条件更新。迁移到 COMPLETED 时额外要求 available_at <= at，
// 保留期未结束的应付款不会被标记完成
func (r *PayoutRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, from, to model.PayoutStatus, at time.Time, reason string) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusInvalid, from, to)
	}

	updates := map[string]interface{}{"status": to}
	if to == model.PayoutStatusCompleted || to == model.PayoutStatusFailed {
		updates["processed_at"] = at
	}
	if to == model.PayoutStatusFailed {
		updates["failure_reason"] = reason
	}

	query := use(tx, r.db).WithContext(ctx).
		Model(&model.SellerPayout{}).
		Where("id = ? AND status = ?", id, from)
	if to == model.PayoutStatusCompleted {
		query = query.Where("available_at <= ?", at)
	}

	result := query.Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// ListDue 已过保留期、待处理的应付款；sellerID 为 nil 时不限卖家
func (r *PayoutRepository) ListDue(ctx context.Context, sellerID *int64, now time.Time, limit int) ([]model.SellerPayout, error) {
	var payouts []model.SellerPayout
	query := r.db.WithContext(ctx).
		Where("status = ? AND available_at <= ?", model.PayoutStatusPending, now)
	if sellerID != nil {
		query = query.Where("seller_id = ?", *sellerID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Order("available_at ASC, id ASC").Find(&payouts).Error
	return payouts, err
}

// ListDueUnnotified 已到期但还未发出 payout.due 通知
func (r *PayoutRepository) ListDueUnnotified(ctx context.Context, now time.Time, limit int) ([]model.SellerPayout, error) {
	var payouts []model.SellerPayout
	err := r.db.WithContext(ctx).
		Where("status = ? AND available_at <= ? AND due_notified_at IS NULL", model.PayoutStatusPending, now).
		Order("available_at ASC, id ASC").
		Limit(limit).
		Find(&payouts).Error
	return payouts, err
}

func (r *PayoutRepository) MarkNotified(ctx context.Context, tx *gorm.DB, id int64, at time.Time) (bool, error) {
	result := use(tx, r.db).WithContext(ctx).
		Model(&model.SellerPayout{}).
		Where("id = ? AND due_notified_at IS NULL", id).
		Update("due_notified_at", at)
	return result.RowsAffected == 1, result.Error
}

// SumPendingBySeller 待处理应付款按保留期拆分：仍在保留期内 / 已可提现
func (r *PayoutRepository) SumPendingBySeller(ctx context.Context, sellerID int64, now time.Time) (reserved, available int64, err error) {
	base := func() *gorm.DB {
		return r.db.WithContext(ctx).
			Model(&model.SellerPayout{}).
			Select("COALESCE(SUM(amount), 0)").
			Where("seller_id = ? AND status = ?", sellerID, model.PayoutStatusPending)
	}
	if err = base().Where("available_at > ?", now).Scan(&reserved).Error; err != nil {
		return 0, 0, err
	}
	if err = base().Where("available_at <= ?", now).Scan(&available).Error; err != nil {
		return 0, 0, err
	}
	return reserved, available, nil
}

func (r *PayoutRepository) SumBySellerStatus(ctx context.Context, sellerID int64, status model.PayoutStatus) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&model.SellerPayout{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("seller_id = ? AND status = ?", sellerID, status).
		Scan(&sum).Error
	return sum, err
}
