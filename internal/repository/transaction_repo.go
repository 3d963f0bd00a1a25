package repository

import (
	"context"
	"errors"

	"escrowpay/internal/model"

	"gorm.io/gorm"
)

var ErrDuplicateTransaction = errors.New("该网关流水已入账")

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create 流水只追加；(gateway, gateway_reference) 冲突说明并发回调已经入账
func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.Transaction) error {
	err := use(tx, r.db).WithContext(ctx).Create(trans).Error
	if isDuplicateKey(err) {
		return ErrDuplicateTransaction
	}
	return err
}

// GetByGatewayReference 未找到返回 nil, nil
func (r *TransactionRepository) GetByGatewayReference(ctx context.Context, tx *gorm.DB, gateway model.Gateway, ref string) (*model.Transaction, error) {
	var trans model.Transaction
	err := use(tx, r.db).WithContext(ctx).
		Where("gateway = ? AND gateway_reference = ?", gateway, ref).
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Transaction, error) {
	var trans model.Transaction
	err := use(tx, r.db).WithContext(ctx).Where("id = ?", id).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) ListByOrderID(ctx context.Context, orderID int64) ([]*model.Transaction, error) {
	var list []*model.Transaction
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Find(&list).Error
	return list, err
}

func (r *TransactionRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Transaction{}).Count(&n).Error
	return n, err
}
