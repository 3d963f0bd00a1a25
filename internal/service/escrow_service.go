package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"escrowpay/internal/config"
	"escrowpay/internal/fee"
	"escrowpay/internal/infrastructure/lock"
	"escrowpay/internal/logger"
	"escrowpay/internal/model"
	"escrowpay/internal/repository"
	"escrowpay/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	TriggerScheduler        = "scheduler"
	TriggerDeliveryAccepted = "delivery_accepted"
	TriggerAdmin            = "admin"

	reasonOrderRefunded = "order refunded"
)

// EscrowService 托管账本：HELD -> RELEASED / REFUNDED
//
// 每次迁移都在一个数据库事务内完成：先锁托管行，再锁订单行，
// 最后用条件更新落状态。重复调用返回 ErrInvalidStateTransition，不产生副作用。
type EscrowService struct {
	db              *gorm.DB
	redisClient     *redis.Client
	cfg             *config.Config
	orderRepo       *repository.OrderRepository
	escrowRepo      *repository.EscrowRepository
	payoutRepo      *repository.PayoutRepository
	sellerRepo      *repository.SellerRepository
	transactionRepo *repository.TransactionRepository
	now             func() time.Time
	log             *logrus.Entry
}

func NewEscrowService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *EscrowService {
	return &EscrowService{
		db:              db,
		redisClient:     redisClient,
		cfg:             cfg,
		orderRepo:       repository.NewOrderRepository(db),
		escrowRepo:      repository.NewEscrowRepository(db),
		payoutRepo:      repository.NewPayoutRepository(db),
		sellerRepo:      repository.NewSellerRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		now:             time.Now,
		log:             logger.Component("escrow"),
	}
}

// WithClock 测试用
func (s *EscrowService) WithClock(now func() time.Time) *EscrowService {
	s.now = now
	return s
}

func (s *EscrowService) reservePeriod() time.Duration {
	return fee.Policy{ReserveDays: s.cfg.Fee.ReserveDays}.ReservePeriod()
}

// CreateHold 付款入账时创建托管，必须在入账事务内调用
func (s *EscrowService) CreateHold(ctx context.Context, tx *gorm.DB, order *model.Order, txn *model.Transaction, now time.Time) (*model.EscrowHold, error) {
	hold := &model.EscrowHold{
		TransactionID:      txn.ID,
		OrderID:            order.ID,
		SellerID:           order.SellerID,
		GrossAmount:        order.GrossAmount,
		FeeAmount:          order.PlatformRevenue,
		SellerPayoutAmount: order.SellerPayoutAmount,
		Status:             model.EscrowStatusHeld,
		ReleaseDueAt:       now.Add(order.DeliveryWindow()),
		HeldAt:             now,
	}
	if err := s.escrowRepo.Create(ctx, tx, hold); err != nil {
		return nil, mapRepoErr(err)
	}
	if err := s.sellerRepo.IncreaseEscrow(ctx, tx, order.SellerID, hold.SellerPayoutAmount); err != nil {
		return nil, fmt.Errorf("更新卖家托管余额失败: %w", err)
	}
	return hold, nil
}

type ReleaseResult struct {
	Hold   *model.EscrowHold   `json:"hold"`
	Payout *model.SellerPayout `json:"payout"`
	Order  *model.Order        `json:"order"`
}

// Release 放款：由延迟任务或确认收货触发
func (s *EscrowService) Release(ctx context.Context, holdID int64, trigger string) (*ReleaseResult, error) {
	var result *ReleaseResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hold, err := s.escrowRepo.GetByIDForUpdate(ctx, tx, holdID)
		if err != nil {
			return mapRepoErr(err)
		}
		result, err = s.release(ctx, tx, hold)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"hold_id":   result.Hold.ID,
		"order_no":  result.Order.OrderNo,
		"payout_no": result.Payout.PayoutNo,
		"amount":    result.Payout.Amount,
		"trigger":   trigger,
	}).Info("托管放款成功")
	return result, nil
}

// ReleaseByOrder 按订单放款
func (s *EscrowService) ReleaseByOrder(ctx context.Context, orderID int64, trigger string) (*ReleaseResult, error) {
	hold, err := s.escrowRepo.GetByOrderID(ctx, nil, orderID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return s.Release(ctx, hold.ID, trigger)
}

func (s *EscrowService) release(ctx context.Context, tx *gorm.DB, hold *model.EscrowHold) (*ReleaseResult, error) {
	switch hold.Status {
	case model.EscrowStatusHeld:
	case model.EscrowStatusReleased:
		return nil, alreadyInState(hold.Status)
	default:
		return nil, invalidState("托管状态 %s 不能放款", hold.Status)
	}

	order, err := s.orderRepo.GetByIDForUpdate(ctx, tx, hold.OrderID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	switch order.Status {
	case model.OrderStatusPaid, model.OrderStatusDelivered, model.OrderStatusCompleted:
	default:
		return nil, invalidState("订单状态 %s 不能放款", order.Status)
	}

	now := s.now().UTC()
	if err := s.escrowRepo.UpdateStatus(ctx, tx, hold.ID, model.EscrowStatusHeld, model.EscrowStatusReleased, now); err != nil {
		return nil, mapRepoErr(err)
	}
	hold.Status = model.EscrowStatusReleased
	hold.ReleasedAt = &now

	payout := &model.SellerPayout{
		PayoutNo:     idgen.GeneratePayoutNo(),
		SellerID:     hold.SellerID,
		EscrowHoldID: hold.ID,
		Amount:       hold.SellerPayoutAmount,
		Currency:     s.cfg.Business.Currency,
		Status:       model.PayoutStatusPending,
		AvailableAt:  now.Add(s.reservePeriod()),
	}
	if err := s.payoutRepo.Create(ctx, tx, payout); err != nil {
		return nil, mapRepoErr(err)
	}

	if order.Status != model.OrderStatusCompleted {
		if err := s.orderRepo.UpdateStatus(ctx, tx, order.ID, order.Status, model.OrderStatusCompleted, now, ""); err != nil {
			return nil, mapRepoErr(err)
		}
		order.Status = model.OrderStatusCompleted
		order.CompletedAt = &now
	}

	if err := s.sellerRepo.MoveEscrowToPending(ctx, tx, hold.SellerID, hold.SellerPayoutAmount); err != nil {
		return nil, fmt.Errorf("更新卖家余额失败: %w", err)
	}
	return &ReleaseResult{Hold: hold, Payout: payout, Order: order}, nil
}

type RefundRequest struct {
	EscrowHoldID int64  `json:"escrow_hold_id"`
	OrderID      int64  `json:"order_id"`
	Reason       string `json:"reason" binding:"required"`
}

type RefundResult struct {
	RefundNo    string             `json:"refund_no"`
	Hold        *model.EscrowHold  `json:"hold"`
	Order       *model.Order       `json:"order"`
	Transaction *model.Transaction `json:"transaction"`
}

// Refund 退款：已放款的托管不能退款
func (s *EscrowService) Refund(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	if req.EscrowHoldID == 0 && req.OrderID == 0 {
		return nil, fmt.Errorf("%w: 需要 escrow_hold_id 或 order_id", ErrInvalidArgument)
	}

	var (
		hold *model.EscrowHold
		err  error
	)
	if req.EscrowHoldID != 0 {
		hold, err = s.escrowRepo.GetByID(ctx, req.EscrowHoldID)
	} else {
		hold, err = s.escrowRepo.GetByOrderID(ctx, nil, req.OrderID)
	}
	if err != nil {
		return nil, mapRepoErr(err)
	}

	// 串行化同一订单的人工操作，正确性仍由事务内的条件更新保证
	if s.redisClient != nil {
		orderLock := lock.NewOrderLock(s.redisClient, hold.OrderID)
		if err := orderLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer orderLock.Unlock(ctx)
	}

	holdID := hold.ID
	refundNo := idgen.GenerateRefundNo()
	var result *RefundResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hold, err := s.escrowRepo.GetByIDForUpdate(ctx, tx, holdID)
		if err != nil {
			return mapRepoErr(err)
		}
		switch hold.Status {
		case model.EscrowStatusHeld:
		case model.EscrowStatusRefunded:
			return alreadyInState(hold.Status)
		default:
			return invalidState("托管已放款，不能退款")
		}

		order, err := s.orderRepo.GetByIDForUpdate(ctx, tx, hold.OrderID)
		if err != nil {
			return mapRepoErr(err)
		}
		if order.Status != model.OrderStatusPaid && order.Status != model.OrderStatusInProgress {
			return invalidState("订单状态 %s 不能退款", order.Status)
		}

		now := s.now().UTC()
		failed, err := s.payoutRepo.FailPendingByHold(ctx, tx, hold.ID, reasonOrderRefunded, now)
		if err != nil {
			return fmt.Errorf("作废应付款失败: %w", err)
		}
		if failed > 0 {
			if err := s.sellerRepo.DecreasePending(ctx, tx, hold.SellerID, hold.SellerPayoutAmount); err != nil {
				return fmt.Errorf("更新卖家余额失败: %w", err)
			}
		}

		fields, err := json.Marshal(map[string]interface{}{
			"refund_no":      refundNo,
			"escrow_hold_id": hold.ID,
			"reason":         req.Reason,
		})
		if err != nil {
			return fmt.Errorf("序列化退款明细失败: %w", err)
		}
		orderID := order.ID
		refund := &model.Transaction{
			TransactionNo:      idgen.GenerateTransactionNo(),
			OrderID:            &orderID,
			Type:               model.TransactionTypeRefund,
			Gateway:            model.GatewayInternal,
			GatewayReference:   refundNo,
			GrossAmount:        hold.GrossAmount,
			NetAmount:          hold.GrossAmount,
			BuyerPlatformFee:   order.BuyerPlatformFee,
			SellerPlatformFee:  order.SellerPlatformFee,
			PlatformRevenue:    order.PlatformRevenue,
			SellerPayoutAmount: order.SellerPayoutAmount,
			Status:             model.TransactionStatusCompleted,
			RawPayload:         string(fields),
			RawContentType:     "application/json",
			Fields:             datatypes.JSON(fields),
			PaidAt:             &now,
		}
		if err := s.transactionRepo.Create(ctx, tx, refund); err != nil {
			return mapRepoErr(err)
		}

		if err := s.orderRepo.UpdateStatus(ctx, tx, order.ID, order.Status, model.OrderStatusCancelled, now, req.Reason); err != nil {
			return mapRepoErr(err)
		}
		order.Status = model.OrderStatusCancelled
		order.CancelReason = req.Reason
		order.CancelledAt = &now

		if err := s.sellerRepo.DecreaseEscrow(ctx, tx, hold.SellerID, hold.SellerPayoutAmount); err != nil {
			return fmt.Errorf("更新卖家托管余额失败: %w", err)
		}

		if err := s.escrowRepo.UpdateStatus(ctx, tx, hold.ID, model.EscrowStatusHeld, model.EscrowStatusRefunded, now); err != nil {
			return mapRepoErr(err)
		}
		hold.Status = model.EscrowStatusRefunded
		hold.RefundedAt = &now

		result = &RefundResult{RefundNo: refundNo, Hold: hold, Order: order, Transaction: refund}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"refund_no": refundNo,
		"hold_id":   result.Hold.ID,
		"order_no":  result.Order.OrderNo,
		"amount":    result.Hold.GrossAmount,
	}).Info("托管退款成功")
	return result, nil
}

func (s *EscrowService) GetHold(ctx context.Context, holdID int64) (*model.EscrowHold, error) {
	hold, err := s.escrowRepo.GetByID(ctx, holdID)
	return hold, mapRepoErr(err)
}

// HoldDetail 托管及其放款后生成的打款记录，未放款时 Payout 为空
type HoldDetail struct {
	Hold   *model.EscrowHold   `json:"hold"`
	Payout *model.SellerPayout `json:"payout"`
}

func (s *EscrowService) GetHoldDetail(ctx context.Context, holdID int64) (*HoldDetail, error) {
	hold, err := s.GetHold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	payout, err := s.payoutRepo.GetByHoldID(ctx, nil, hold.ID)
	if err != nil && !errors.Is(err, repository.ErrPayoutNotFound) {
		return nil, err
	}
	return &HoldDetail{Hold: hold, Payout: payout}, nil
}

// ListOverdueHolds 到期超过 grace 仍为 HELD 的托管，供补偿任务重新排期。
// 订单处于进行中或争议中的托管不会返回，放款对它们必然失败。
func (s *EscrowService) ListOverdueHolds(ctx context.Context, grace time.Duration, afterID int64, limit int) ([]*model.EscrowHold, error) {
	return s.escrowRepo.ListOverdueHeld(ctx, s.now().UTC().Add(-grace), afterID, limit)
}
