package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"escrowpay/internal/config"
	"escrowpay/internal/gateway"
	"escrowpay/internal/logger"
	"escrowpay/internal/model"
	"escrowpay/internal/repository"
	"escrowpay/pkg/idgen"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type RecordOutcome string

const (
	OutcomeRecorded  RecordOutcome = "RECORDED"
	OutcomeCancelled RecordOutcome = "CANCELLED"
	OutcomePending   RecordOutcome = "PENDING"
)

type RecordResult struct {
	Outcome     RecordOutcome      `json:"outcome"`
	Order       *model.Order       `json:"order"`
	Transaction *model.Transaction `json:"transaction,omitempty"`
	Hold        *model.EscrowHold  `json:"hold,omitempty"`
}

// PaymentService 网关回调入账
//
// 每个 (gateway, gateway_reference) 只入账一次。整个流程在一个事务内：
// 锁订单 -> 校验金额 -> 查重 -> 写流水 -> 建托管 -> 改订单状态 -> 写 outbox。
// 任一步失败整体回滚，不会出现有流水没托管的情况。
type PaymentService struct {
	db              *gorm.DB
	cfg             *config.Config
	escrow          *EscrowService
	orderRepo       *repository.OrderRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
	now             func() time.Time
	log             *logrus.Entry
}

func NewPaymentService(db *gorm.DB, cfg *config.Config, escrow *EscrowService) *PaymentService {
	return &PaymentService{
		db:              db,
		cfg:             cfg,
		escrow:          escrow,
		orderRepo:       repository.NewOrderRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		now:             time.Now,
		log:             logger.Component("payment"),
	}
}

// WithClock 测试用
func (s *PaymentService) WithClock(now func() time.Time) *PaymentService {
	s.now = now
	return s
}

func (s *PaymentService) RecordPayment(ctx context.Context, cb *gateway.VerifiedCallback) (*RecordResult, error) {
	if cb == nil || cb.PaymentRef == "" || cb.GatewayReference == "" {
		return nil, fmt.Errorf("%w: 回调缺少支付引用", ErrInvalidArgument)
	}

	entry := s.log.WithFields(logrus.Fields{
		"gateway":     cb.Gateway,
		"payment_ref": cb.PaymentRef,
		"gateway_ref": cb.GatewayReference,
		"status":      cb.Status,
	})

	var result *RecordResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.orderRepo.GetByPaymentRefForUpdate(ctx, tx, cb.PaymentRef)
		if err != nil {
			return mapRepoErr(err)
		}

		// 金额以下单时的快照为准
		if cb.GrossAmount != order.GrossAmount {
			return fmt.Errorf("%w: order=%s expected=%d got=%d",
				ErrAmountMismatch, order.OrderNo, order.GrossAmount, cb.GrossAmount)
		}

		existing, err := s.transactionRepo.GetByGatewayReference(ctx, tx, cb.Gateway, cb.GatewayReference)
		if err != nil {
			return fmt.Errorf("查询流水失败: %w", err)
		}
		if existing != nil {
			return fmt.Errorf("%w: transaction_no=%s", ErrAlreadyProcessed, existing.TransactionNo)
		}

		switch cb.Status {
		case gateway.CallbackSuccess:
			result, err = s.recordSuccess(ctx, tx, order, cb)
		case gateway.CallbackFailed:
			result, err = s.recordFailure(ctx, tx, order, cb)
		case gateway.CallbackPending:
			result = &RecordResult{Outcome: OutcomePending, Order: order}
		default:
			err = fmt.Errorf("%w: 未知回调状态 %s", ErrInvalidArgument, cb.Status)
		}
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyProcessed), errors.Is(err, ErrOrderNotFound):
			entry.WithError(err).Info("回调无需处理")
		case IsTerminal(err):
			entry.WithError(err).Warn("回调被拒绝")
		default:
			entry.WithError(err).Error("回调入账失败")
		}
		return nil, err
	}

	entry.WithFields(logrus.Fields{
		"order_no": result.Order.OrderNo,
		"outcome":  result.Outcome,
	}).Info("回调处理完成")
	return result, nil
}

func (s *PaymentService) recordSuccess(ctx context.Context, tx *gorm.DB, order *model.Order, cb *gateway.VerifiedCallback) (*RecordResult, error) {
	if order.Status != model.OrderStatusPendingPayment {
		return nil, invalidState("订单 %s 当前状态 %s，不再等待付款", order.OrderNo, order.Status)
	}

	now := s.now().UTC()
	fields, err := json.Marshal(cb.Fields)
	if err != nil {
		return nil, err
	}
	orderID := order.ID
	txn := &model.Transaction{
		TransactionNo:      idgen.GenerateTransactionNo(),
		OrderID:            &orderID,
		Type:               model.TransactionTypePayment,
		Gateway:            cb.Gateway,
		GatewayReference:   cb.GatewayReference,
		GrossAmount:        cb.GrossAmount,
		GatewayFee:         cb.GatewayFee,
		NetAmount:          cb.NetAmount,
		BuyerPlatformFee:   order.BuyerPlatformFee,
		SellerPlatformFee:  order.SellerPlatformFee,
		PlatformRevenue:    order.PlatformRevenue,
		SellerPayoutAmount: order.SellerPayoutAmount,
		Status:             model.TransactionStatusCompleted,
		RawPayload:         cb.RawPayload,
		RawContentType:     cb.ContentType,
		Fields:             datatypes.JSON(fields),
		PaidAt:             &now,
	}
	if err := s.transactionRepo.Create(ctx, tx, txn); err != nil {
		return nil, mapRepoErr(err)
	}

	hold, err := s.escrow.CreateHold(ctx, tx, order, txn, now)
	if err != nil {
		return nil, err
	}

	if err := s.orderRepo.UpdateStatus(ctx, tx, order.ID, model.OrderStatusPendingPayment, model.OrderStatusPaid, now, ""); err != nil {
		return nil, mapRepoErr(err)
	}
	order.Status = model.OrderStatusPaid
	order.PaidAt = &now

	// 放款排期：outbox 投递到延迟队列，进程重启不丢
	schedule := model.ReleaseScheduleMessage{
		ReleaseJob: model.ReleaseJob{OrderID: order.ID, EscrowHoldID: hold.ID},
		DeliverAt:  hold.ReleaseDueAt.UnixMilli(),
	}
	if err := s.outboxRepo.Publish(ctx, tx, model.TopicReleaseSchedule, model.ReleaseJobID(hold.ID), schedule); err != nil {
		return nil, fmt.Errorf("写入放款排期失败: %w", err)
	}

	event := model.PaymentReceivedEvent{OrderID: order.ID, BuyerID: order.BuyerID, SellerID: order.SellerID}
	if err := s.outboxRepo.Publish(ctx, tx, s.cfg.Kafka.Topic.PaymentReceived, order.OrderNo, event); err != nil {
		return nil, fmt.Errorf("写入消息失败: %w", err)
	}

	return &RecordResult{Outcome: OutcomeRecorded, Order: order, Transaction: txn, Hold: hold}, nil
}

func (s *PaymentService) recordFailure(ctx context.Context, tx *gorm.DB, order *model.Order, cb *gateway.VerifiedCallback) (*RecordResult, error) {
	switch order.Status {
	case model.OrderStatusPendingPayment:
	case model.OrderStatusCancelled:
		return nil, fmt.Errorf("%w: 订单 %s 已取消", ErrAlreadyProcessed, order.OrderNo)
	default:
		return nil, invalidState("订单 %s 当前状态 %s，忽略失败回调", order.OrderNo, order.Status)
	}

	now := s.now().UTC()
	reason := fmt.Sprintf("payment %s: %s", cb.GatewayStatus, cb.Gateway)
	if err := s.orderRepo.UpdateStatus(ctx, tx, order.ID, model.OrderStatusPendingPayment, model.OrderStatusCancelled, now, reason); err != nil {
		return nil, mapRepoErr(err)
	}
	order.Status = model.OrderStatusCancelled
	order.CancelReason = reason
	order.CancelledAt = &now

	return &RecordResult{Outcome: OutcomeCancelled, Order: order}, nil
}
