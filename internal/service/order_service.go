package service

import (
	"context"
	"fmt"
	"time"

	"escrowpay/internal/config"
	"escrowpay/internal/fee"
	"escrowpay/internal/logger"
	"escrowpay/internal/model"
	"escrowpay/internal/repository"
	"escrowpay/pkg/idgen"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OrderService 下单及订单流转，供外部交易流程调用
type OrderService struct {
	db         *gorm.DB
	cfg        *config.Config
	policy     fee.Policy
	estimators map[model.Gateway]fee.ProcessingFeeEstimator
	escrow     *EscrowService
	orderRepo  *repository.OrderRepository
	now        func() time.Time
	log        *logrus.Entry
}

func NewOrderService(db *gorm.DB, cfg *config.Config, policy fee.Policy, escrow *EscrowService) *OrderService {
	return &OrderService{
		db:     db,
		cfg:    cfg,
		policy: policy,
		estimators: map[model.Gateway]fee.ProcessingFeeEstimator{
			model.GatewayOzow: cfg.OzowFeeEstimator(),
		},
		escrow:    escrow,
		orderRepo: repository.NewOrderRepository(db),
		now:       time.Now,
		log:       logger.Component("order"),
	}
}

// WithClock 测试用
func (s *OrderService) WithClock(now func() time.Time) *OrderService {
	s.now = now
	return s
}

type CheckoutRequest struct {
	BuyerID      int64         `json:"buyer_id" binding:"required"`
	SellerID     int64         `json:"seller_id" binding:"required"`
	GrossAmount  int64         `json:"gross_amount" binding:"required,gt=0"`
	DeliveryDays int           `json:"delivery_days"`
	Gateway      model.Gateway `json:"gateway"`
}

// CreateCheckout 下单时冻结费用快照，生成下发给网关的支付引用
func (s *OrderService) CreateCheckout(ctx context.Context, req *CheckoutRequest) (*model.Order, error) {
	if req.GrossAmount <= 0 {
		return nil, fmt.Errorf("%w: 金额必须大于0", ErrInvalidArgument)
	}
	if req.BuyerID == req.SellerID {
		return nil, fmt.Errorf("%w: 买家与卖家不能相同", ErrInvalidArgument)
	}
	days := req.DeliveryDays
	if days <= 0 {
		days = s.cfg.Escrow.DefaultDeliveryDays
	}

	split := fee.Compute(req.GrossAmount, s.policy)
	var processingFee int64
	if est, ok := s.estimators[req.Gateway]; ok {
		processingFee = est.Estimate(req.GrossAmount)
	}

	order := &model.Order{
		OrderNo:            idgen.GenerateOrderNo(),
		PaymentRef:         uuid.NewString(),
		BuyerID:            req.BuyerID,
		SellerID:           req.SellerID,
		GrossAmount:        split.GrossAmount,
		BaseAmount:         split.BaseAmount,
		BuyerPlatformFee:   split.BuyerFee,
		BuyerProcessingFee: processingFee,
		SellerPlatformFee:  split.SellerFee,
		PlatformRevenue:    split.PlatformRevenue,
		SellerPayoutAmount: split.SellerPayout,
		DeliveryDays:       days,
		Status:             model.OrderStatusPendingPayment,
	}
	if err := s.orderRepo.Create(ctx, nil, order); err != nil {
		return nil, fmt.Errorf("创建订单失败: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"order_no":    order.OrderNo,
		"buyer_id":    order.BuyerID,
		"seller_id":   order.SellerID,
		"gross":       order.GrossAmount,
		"payout":      order.SellerPayoutAmount,
		"payment_ref": order.PaymentRef,
	}).Info("订单创建成功")
	return order, nil
}

func (s *OrderService) GetByOrderNo(ctx context.Context, orderNo string) (*model.Order, error) {
	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	return order, mapRepoErr(err)
}

// ListBySeller 卖家订单分页，page 从 1 开始
func (s *OrderService) ListBySeller(ctx context.Context, sellerID int64, page, pageSize int) ([]*model.Order, int64, error) {
	if sellerID <= 0 {
		return nil, 0, fmt.Errorf("%w: seller_id 必须大于0", ErrInvalidArgument)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.orderRepo.ListBySeller(ctx, sellerID, page, pageSize)
}

func (s *OrderService) GetByID(ctx context.Context, orderID int64) (*model.Order, error) {
	order, err := s.orderRepo.GetByID(ctx, nil, orderID)
	return order, mapRepoErr(err)
}

func (s *OrderService) MarkInProgress(ctx context.Context, orderID int64) (*model.Order, error) {
	return s.transition(ctx, orderID, model.OrderStatusInProgress, "")
}

func (s *OrderService) MarkDelivered(ctx context.Context, orderID int64) (*model.Order, error) {
	return s.transition(ctx, orderID, model.OrderStatusDelivered, "")
}

// OpenDispute 争议期间自动放款会被拒绝
func (s *OrderService) OpenDispute(ctx context.Context, orderID int64) (*model.Order, error) {
	return s.transition(ctx, orderID, model.OrderStatusDisputed, "")
}

// CancelUnpaid 买家放弃付款；已付款订单走退款
func (s *OrderService) CancelUnpaid(ctx context.Context, orderID int64, reason string) (*model.Order, error) {
	order, err := s.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != model.OrderStatusPendingPayment && order.Status != model.OrderStatusCancelled {
		return nil, invalidState("订单已付款，请走退款流程")
	}
	return s.transition(ctx, orderID, model.OrderStatusCancelled, reason)
}

// AcceptDelivery 买家确认收货：补齐 DELIVERED 后立即放款
func (s *OrderService) AcceptDelivery(ctx context.Context, orderID int64) (*ReleaseResult, error) {
	order, err := s.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == model.OrderStatusInProgress {
		if _, err := s.MarkDelivered(ctx, orderID); err != nil {
			return nil, err
		}
	}
	return s.escrow.ReleaseByOrder(ctx, orderID, TriggerDeliveryAccepted)
}

func (s *OrderService) transition(ctx context.Context, orderID int64, to model.OrderStatus, reason string) (*model.Order, error) {
	var order *model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = s.orderRepo.GetByIDForUpdate(ctx, tx, orderID)
		if err != nil {
			return mapRepoErr(err)
		}
		if order.Status == to {
			return alreadyInState(order.Status)
		}
		if !order.Status.CanTransitionTo(to) {
			return invalidState("订单 %s: %s -> %s", order.OrderNo, order.Status, to)
		}
		now := s.now().UTC()
		if err := s.orderRepo.UpdateStatus(ctx, tx, order.ID, order.Status, to, now, reason); err != nil {
			return mapRepoErr(err)
		}
		order.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"order_no": order.OrderNo, "status": to}).Info("订单状态更新")
	return order, nil
}
