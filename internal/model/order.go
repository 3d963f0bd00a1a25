package model

import (
	"time"
)

type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "PENDING_PAYMENT"
	OrderStatusPaid           OrderStatus = "PAID"
	OrderStatusInProgress     OrderStatus = "IN_PROGRESS"
	OrderStatusDelivered      OrderStatus = "DELIVERED"
	OrderStatusCompleted      OrderStatus = "COMPLETED"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
	OrderStatusDisputed       OrderStatus = "DISPUTED"
)

var OrderTransitions = Transitions[OrderStatus]{
	OrderStatusPendingPayment: {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:           {OrderStatusInProgress, OrderStatusDelivered, OrderStatusCompleted, OrderStatusCancelled, OrderStatusDisputed},
	OrderStatusInProgress:     {OrderStatusDelivered, OrderStatusCancelled, OrderStatusDisputed},
	OrderStatusDelivered:      {OrderStatusCompleted, OrderStatusDisputed},
	OrderStatusDisputed:       {OrderStatusCompleted, OrderStatusCancelled},
}

func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	return OrderTransitions.Can(s, target)
}

// Order 托管订单
// 费用字段是下单时的快照，创建后不再修改，回调对账以此为准
type Order struct {
	ID                 int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNo            string      `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_no"`
	PaymentRef         string      `gorm:"type:varchar(64);uniqueIndex;not null" json:"payment_ref"` // 下发给网关的支付引用
	BuyerID            int64       `gorm:"index;not null" json:"buyer_id"`
	SellerID           int64       `gorm:"index;not null" json:"seller_id"`
	GrossAmount        int64       `gorm:"not null" json:"gross_amount"` // 买家实付总额（分）
	BaseAmount         int64       `gorm:"not null" json:"base_amount"`
	BuyerPlatformFee   int64       `gorm:"not null" json:"buyer_platform_fee"`
	BuyerProcessingFee int64       `gorm:"not null;default:0" json:"buyer_processing_fee"` // 仅展示用
	SellerPlatformFee  int64       `gorm:"not null" json:"seller_platform_fee"`
	PlatformRevenue    int64       `gorm:"not null" json:"platform_revenue"`
	SellerPayoutAmount int64       `gorm:"not null" json:"seller_payout_amount"`
	DeliveryDays       int         `gorm:"not null" json:"delivery_days"`
	Status             OrderStatus `gorm:"type:varchar(20);index;not null" json:"status"`
	CancelReason       string      `gorm:"type:varchar(256)" json:"cancel_reason,omitempty"`
	PaidAt             *time.Time  `json:"paid_at,omitempty"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty"`
	CancelledAt        *time.Time  `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time   `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt          time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "escrow_order"
}

// DeliveryWindow 付款后到自动放款的交付期
func (o *Order) DeliveryWindow() time.Duration {
	return time.Duration(o.DeliveryDays) * 24 * time.Hour
}
