package model

import (
	"time"

	"gorm.io/datatypes"
)

type TransactionType string

const (
	TransactionTypePayment TransactionType = "PAYMENT"
	TransactionTypeRefund  TransactionType = "REFUND"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

type Gateway string

const (
	GatewayPayFast  Gateway = "PAYFAST"
	GatewayOzow     Gateway = "OZOW"
	GatewayInternal Gateway = "INTERNAL" // 平台内部发起，如退款
)

// Transaction 资金流水
//
// 流水表只追加，不修改，不删除。
// (gateway, gateway_reference) 唯一，是回调幂等的依据。
type Transaction struct {
	ID                 int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo      string            `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	OrderID            *int64            `gorm:"index" json:"order_id,omitempty"`
	Type               TransactionType   `gorm:"type:varchar(20);not null" json:"type"`
	Gateway            Gateway           `gorm:"type:varchar(20);not null;uniqueIndex:uk_gateway_ref" json:"gateway"`
	GatewayReference   string            `gorm:"type:varchar(128);not null;uniqueIndex:uk_gateway_ref" json:"gateway_reference"`
	GrossAmount        int64             `gorm:"not null" json:"gross_amount"`
	GatewayFee         int64             `gorm:"not null;default:0" json:"gateway_fee"`
	NetAmount          int64             `gorm:"not null" json:"net_amount"`
	BuyerPlatformFee   int64             `gorm:"not null;default:0" json:"buyer_platform_fee"`
	SellerPlatformFee  int64             `gorm:"not null;default:0" json:"seller_platform_fee"`
	PlatformRevenue    int64             `gorm:"not null;default:0" json:"platform_revenue"`
	SellerPayoutAmount int64             `gorm:"not null;default:0" json:"seller_payout_amount"`
	Status             TransactionStatus `gorm:"type:varchar(20);not null" json:"status"`
	RawPayload         string            `gorm:"type:text" json:"-"` // 网关原始报文，原样保存
	RawContentType     string            `gorm:"type:varchar(128)" json:"-"`
	Fields             datatypes.JSON    `json:"fields,omitempty"`
	PaidAt             *time.Time        `json:"paid_at,omitempty"`
	CreatedAt          time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
}

func (Transaction) TableName() string {
	return "ledger_transaction"
}
