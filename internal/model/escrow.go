package model

import (
	"fmt"
	"time"
)

type EscrowStatus string

const (
	EscrowStatusHeld     EscrowStatus = "HELD"
	EscrowStatusReleased EscrowStatus = "RELEASED"
	EscrowStatusRefunded EscrowStatus = "REFUNDED"
)

var EscrowTransitions = Transitions[EscrowStatus]{
	EscrowStatusHeld: {EscrowStatusReleased, EscrowStatusRefunded},
}

func (s EscrowStatus) CanTransitionTo(target EscrowStatus) bool {
	return EscrowTransitions.Can(s, target)
}

// EscrowHold 托管资金，一单一条
type EscrowHold struct {
	ID                 int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionID      int64        `gorm:"index;not null" json:"transaction_id"`
	OrderID            int64        `gorm:"uniqueIndex;not null" json:"order_id"`
	SellerID           int64        `gorm:"index;not null" json:"seller_id"`
	GrossAmount        int64        `gorm:"not null" json:"gross_amount"`
	FeeAmount          int64        `gorm:"not null" json:"fee_amount"`
	SellerPayoutAmount int64        `gorm:"not null" json:"seller_payout_amount"`
	Status             EscrowStatus `gorm:"type:varchar(20);index;not null" json:"status"`
	ReleaseDueAt       time.Time    `gorm:"index;not null" json:"release_due_at"`
	HeldAt             time.Time    `gorm:"not null" json:"held_at"`
	ReleasedAt         *time.Time   `json:"released_at,omitempty"`
	RefundedAt         *time.Time   `json:"refunded_at,omitempty"`
	CreatedAt          time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

func (EscrowHold) TableName() string {
	return "escrow_hold"
}

// ReleaseJob 放款任务载荷
type ReleaseJob struct {
	OrderID      int64 `json:"order_id"`
	EscrowHoldID int64 `json:"escrow_hold_id"`
}

// ReleaseJobID 同一托管只会有一个放款任务
func ReleaseJobID(holdID int64) string {
	return fmt.Sprintf("release:%d", holdID)
}
