package model

import (
	"time"
)

type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "PENDING"
	PayoutStatusProcessing PayoutStatus = "PROCESSING"
	PayoutStatusCompleted  PayoutStatus = "COMPLETED"
	PayoutStatusFailed     PayoutStatus = "FAILED"
)

var PayoutTransitions = Transitions[PayoutStatus]{
	PayoutStatusPending:    {PayoutStatusProcessing, PayoutStatusCompleted, PayoutStatusFailed},
	PayoutStatusProcessing: {PayoutStatusCompleted, PayoutStatusFailed},
}

func (s PayoutStatus) CanTransitionTo(target PayoutStatus) bool {
	return PayoutTransitions.Can(s, target)
}

// SellerPayout 卖家应付款，放款时生成，保留期结束后才可提现
type SellerPayout struct {
	ID            int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	PayoutNo      string       `gorm:"type:varchar(64);uniqueIndex;not null" json:"payout_no"`
	SellerID      int64        `gorm:"index;not null" json:"seller_id"`
	EscrowHoldID  int64        `gorm:"uniqueIndex;not null" json:"escrow_hold_id"`
	Amount        int64        `gorm:"not null" json:"amount"`
	Currency      string       `gorm:"type:varchar(8);not null" json:"currency"`
	Status        PayoutStatus `gorm:"type:varchar(20);index;not null" json:"status"`
	AvailableAt   time.Time    `gorm:"index;not null" json:"available_at"`
	ProcessedAt   *time.Time   `json:"processed_at,omitempty"`
	FailureReason string       `gorm:"type:varchar(256)" json:"failure_reason,omitempty"`
	DueNotifiedAt *time.Time   `json:"due_notified_at,omitempty"`
	CreatedAt     time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SellerPayout) TableName() string {
	return "seller_payout"
}
