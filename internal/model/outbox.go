package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// 投递到延迟队列的主题，不走 Kafka
const TopicReleaseSchedule = "escrow.release.schedule"

type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// PaymentReceivedEvent 买家付款成功通知
type PaymentReceivedEvent struct {
	OrderID  int64 `json:"order_id"`
	BuyerID  int64 `json:"buyer_id"`
	SellerID int64 `json:"seller_id"`
}

// ReleaseScheduleMessage 放款排期，DeliverAt 为 unix 毫秒
type ReleaseScheduleMessage struct {
	ReleaseJob
	DeliverAt int64 `json:"deliver_at"`
}

type PayoutDueEvent struct {
	PayoutID int64  `json:"payout_id"`
	PayoutNo string `json:"payout_no"`
	SellerID int64  `json:"seller_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type ReleaseDeadLetterEvent struct {
	JobID    string `json:"job_id"`
	Payload  string `json:"payload"`
	Attempts int    `json:"attempts"`
	LastErr  string `json:"last_error"`
}
