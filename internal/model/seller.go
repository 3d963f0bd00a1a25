package model

import (
	"time"
)

// SellerProfile 卖家余额缓存
// 只做展示用，权威数据是托管和应付款记录，只允许原子增减
type SellerProfile struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SellerID       int64     `gorm:"uniqueIndex;not null" json:"seller_id"`
	EscrowBalance  int64     `gorm:"not null;default:0" json:"escrow_balance"`  // 托管中
	PendingBalance int64     `gorm:"not null;default:0" json:"pending_balance"` // 已放款未提现
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SellerProfile) TableName() string {
	return "seller_profile"
}
