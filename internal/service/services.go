package service

import (
	"time"

	"escrowpay/internal/config"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Services 组装全部业务服务，入账和下单共用同一个托管账本
type Services struct {
	Orders   *OrderService
	Escrow   *EscrowService
	Payments *PaymentService
	Payouts  *PayoutService
}

func NewServices(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) (*Services, error) {
	policy, err := cfg.FeePolicy()
	if err != nil {
		return nil, err
	}
	escrow := NewEscrowService(db, redisClient, cfg)
	return &Services{
		Orders:   NewOrderService(db, cfg, policy, escrow),
		Escrow:   escrow,
		Payments: NewPaymentService(db, cfg, escrow),
		Payouts:  NewPayoutService(db, cfg),
	}, nil
}

// WithClock 测试用
func (s *Services) WithClock(now func() time.Time) *Services {
	s.Orders.WithClock(now)
	s.Escrow.WithClock(now)
	s.Payments.WithClock(now)
	s.Payouts.WithClock(now)
	return s
}
