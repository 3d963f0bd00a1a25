package service

import (
	"context"
	"testing"
	"time"

	"escrowpay/internal/config"
	"escrowpay/internal/gateway"
	"escrowpay/internal/model"
	"escrowpay/internal/testutil"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

const day = 24 * time.Hour

func testConfig() *config.Config {
	return &config.Config{
		Business: config.BusinessConfig{Currency: "ZAR", MaxRetryCount: 5},
		Fee:      config.FeeConfig{BuyerFeeRate: "0.05", SellerFeeRate: "0.10", ReserveDays: 7},
		Escrow:   config.EscrowConfig{DefaultDeliveryDays: 7},
		Kafka: config.KafkaConfig{Topic: config.KafkaTopicConfig{
			PaymentReceived:   "payment.received",
			PayoutDue:         "payout.due",
			ReleaseDeadLetter: "escrow.release.dead_letter",
		}},
		Gateways: config.GatewaysConfig{
			PayFast: config.PayFastConfig{Sandbox: true},
			Ozow:    config.OzowConfig{Sandbox: true, FeeRate: "0.025", FeeFlatMinor: 200},
		},
	}
}

type fixture struct {
	db       *gorm.DB
	cfg      *config.Config
	clock    *testClock
	orders   *OrderService
	escrow   *EscrowService
	payments *PaymentService
	payouts  *PayoutService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	cfg := testConfig()
	policy, err := cfg.FeePolicy()
	require.NoError(t, err)

	clock := &testClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	escrow := NewEscrowService(db, nil, cfg).WithClock(clock.now)
	return &fixture{
		db:       db,
		cfg:      cfg,
		clock:    clock,
		escrow:   escrow,
		orders:   NewOrderService(db, cfg, policy, escrow).WithClock(clock.now),
		payments: NewPaymentService(db, cfg, escrow).WithClock(clock.now),
		payouts:  NewPayoutService(db, cfg).WithClock(clock.now),
	}
}

func (f *fixture) checkout(t *testing.T, gross int64) *model.Order {
	t.Helper()
	order, err := f.orders.CreateCheckout(context.Background(), &CheckoutRequest{
		BuyerID:     100,
		SellerID:    200,
		GrossAmount: gross,
	})
	require.NoError(t, err)
	return order
}

func callback(order *model.Order, ref string, gross int64, status gateway.CallbackStatus) *gateway.VerifiedCallback {
	return &gateway.VerifiedCallback{
		Gateway:          model.GatewayPayFast,
		PaymentRef:       order.PaymentRef,
		GatewayReference: ref,
		Status:           status,
		GatewayStatus:    "COMPLETE",
		GrossAmount:      gross,
		GatewayFee:       230,
		NetAmount:        gross - 230,
		FeeReported:      true,
		Fields:           map[string]string{"pf_payment_id": ref},
		RawPayload:       "m_payment_id=" + order.PaymentRef + "&pf_payment_id=" + ref,
		ContentType:      "application/x-www-form-urlencoded",
	}
}

func (f *fixture) pay(t *testing.T, order *model.Order) *RecordResult {
	t.Helper()
	res, err := f.payments.RecordPayment(context.Background(), callback(order, "pf-"+order.OrderNo, order.GrossAmount, gateway.CallbackSuccess))
	require.NoError(t, err)
	return res
}

func count(t *testing.T, db *gorm.DB, m interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(m).Count(&n).Error)
	return n
}

func reload[T any](t *testing.T, db *gorm.DB, id int64) *T {
	t.Helper()
	var v T
	require.NoError(t, db.First(&v, id).Error)
	return &v
}

func profile(t *testing.T, db *gorm.DB, sellerID int64) model.SellerProfile {
	t.Helper()
	var p model.SellerProfile
	err := db.Where("seller_id = ?", sellerID).First(&p).Error
	if err == gorm.ErrRecordNotFound {
		return model.SellerProfile{SellerID: sellerID}
	}
	require.NoError(t, err)
	return p
}
