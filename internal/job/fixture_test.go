package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"escrowpay/internal/config"
	"escrowpay/internal/gateway"
	"escrowpay/internal/infrastructure/delayqueue"
	"escrowpay/internal/model"
	"escrowpay/internal/service"
	"escrowpay/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const day = 24 * time.Hour

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type sentMessage struct {
	topic, key, value string
}

type fakeProducer struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (p *fakeProducer) SendMessage(topic, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, sentMessage{topic, key, value})
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sent))
	for _, m := range p.sent {
		out = append(out, m.topic)
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Business: config.BusinessConfig{Currency: "ZAR", MaxRetryCount: 3},
		Fee:      config.FeeConfig{BuyerFeeRate: "0.05", SellerFeeRate: "0.10", ReserveDays: 7},
		Escrow:   config.EscrowConfig{DefaultDeliveryDays: 7, CompensateGrace: time.Hour},
		Queue: config.QueueConfig{
			KeyPrefix:         "test:release",
			BatchSize:         10,
			VisibilityTimeout: 30 * time.Second,
			MaxAttempts:       3,
			BackoffBase:       10 * time.Second,
			BackoffMax:        time.Minute,
		},
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

func newQueue(client *redis.Client, cfg *config.Config, clock *testClock) *delayqueue.Queue {
	return delayqueue.New(client, delayqueue.Options{
		KeyPrefix:         cfg.Queue.KeyPrefix,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		BackoffBase:       cfg.Queue.BackoffBase,
		BackoffMax:        cfg.Queue.BackoffMax,
	}).WithClock(clock.now)
}

type fixture struct {
	db       *gorm.DB
	cfg      *config.Config
	clock    *testClock
	mr       *miniredis.Miniredis
	redis    *redis.Client
	queue    *delayqueue.Queue
	producer *fakeProducer
	orders   *service.OrderService
	escrow   *service.EscrowService
	payments *service.PaymentService
	payouts  *service.PayoutService
	sender   *OutboxSender
	worker   *ReleaseWorker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	mr, client := testutil.NewRedis(t)
	cfg := testConfig()
	policy, err := cfg.FeePolicy()
	require.NoError(t, err)

	clock := &testClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	queue := newQueue(client, cfg, clock)
	producer := &fakeProducer{}
	escrow := service.NewEscrowService(db, client, cfg).WithClock(clock.now)

	return &fixture{
		db:       db,
		cfg:      cfg,
		clock:    clock,
		mr:       mr,
		redis:    client,
		queue:    queue,
		producer: producer,
		escrow:   escrow,
		orders:   service.NewOrderService(db, cfg, policy, escrow).WithClock(clock.now),
		payments: service.NewPaymentService(db, cfg, escrow).WithClock(clock.now),
		payouts:  service.NewPayoutService(db, cfg).WithClock(clock.now),
		sender:   NewOutboxSender(db, cfg, producer, queue),
		worker:   NewReleaseWorker(db, client, queue, escrow, cfg),
	}
}

// paidOrder 下单并完成付款，返回托管记录
func (f *fixture) paidOrder(t *testing.T, gross int64) (*model.Order, *model.EscrowHold) {
	t.Helper()
	ctx := context.Background()

	order, err := f.orders.CreateCheckout(ctx, &service.CheckoutRequest{BuyerID: 100, SellerID: 200, GrossAmount: gross})
	require.NoError(t, err)

	ref := "pf-" + order.OrderNo
	res, err := f.payments.RecordPayment(ctx, &gateway.VerifiedCallback{
		Gateway:          model.GatewayPayFast,
		PaymentRef:       order.PaymentRef,
		GatewayReference: ref,
		Status:           gateway.CallbackSuccess,
		GatewayStatus:    "COMPLETE",
		GrossAmount:      gross,
		GatewayFee:       230,
		NetAmount:        gross - 230,
		FeeReported:      true,
		Fields:           map[string]string{"pf_payment_id": ref},
		RawPayload:       "pf_payment_id=" + ref,
		ContentType:      "application/x-www-form-urlencoded",
	})
	require.NoError(t, err)
	return res.Order, res.Hold
}

func holdStatus(t *testing.T, db *gorm.DB, id int64) model.EscrowStatus {
	t.Helper()
	var hold model.EscrowHold
	require.NoError(t, db.First(&hold, id).Error)
	return hold.Status
}

func outboxByTopic(t *testing.T, db *gorm.DB, topic string) []model.OutboxMessage {
	t.Helper()
	var msgs []model.OutboxMessage
	require.NoError(t, db.Where("topic = ?", topic).Order("id").Find(&msgs).Error)
	return msgs
}
