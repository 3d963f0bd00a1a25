package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"escrowpay/internal/config"
	"escrowpay/internal/model"
	"escrowpay/internal/service"
	"escrowpay/pkg/response"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) paid(t *testing.T, gross int64) *model.Order {
	t.Helper()
	order := f.checkout(t, gross)
	w := f.do(payFastRequest(payFastFields(order, "pf-"+order.OrderNo, fmt.Sprintf("%d.%02d", gross/100, gross%100), "COMPLETE"), testPassphrase))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return order
}

func TestCreateCheckout(t *testing.T) {
	f := newFixture(t)

	w, env := f.postJSON(t, "/api/v1/checkout", map[string]interface{}{
		"buyer_id":     100,
		"seller_id":    200,
		"gross_amount": 10000,
		"gateway":      "OZOW",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)

	var order model.Order
	require.NoError(t, json.Unmarshal(env.Data, &order))
	assert.Equal(t, model.OrderStatusPendingPayment, order.Status)
	assert.Equal(t, int64(8572), order.SellerPayoutAmount)
	assert.Equal(t, int64(450), order.BuyerProcessingFee)
	assert.NotEmpty(t, order.PaymentRef)

	_, env = f.get(t, "/api/v1/orders?order_no="+order.OrderNo)
	assert.Equal(t, response.CodeSuccess, env.Code)

	_, env = f.postJSON(t, "/api/v1/checkout", map[string]interface{}{"buyer_id": 100})
	assert.Equal(t, response.CodeParamError, env.Code)
}

func TestOrderEndpoints(t *testing.T) {
	f := newFixture(t)
	order := f.paid(t, 10000)
	base := fmt.Sprintf("/api/v1/orders/%d", order.ID)

	_, env := f.postJSON(t, base+"/in-progress", nil)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)

	_, env = f.postJSON(t, base+"/in-progress", nil)
	assert.Equal(t, response.CodeAlreadyProcessed, env.Code)

	_, env = f.postJSON(t, base+"/cancel", map[string]string{"reason": "changed mind"})
	assert.Equal(t, response.CodeInvalidState, env.Code)

	_, env = f.postJSON(t, base+"/accept", nil)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	var result service.ReleaseResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, model.EscrowStatusReleased, result.Hold.Status)
	assert.Equal(t, model.OrderStatusCompleted, result.Order.Status)

	_, env = f.get(t, "/api/v1/escrow/1")
	require.Equal(t, response.CodeSuccess, env.Code)
	var detail service.HoldDetail
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	require.NotNil(t, detail.Payout)
	assert.Equal(t, detail.Hold.ID, detail.Payout.EscrowHoldID)
	assert.Equal(t, order.SellerPayoutAmount, detail.Payout.Amount)

	_, env = f.get(t, "/api/v1/orders/999")
	assert.Equal(t, response.CodeOrderNotFound, env.Code)

	_, env = f.get(t, "/api/v1/orders/abc")
	assert.Equal(t, response.CodeParamError, env.Code)
}

func TestListSellerOrders(t *testing.T) {
	f := newFixture(t)
	f.checkout(t, 10000)
	f.checkout(t, 20000)

	_, env := f.get(t, "/api/v1/orders?seller_id=200&page=1&page_size=1")
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	var page struct {
		List  []model.Order `json:"list"`
		Total int64         `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, int64(2), page.Total)
	assert.Len(t, page.List, 1)

	_, env = f.get(t, "/api/v1/orders?seller_id=abc")
	assert.Equal(t, response.CodeParamError, env.Code)
	_, env = f.get(t, "/api/v1/orders")
	assert.Equal(t, response.CodeParamError, env.Code)
}

func TestRefundEndpoint(t *testing.T) {
	f := newFixture(t)
	order := f.paid(t, 10000)

	_, env := f.postJSON(t, "/api/v1/refunds", map[string]interface{}{"order_id": order.ID})
	assert.Equal(t, response.CodeParamError, env.Code)

	_, env = f.postJSON(t, "/api/v1/refunds", map[string]interface{}{"order_id": order.ID, "reason": "out of stock"})
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)

	_, env = f.postJSON(t, "/api/v1/refunds", map[string]interface{}{"order_id": order.ID, "reason": "again"})
	assert.Equal(t, response.CodeAlreadyProcessed, env.Code)

	// 已退款的托管不能再放款
	_, env = f.postJSON(t, "/api/v1/escrow/1/release", nil)
	assert.Equal(t, response.CodeInvalidState, env.Code)

	_, env = f.get(t, "/api/v1/escrow/1")
	require.Equal(t, response.CodeSuccess, env.Code)
	var detail service.HoldDetail
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.Equal(t, model.EscrowStatusRefunded, detail.Hold.Status)
	assert.Nil(t, detail.Payout)
}

func TestPayoutEndpoints(t *testing.T) {
	f := newFixture(t)
	order := f.paid(t, 10000)

	_, env := f.postJSON(t, fmt.Sprintf("/api/v1/orders/%d/accept", order.ID), nil)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	var result service.ReleaseResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	payoutPath := fmt.Sprintf("/api/v1/payouts/%d", result.Payout.ID)

	var due struct {
		Total int `json:"total"`
	}
	_, env = f.get(t, "/api/v1/payouts?seller_id=200")
	require.Equal(t, response.CodeSuccess, env.Code)
	require.NoError(t, json.Unmarshal(env.Data, &due))
	assert.Zero(t, due.Total)

	_, env = f.postJSON(t, payoutPath+"/completed", nil)
	assert.Equal(t, response.CodePayoutNotAvailable, env.Code)

	f.clock.advance(7 * 24 * time.Hour)
	_, env = f.get(t, "/api/v1/payouts?seller_id=200")
	require.NoError(t, json.Unmarshal(env.Data, &due))
	assert.Equal(t, 1, due.Total)

	_, env = f.get(t, "/api/v1/sellers/200/summary")
	require.Equal(t, response.CodeSuccess, env.Code)
	var summary service.SellerSummary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, int64(8572), summary.AvailableToWithdraw)
	assert.False(t, summary.Drift)

	_, env = f.postJSON(t, payoutPath+"/processing", nil)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	_, env = f.postJSON(t, payoutPath+"/failed", map[string]string{"reason": "account closed"})
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)

	_, env = f.get(t, payoutPath)
	var payout model.SellerPayout
	require.NoError(t, json.Unmarshal(env.Data, &payout))
	assert.Equal(t, model.PayoutStatusFailed, payout.Status)
	assert.Equal(t, "account closed", payout.FailureReason)

	_, env = f.get(t, "/api/v1/payouts/999")
	assert.Equal(t, response.CodePayoutNotFound, env.Code)
}

func TestDeadLetterEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, "release:5", []byte(`{"escrow_hold_id":5}`), f.clock.now())
	require.NoError(t, err)
	jobs, err := f.queue.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, f.queue.DeadLetter(ctx, jobs[0]))

	_, env := f.get(t, "/api/v1/release-jobs/dead")
	require.Equal(t, response.CodeSuccess, env.Code)
	var list struct {
		List []struct {
			ID string `json:"id"`
		} `json:"list"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "release:5", list.List[0].ID)

	_, env = f.postJSON(t, "/api/v1/release-jobs/dead/release:5/requeue", nil)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	_, ok, err := f.queue.ScheduledAt(ctx, "release:5")
	require.NoError(t, err)
	assert.True(t, ok)

	_, env = f.postJSON(t, "/api/v1/release-jobs/dead/release:5/requeue", nil)
	assert.Equal(t, response.CodeJobNotFound, env.Code)
}

func TestRetryOutboxEndpoint(t *testing.T) {
	f := newFixture(t)
	msg := &model.OutboxMessage{MessageKey: "PO1", Topic: "payout.due", Payload: "{}", Status: model.OutboxStatusFailed, RetryCount: 3}
	require.NoError(t, f.db.Create(msg).Error)

	_, env := f.get(t, "/api/v1/outbox")
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	var failed struct {
		List  []model.OutboxMessage `json:"list"`
		Total int                   `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &failed))
	require.Equal(t, 1, failed.Total)
	assert.Equal(t, msg.ID, failed.List[0].ID)

	_, env = f.get(t, "/api/v1/outbox?limit=0")
	assert.Equal(t, response.CodeParamError, env.Code)

	_, env = f.postJSON(t, fmt.Sprintf("/api/v1/outbox/%d/retry", msg.ID), nil)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)

	var stored model.OutboxMessage
	require.NoError(t, f.db.First(&stored, msg.ID).Error)
	assert.Equal(t, model.OutboxStatusPending, stored.Status)
	assert.Zero(t, stored.RetryCount)

	_, env = f.postJSON(t, fmt.Sprintf("/api/v1/outbox/%d/retry", msg.ID), nil)
	assert.Equal(t, response.CodeNotFound, env.Code)
}

func TestAdminRateLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Server.AdminRateLimit = 2
	})

	for i := 0; i < 2; i++ {
		w, _ := f.get(t, "/api/v1/payouts")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}
	w, env := f.get(t, "/api/v1/payouts")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, response.CodeTooManyReq, env.Code)

	// 回调不受管理接口限流影响
	assert.Equal(t, http.StatusOK, f.do(payFastRequest(payFastFields(&model.Order{PaymentRef: "x"}, "1", "1.00", "COMPLETE"), testPassphrase)).Code)
}
