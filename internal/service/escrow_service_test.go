package service

import (
	"context"
	"encoding/json"
	"testing"

	"escrowpay/internal/model"
	"escrowpay/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelease_AfterDeliveryWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.checkout(t, 10000)
	res := f.pay(t, order)

	f.clock.advance(7 * day)
	rel, err := f.escrow.Release(ctx, res.Hold.ID, TriggerScheduler)
	require.NoError(t, err)

	assert.Equal(t, model.EscrowStatusReleased, rel.Hold.Status)
	assert.Equal(t, model.OrderStatusCompleted, rel.Order.Status)
	assert.Equal(t, int64(8572), rel.Payout.Amount)
	assert.Equal(t, "ZAR", rel.Payout.Currency)
	assert.Equal(t, model.PayoutStatusPending, rel.Payout.Status)
	assert.Equal(t, f.clock.now().Add(7*day), rel.Payout.AvailableAt)

	assert.Equal(t, model.EscrowStatusReleased, reload[model.EscrowHold](t, f.db, res.Hold.ID).Status)
	assert.Equal(t, model.OrderStatusCompleted, reload[model.Order](t, f.db, order.ID).Status)
	assert.Equal(t, int64(1), count(t, f.db, &model.SellerPayout{}))

	p := profile(t, f.db, 200)
	assert.Equal(t, int64(0), p.EscrowBalance)
	assert.Equal(t, int64(8572), p.PendingBalance)
}

func TestRelease_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.pay(t, f.checkout(t, 10000))

	_, err := f.escrow.Release(ctx, res.Hold.ID, TriggerScheduler)
	require.NoError(t, err)

	_, err = f.escrow.Release(ctx, res.Hold.ID, TriggerScheduler)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	assert.Equal(t, int64(1), count(t, f.db, &model.SellerPayout{}))
	assert.Equal(t, int64(8572), profile(t, f.db, 200).PendingBalance)
}

func TestRelease_BlockedByOrderState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.checkout(t, 10000)
	res := f.pay(t, order)

	_, err := f.orders.OpenDispute(ctx, order.ID)
	require.NoError(t, err)

	_, err = f.escrow.Release(ctx, res.Hold.ID, TriggerScheduler)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.NotErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, model.EscrowStatusHeld, reload[model.EscrowHold](t, f.db, res.Hold.ID).Status)
	assert.Zero(t, count(t, f.db, &model.SellerPayout{}))
}

func TestRelease_UnknownHold(t *testing.T) {
	f := newFixture(t)

	_, err := f.escrow.Release(context.Background(), 999, TriggerScheduler)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestRefund_BeforeRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.checkout(t, 10000)
	res := f.pay(t, order)

	f.clock.advance(2 * day)
	ref, err := f.escrow.Refund(ctx, &RefundRequest{OrderID: order.ID, Reason: "buyer changed mind"})
	require.NoError(t, err)

	assert.Equal(t, model.EscrowStatusRefunded, ref.Hold.Status)
	assert.Equal(t, model.OrderStatusCancelled, ref.Order.Status)
	assert.Equal(t, model.TransactionTypeRefund, ref.Transaction.Type)
	assert.Equal(t, model.GatewayInternal, ref.Transaction.Gateway)
	assert.Equal(t, ref.RefundNo, ref.Transaction.GatewayReference)
	var detail map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(reload[model.Transaction](t, f.db, ref.Transaction.ID).Fields), &detail))
	assert.Equal(t, ref.RefundNo, detail["refund_no"])
	assert.Equal(t, "buyer changed mind", detail["reason"])

	stored := reload[model.Order](t, f.db, order.ID)
	assert.Equal(t, model.OrderStatusCancelled, stored.Status)
	assert.Equal(t, "buyer changed mind", stored.CancelReason)
	assert.Equal(t, model.EscrowStatusRefunded, reload[model.EscrowHold](t, f.db, res.Hold.ID).Status)
	assert.Equal(t, int64(2), count(t, f.db, &model.Transaction{}))
	assert.Equal(t, int64(0), profile(t, f.db, 200).EscrowBalance)

	// 第 7 天放款任务触发：不产生任何变化
	f.clock.advance(5 * day)
	_, err = f.escrow.Release(ctx, res.Hold.ID, TriggerScheduler)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Equal(t, model.EscrowStatusRefunded, reload[model.EscrowHold](t, f.db, res.Hold.ID).Status)
	assert.Zero(t, count(t, f.db, &model.SellerPayout{}))
}

func TestRefund_Twice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.pay(t, f.checkout(t, 10000))

	_, err := f.escrow.Refund(ctx, &RefundRequest{EscrowHoldID: res.Hold.ID, Reason: "dup"})
	require.NoError(t, err)

	_, err = f.escrow.Refund(ctx, &RefundRequest{EscrowHoldID: res.Hold.ID, Reason: "dup"})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, int64(2), count(t, f.db, &model.Transaction{}))
}

func TestRefund_AfterReleaseRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.pay(t, f.checkout(t, 10000))

	_, err := f.escrow.Release(ctx, res.Hold.ID, TriggerScheduler)
	require.NoError(t, err)

	_, err = f.escrow.Refund(ctx, &RefundRequest{EscrowHoldID: res.Hold.ID, Reason: "too late"})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.NotErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, model.EscrowStatusReleased, reload[model.EscrowHold](t, f.db, res.Hold.ID).Status)
	assert.Equal(t, int64(8572), profile(t, f.db, 200).PendingBalance)
}

func TestRefund_DeliveredOrderRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.checkout(t, 10000)
	res := f.pay(t, order)

	_, err := f.orders.MarkDelivered(ctx, order.ID)
	require.NoError(t, err)

	_, err = f.escrow.Refund(ctx, &RefundRequest{EscrowHoldID: res.Hold.ID, Reason: "x"})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Equal(t, model.EscrowStatusHeld, reload[model.EscrowHold](t, f.db, res.Hold.ID).Status)
}

func TestRefund_RequiresTarget(t *testing.T) {
	f := newFixture(t)

	_, err := f.escrow.Refund(context.Background(), &RefundRequest{Reason: "x"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRefund_WithOrderLock(t *testing.T) {
	f := newFixture(t)
	_, client := testutil.NewRedis(t)
	escrow := NewEscrowService(f.db, client, f.cfg).WithClock(f.clock.now)
	order := f.checkout(t, 10000)
	f.pay(t, order)

	_, err := escrow.Refund(context.Background(), &RefundRequest{OrderID: order.ID, Reason: "locked"})
	require.NoError(t, err)

	// 锁已释放
	assert.Zero(t, client.Exists(context.Background(), "escrow:lock:order:1").Val())
}

func TestEscrow_ClampedBalanceUnderDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.checkout(t, 10000)
	res := f.pay(t, order)

	// 缓存被外部改小，扣减不会变成负数
	require.NoError(t, f.db.Model(&model.SellerProfile{}).Where("seller_id = ?", 200).
		Update("escrow_balance", 100).Error)

	_, err := f.escrow.Refund(ctx, &RefundRequest{EscrowHoldID: res.Hold.ID, Reason: "drift"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), profile(t, f.db, 200).EscrowBalance)
}

func TestListOverdueHolds(t *testing.T) {
	f := newFixture(t)
	res := f.pay(t, f.checkout(t, 10000))

	holds, err := f.escrow.ListOverdueHolds(context.Background(), 0, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, holds)

	f.clock.advance(8 * day)
	holds, err = f.escrow.ListOverdueHolds(context.Background(), day/2, 0, 10)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, res.Hold.ID, holds[0].ID)
}

func TestListOverdueHolds_SkipsBlockedOrdersAndPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	disputed := f.pay(t, f.checkout(t, 10000))
	_, err := f.orders.OpenDispute(ctx, disputed.Order.ID)
	require.NoError(t, err)
	working := f.pay(t, f.checkout(t, 10000))
	_, err = f.orders.MarkInProgress(ctx, working.Order.ID)
	require.NoError(t, err)
	first := f.pay(t, f.checkout(t, 10000))
	second := f.pay(t, f.checkout(t, 10000))
	_, err = f.orders.MarkDelivered(ctx, second.Order.ID)
	require.NoError(t, err)

	f.clock.advance(8 * day)
	holds, err := f.escrow.ListOverdueHolds(ctx, 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, holds, 2)
	assert.Equal(t, first.Hold.ID, holds[0].ID)
	assert.Equal(t, second.Hold.ID, holds[1].ID)

	page, err := f.escrow.ListOverdueHolds(ctx, 0, first.Hold.ID, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, second.Hold.ID, page[0].ID)
}
