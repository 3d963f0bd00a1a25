package job

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"escrowpay/internal/infrastructure/mq"
	"escrowpay/internal/model"
	"escrowpay/internal/repository"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publish(t *testing.T, f *fixture, topic, key string, payload interface{}) {
	t.Helper()
	require.NoError(t, repository.NewOutboxRepository(f.db).Publish(context.Background(), nil, topic, key, payload))
}

func outboxStatus(t *testing.T, f *fixture, id int64) model.OutboxMessage {
	t.Helper()
	var msg model.OutboxMessage
	require.NoError(t, f.db.First(&msg, id).Error)
	return msg
}

func TestOutboxSender_SchedulesReleaseInDelayQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	due := f.clock.now().Add(7 * day)

	publish(t, f, model.TopicReleaseSchedule, model.ReleaseJobID(3), model.ReleaseScheduleMessage{
		ReleaseJob: model.ReleaseJob{OrderID: 2, EscrowHoldID: 3},
		DeliverAt:  due.UnixMilli(),
	})
	f.sender.processPendingMessages(ctx)

	at, ok, err := f.queue.ScheduledAt(ctx, model.ReleaseJobID(3))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, due.UnixMilli(), at.UnixMilli())
	assert.Empty(t, f.producer.topics())
	assert.Equal(t, model.OutboxStatusSent, outboxStatus(t, f, 1).Status)

	// 延迟队列里的载荷就是放款任务本身
	f.clock.advance(7 * day)
	jobs, err := f.queue.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	rj, err := ParseReleasePayload(jobs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, model.ReleaseJob{OrderID: 2, EscrowHoldID: 3}, rj)
}

func TestOutboxSender_DuplicateScheduleIsHarmless(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := model.ReleaseScheduleMessage{
		ReleaseJob: model.ReleaseJob{OrderID: 2, EscrowHoldID: 3},
		DeliverAt:  f.clock.now().Add(time.Hour).UnixMilli(),
	}
	publish(t, f, model.TopicReleaseSchedule, model.ReleaseJobID(3), msg)
	publish(t, f, model.TopicReleaseSchedule, model.ReleaseJobID(3), msg)

	f.sender.processPendingMessages(ctx)

	assert.Equal(t, model.OutboxStatusSent, outboxStatus(t, f, 1).Status)
	assert.Equal(t, model.OutboxStatusSent, outboxStatus(t, f, 2).Status)
	n, err := f.redis.ZCard(ctx, f.cfg.Queue.KeyPrefix+":schedule").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestOutboxSender_SendsKafkaTopics(t *testing.T) {
	f := newFixture(t)
	publish(t, f, "payment.received", "ESC1", model.PaymentReceivedEvent{OrderID: 1, BuyerID: 100, SellerID: 200})

	f.sender.processPendingMessages(context.Background())

	require.Len(t, f.producer.sent, 1)
	sent := f.producer.sent[0]
	assert.Equal(t, "payment.received", sent.topic)
	assert.Equal(t, "ESC1", sent.key)
	assert.JSONEq(t, `{"order_id":1,"buyer_id":100,"seller_id":200}`, sent.value)
	assert.Equal(t, model.OutboxStatusSent, outboxStatus(t, f, 1).Status)
}

func TestOutboxSender_MarksFailedAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.producer.err = errors.New("broker unavailable")
	publish(t, f, "payout.due", "PO1", model.PayoutDueEvent{PayoutID: 1})

	for i := 0; i < f.cfg.Business.MaxRetryCount; i++ {
		f.sender.processPendingMessages(ctx)
	}

	msg := outboxStatus(t, f, 1)
	assert.Equal(t, model.OutboxStatusFailed, msg.Status)
	assert.Equal(t, f.cfg.Business.MaxRetryCount, msg.RetryCount)

	// 人工重投后恢复发送
	ok, err := repository.NewOutboxRepository(f.db).Retry(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	f.producer.err = nil
	f.sender.processPendingMessages(ctx)
	assert.Equal(t, model.OutboxStatusSent, outboxStatus(t, f, 1).Status)
}

func TestOutboxSender_KafkaProducer(t *testing.T) {
	f := newFixture(t)
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event model.PayoutDueEvent
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if event.PayoutNo != "PO1" {
			return errors.New("unexpected payout")
		}
		return nil
	})
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sender := NewOutboxSender(f.db, f.cfg, mq.NewKafkaProducer(sp), f.queue)
	publish(t, f, "payout.due", "PO1", model.PayoutDueEvent{PayoutID: 1, PayoutNo: "PO1"})
	publish(t, f, "payout.due", "PO2", model.PayoutDueEvent{PayoutID: 2, PayoutNo: "PO2"})

	sender.processPendingMessages(context.Background())

	assert.Equal(t, model.OutboxStatusSent, outboxStatus(t, f, 1).Status)
	second := outboxStatus(t, f, 2)
	assert.Equal(t, model.OutboxStatusPending, second.Status)
	assert.Equal(t, 1, second.RetryCount)
	require.NoError(t, sp.Close())
}
