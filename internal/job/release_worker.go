package job

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"escrowpay/internal/config"
	"escrowpay/internal/infrastructure/delayqueue"
	"escrowpay/internal/infrastructure/lock"
	"escrowpay/internal/logger"
	"escrowpay/internal/model"
	"escrowpay/internal/repository"
	"escrowpay/internal/service"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var ErrMalformedJob = errors.New("放款任务载荷非法")

// Ledger 放款入口，测试中可替换
type Ledger interface {
	Release(ctx context.Context, holdID int64, trigger string) (*service.ReleaseResult, error)
	ReleaseByOrder(ctx context.Context, orderID int64, trigger string) (*service.ReleaseResult, error)
}

// ReleaseWorker 消费延迟队列中的到期放款任务
//
// 成功或业务终态错误（已放款、已退款、订单争议中等）直接 Ack；
// 其余错误 Nack 退避重试，超过次数进入死信并通过 outbox 通知。
type ReleaseWorker struct {
	queue       *delayqueue.Queue
	ledger      Ledger
	redisClient *redis.Client
	outboxRepo  *repository.OutboxRepository
	cfg         *config.Config
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
	log         *logrus.Entry
}

func NewReleaseWorker(db *gorm.DB, redisClient *redis.Client, queue *delayqueue.Queue, ledger Ledger, cfg *config.Config) *ReleaseWorker {
	interval := cfg.Queue.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	batchSize := cfg.Queue.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	return &ReleaseWorker{
		queue:       queue,
		ledger:      ledger,
		redisClient: redisClient,
		outboxRepo:  repository.NewOutboxRepository(db),
		cfg:         cfg,
		stopCh:      make(chan struct{}),
		interval:    interval,
		batchSize:   batchSize,
		log:         logger.Log.WithField("job", "release_worker"),
	}
}

func (w *ReleaseWorker) Start(ctx context.Context) {
	w.log.Info("放款任务消费者启动")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("收到停止信号，任务退出")
			return
		case <-w.stopCh:
			w.log.Info("任务停止")
			return
		case <-ticker.C:
			// 一批处理满说明还有积压，继续领取
			for w.poll(ctx) == w.batchSize {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

func (w *ReleaseWorker) Stop() {
	close(w.stopCh)
}

func (w *ReleaseWorker) poll(ctx context.Context) int {
	jobs, err := w.queue.Claim(ctx, w.batchSize)
	if err != nil {
		w.log.WithError(err).Error("领取放款任务失败")
		return 0
	}
	for _, job := range jobs {
		w.handle(ctx, job)
	}
	return len(jobs)
}

func (w *ReleaseWorker) handle(ctx context.Context, job delayqueue.Job) {
	entry := w.log.WithFields(logrus.Fields{"job_id": job.ID, "attempts": job.Attempts})

	rj, err := ParseReleasePayload(job.Payload)
	if err != nil {
		// 载荷无法解析，重试没有意义
		job.LastError = err.Error()
		if dlErr := w.queue.DeadLetter(ctx, job); dlErr != nil {
			entry.WithError(dlErr).Error("写入死信失败")
			return
		}
		w.onDeadLetter(ctx, job, entry)
		return
	}
	entry = entry.WithFields(logrus.Fields{"hold_id": rj.EscrowHoldID, "order_id": rj.OrderID})

	if w.redisClient != nil && rj.EscrowHoldID != 0 {
		holdLock := lock.NewHoldLock(w.redisClient, rj.EscrowHoldID)
		ok, err := holdLock.TryLock(ctx)
		if err != nil {
			w.nack(ctx, job, fmt.Errorf("获取托管锁失败: %w", err), entry)
			return
		}
		if !ok {
			// 其他 worker 正在处理，租约到期后会再次领取
			entry.Debug("托管正在被其他 worker 处理")
			return
		}
		defer holdLock.Unlock(ctx)
	}

	if rj.EscrowHoldID != 0 {
		_, err = w.ledger.Release(ctx, rj.EscrowHoldID, service.TriggerScheduler)
	} else {
		_, err = w.ledger.ReleaseByOrder(ctx, rj.OrderID, service.TriggerScheduler)
	}

	switch {
	case err == nil:
		entry.Info("放款任务完成")
	case service.IsTerminal(err):
		entry.WithError(err).Info("放款任务无需执行")
	default:
		w.nack(ctx, job, err, entry)
		return
	}
	if err := w.queue.Ack(ctx, job.ID); err != nil {
		entry.WithError(err).Error("确认放款任务失败")
	}
}

func (w *ReleaseWorker) nack(ctx context.Context, job delayqueue.Job, cause error, entry *logrus.Entry) {
	entry.WithError(cause).Warn("放款任务失败，稍后重试")

	dead, err := w.queue.Nack(ctx, job, cause)
	if err != nil {
		entry.WithError(err).Error("重新排期失败")
		return
	}
	if dead {
		job.Attempts++
		job.LastError = cause.Error()
		w.onDeadLetter(ctx, job, entry)
	}
}

func (w *ReleaseWorker) onDeadLetter(ctx context.Context, job delayqueue.Job, entry *logrus.Entry) {
	entry.WithField("last_error", job.LastError).Error("放款任务进入死信，需要人工处理")

	event := model.ReleaseDeadLetterEvent{
		JobID:    job.ID,
		Payload:  string(job.Payload),
		Attempts: job.Attempts,
		LastErr:  job.LastError,
	}
	if err := w.outboxRepo.Publish(ctx, nil, w.cfg.Kafka.Topic.ReleaseDeadLetter, job.ID, event); err != nil {
		entry.WithError(err).Error("写入死信通知失败")
	}
}

// flexID 兼容数字和字符串形式的 id
type flexID int64

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*f = flexID(n)
	return nil
}

// ParseReleasePayload 解析放款任务载荷，兼容三种写法：
//
//	{"order_id":1,"escrow_hold_id":2}
//	{"orderId":1,"escrowHoldId":2}
//	{"escrowId":2,"transactionId":3,"subscriptionPaymentId":4}
func ParseReleasePayload(raw []byte) (model.ReleaseJob, error) {
	var p struct {
		OrderID               flexID `json:"order_id"`
		EscrowHoldID          flexID `json:"escrow_hold_id"`
		OrderIDCamel          flexID `json:"orderId"`
		EscrowHoldIDCamel     flexID `json:"escrowHoldId"`
		EscrowID              flexID `json:"escrowId"`
		TransactionID         flexID `json:"transactionId"`
		SubscriptionPaymentID flexID `json:"subscriptionPaymentId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.ReleaseJob{}, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}

	rj := model.ReleaseJob{OrderID: int64(p.OrderID), EscrowHoldID: int64(p.EscrowHoldID)}
	if rj.OrderID == 0 {
		rj.OrderID = int64(p.OrderIDCamel)
	}
	if rj.EscrowHoldID == 0 {
		rj.EscrowHoldID = int64(p.EscrowHoldIDCamel)
	}
	if rj.EscrowHoldID == 0 {
		rj.EscrowHoldID = int64(p.EscrowID)
	}

	if rj.OrderID < 0 || rj.EscrowHoldID < 0 {
		return model.ReleaseJob{}, fmt.Errorf("%w: id 不能为负数", ErrMalformedJob)
	}
	if rj.OrderID == 0 && rj.EscrowHoldID == 0 {
		return model.ReleaseJob{}, fmt.Errorf("%w: 缺少 escrow_hold_id/order_id", ErrMalformedJob)
	}
	return rj, nil
}
