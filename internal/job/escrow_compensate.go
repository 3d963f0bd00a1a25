package job

import (
	"context"
	"encoding/json"
	"time"

	"escrowpay/internal/config"
	"escrowpay/internal/infrastructure/delayqueue"
	"escrowpay/internal/logger"
	"escrowpay/internal/model"

	"github.com/sirupsen/logrus"
)

// OverdueHoldLister 查询到期仍未放款的托管
type OverdueHoldLister interface {
	ListOverdueHolds(ctx context.Context, grace time.Duration, afterID int64, limit int) ([]*model.EscrowHold, error)
}

// EscrowCompensateJob 补偿任务：到期超过 grace 仍为 HELD 的托管重新入队。
// 入队幂等，队列中已有的任务和死信都不会被覆盖。
// 每轮从 cursor 之后扫描一批，扫到末尾再从头开始，积压的托管不会挡住后面的。
type EscrowCompensateJob struct {
	holds     OverdueHoldLister
	queue     *delayqueue.Queue
	stopCh    chan struct{}
	interval  time.Duration
	grace     time.Duration
	batchSize int
	cursor    int64
	now       func() time.Time
	log       *logrus.Entry
}

func NewEscrowCompensateJob(holds OverdueHoldLister, queue *delayqueue.Queue, cfg *config.Config) *EscrowCompensateJob {
	interval := cfg.Escrow.CompensateInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &EscrowCompensateJob{
		holds:     holds,
		queue:     queue,
		stopCh:    make(chan struct{}),
		interval:  interval,
		grace:     cfg.Escrow.CompensateGrace,
		batchSize: 100,
		now:       time.Now,
		log:       logger.Log.WithField("job", "escrow_compensate"),
	}
}

// WithClock 测试用
func (j *EscrowCompensateJob) WithClock(now func() time.Time) *EscrowCompensateJob {
	j.now = now
	return j
}

func (j *EscrowCompensateJob) Start(ctx context.Context) {
	j.log.Info("托管补偿任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("任务停止")
			return
		case <-ticker.C:
			j.compensate(ctx)
		}
	}
}

func (j *EscrowCompensateJob) Stop() {
	close(j.stopCh)
}

func (j *EscrowCompensateJob) compensate(ctx context.Context) int {
	holds, err := j.holds.ListOverdueHolds(ctx, j.grace, j.cursor, j.batchSize)
	if err != nil {
		j.log.WithError(err).Error("查询逾期托管失败")
		return 0
	}
	if len(holds) < j.batchSize {
		j.cursor = 0
	} else {
		j.cursor = holds[len(holds)-1].ID
	}
	if len(holds) == 0 {
		return 0
	}

	requeued := 0
	for _, hold := range holds {
		entry := j.log.WithFields(logrus.Fields{"hold_id": hold.ID, "order_id": hold.OrderID, "release_due_at": hold.ReleaseDueAt})

		body, err := json.Marshal(model.ReleaseJob{OrderID: hold.OrderID, EscrowHoldID: hold.ID})
		if err != nil {
			entry.WithError(err).Error("序列化放款任务失败")
			continue
		}
		created, err := j.queue.Enqueue(ctx, model.ReleaseJobID(hold.ID), body, j.now())
		if err != nil {
			entry.WithError(err).Error("重新排期失败")
			continue
		}
		if created {
			requeued++
			entry.Warn("发现逾期未放款的托管，已重新排期")
		}
	}

	if requeued > 0 {
		j.log.WithField("count", requeued).Info("本次重新排期完成")
	}
	return requeued
}
