package job

import (
	"context"
	"time"

	"escrowpay/internal/config"
	"escrowpay/internal/logger"

	"github.com/sirupsen/logrus"
)

// DuePayoutNotifier 为到期应付款发通知
type DuePayoutNotifier interface {
	NotifyDuePayouts(ctx context.Context, limit int) (int, error)
}

// PayoutSweepJob 定期扫描过了保留期的应付款，写 payout.due 消息
type PayoutSweepJob struct {
	payouts   DuePayoutNotifier
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
	log       *logrus.Entry
}

func NewPayoutSweepJob(payouts DuePayoutNotifier, cfg *config.Config) *PayoutSweepJob {
	interval := cfg.Escrow.PayoutSweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &PayoutSweepJob{
		payouts:   payouts,
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: 100,
		log:       logger.Log.WithField("job", "payout_sweep"),
	}
}

func (j *PayoutSweepJob) Start(ctx context.Context) {
	j.log.Info("应付款到期扫描任务启动")

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
			j.sweep(ctx)
		}
	}
}

func (j *PayoutSweepJob) Stop() {
	close(j.stopCh)
}

func (j *PayoutSweepJob) sweep(ctx context.Context) {
	n, err := j.payouts.NotifyDuePayouts(ctx, j.batchSize)
	if err != nil {
		j.log.WithError(err).Error("写入到期通知失败")
	}
	if n > 0 {
		j.log.WithField("count", n).Info("应付款到期通知已写入")
	}
}
