package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"escrowpay/internal/config"
	"escrowpay/internal/infrastructure/delayqueue"
	"escrowpay/internal/infrastructure/mq"
	"escrowpay/internal/logger"
	"escrowpay/internal/model"
	"escrowpay/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OutboxSender 投递 outbox 消息：放款排期进延迟队列，其余发 Kafka
type OutboxSender struct {
	db         *gorm.DB
	outboxRepo *repository.OutboxRepository
	producer   mq.Producer
	queue      *delayqueue.Queue
	cfg        *config.Config
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	log        *logrus.Entry
}

func NewOutboxSender(db *gorm.DB, cfg *config.Config, producer mq.Producer, queue *delayqueue.Queue) *OutboxSender {
	return &OutboxSender{
		db:         db,
		outboxRepo: repository.NewOutboxRepository(db),
		producer:   producer,
		queue:      queue,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
		log:        logger.Log.WithField("job", "outbox_sender"),
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.log.Info("任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.WithError(err).Error("查询消息失败")
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	entry := s.log.WithFields(logrus.Fields{"id": msg.ID, "topic": msg.Topic, "key": msg.MessageKey})

	err := s.dispatch(ctx, msg)
	if err == nil {
		if updateErr := s.outboxRepo.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); updateErr != nil {
			entry.WithError(updateErr).Error("更新消息状态失败")
		} else {
			entry.Debug("消息发送成功")
		}
		return
	}

	entry.WithError(err).Warn("消息发送失败")

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		entry.WithError(err).Error("增加重试次数失败")
	}

	if msg.RetryCount+1 >= s.cfg.Business.MaxRetryCount {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			entry.WithError(err).Error("标记消息失败状态失败")
		} else {
			entry.Error("消息超过最大重试次数，标记为失败")
		}
	}
}

func (s *OutboxSender) dispatch(ctx context.Context, msg *model.OutboxMessage) error {
	if msg.Topic == model.TopicReleaseSchedule {
		return s.schedule(ctx, msg)
	}
	return s.producer.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)
}

// schedule 放款排期写入延迟队列，重复投递由队列去重
func (s *OutboxSender) schedule(ctx context.Context, msg *model.OutboxMessage) error {
	var m model.ReleaseScheduleMessage
	if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
		return fmt.Errorf("解析放款排期失败: %w", err)
	}
	body, err := json.Marshal(m.ReleaseJob)
	if err != nil {
		return err
	}

	created, err := s.queue.Enqueue(ctx, model.ReleaseJobID(m.EscrowHoldID), body, time.UnixMilli(m.DeliverAt))
	if err != nil {
		return err
	}
	if !created {
		s.log.WithField("hold_id", m.EscrowHoldID).Info("放款任务已存在，跳过")
	}
	return nil
}
