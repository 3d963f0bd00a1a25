package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrowpay/internal/config"
	"escrowpay/internal/logger"
	"escrowpay/internal/model"
	"escrowpay/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PayoutService 卖家应付款汇总与状态流转。
// 实际打款由外部系统完成，这里只记录结果。
type PayoutService struct {
	db         *gorm.DB
	cfg        *config.Config
	payoutRepo *repository.PayoutRepository
	escrowRepo *repository.EscrowRepository
	sellerRepo *repository.SellerRepository
	outboxRepo *repository.OutboxRepository
	now        func() time.Time
	log        *logrus.Entry
}

func NewPayoutService(db *gorm.DB, cfg *config.Config) *PayoutService {
	return &PayoutService{
		db:         db,
		cfg:        cfg,
		payoutRepo: repository.NewPayoutRepository(db),
		escrowRepo: repository.NewEscrowRepository(db),
		sellerRepo: repository.NewSellerRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
		now:        time.Now,
		log:        logger.Component("payout"),
	}
}

// WithClock 测试用
func (s *PayoutService) WithClock(now func() time.Time) *PayoutService {
	s.now = now
	return s
}

// CollectDuePayouts 已过保留期、可以打款的应付款
func (s *PayoutService) CollectDuePayouts(ctx context.Context, sellerID *int64) ([]model.SellerPayout, error) {
	return s.payoutRepo.ListDue(ctx, sellerID, s.now().UTC(), 0)
}

type SellerSummary struct {
	SellerID             int64 `json:"seller_id"`
	PendingEscrow        int64 `json:"pending_escrow"`        // 托管中
	Reserved             int64 `json:"reserved"`              // 已放款，保留期内
	AvailableToWithdraw  int64 `json:"available_to_withdraw"` // 已过保留期
	Processing           int64 `json:"processing"`            // 打款中
	LifetimeEarned       int64 `json:"lifetime_earned"`
	CachedEscrowBalance  int64 `json:"cached_escrow_balance"`
	CachedPendingBalance int64 `json:"cached_pending_balance"`
	Drift                bool  `json:"drift"`
}

// SellerSummary 以托管和应付款记录为准计算，同时对比余额缓存
func (s *PayoutService) SellerSummary(ctx context.Context, sellerID int64) (*SellerSummary, error) {
	now := s.now().UTC()
	sum := &SellerSummary{SellerID: sellerID}

	var err error
	if sum.PendingEscrow, err = s.escrowRepo.SumPayoutBySeller(ctx, sellerID, model.EscrowStatusHeld); err != nil {
		return nil, err
	}
	if sum.LifetimeEarned, err = s.escrowRepo.SumPayoutBySeller(ctx, sellerID, model.EscrowStatusReleased); err != nil {
		return nil, err
	}
	if sum.Reserved, sum.AvailableToWithdraw, err = s.payoutRepo.SumPendingBySeller(ctx, sellerID, now); err != nil {
		return nil, err
	}
	if sum.Processing, err = s.payoutRepo.SumBySellerStatus(ctx, sellerID, model.PayoutStatusProcessing); err != nil {
		return nil, err
	}

	profile, err := s.sellerRepo.Get(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	sum.CachedEscrowBalance = profile.EscrowBalance
	sum.CachedPendingBalance = profile.PendingBalance

	owed := sum.Reserved + sum.AvailableToWithdraw + sum.Processing
	if profile.EscrowBalance != sum.PendingEscrow || profile.PendingBalance != owed {
		sum.Drift = true
		s.log.WithFields(logrus.Fields{
			"seller_id":      sellerID,
			"cached_escrow":  profile.EscrowBalance,
			"ledger_escrow":  sum.PendingEscrow,
			"cached_pending": profile.PendingBalance,
			"ledger_pending": owed,
		}).Warn("卖家余额缓存与账本不一致")
	}
	return sum, nil
}

func (s *PayoutService) GetPayout(ctx context.Context, payoutID int64) (*model.SellerPayout, error) {
	payout, err := s.payoutRepo.GetByID(ctx, nil, payoutID)
	return payout, mapRepoErr(err)
}

// MarkProcessing 外部打款开始
func (s *PayoutService) MarkProcessing(ctx context.Context, payoutID int64) (*model.SellerPayout, error) {
	return s.transition(ctx, payoutID, model.PayoutStatusProcessing, "")
}

// MarkCompleted 打款完成，保留期未结束时返回 ErrPayoutNotAvailable
func (s *PayoutService) MarkCompleted(ctx context.Context, payoutID int64) (*model.SellerPayout, error) {
	return s.transition(ctx, payoutID, model.PayoutStatusCompleted, "")
}

func (s *PayoutService) MarkFailed(ctx context.Context, payoutID int64, reason string) (*model.SellerPayout, error) {
	return s.transition(ctx, payoutID, model.PayoutStatusFailed, reason)
}

func (s *PayoutService) transition(ctx context.Context, payoutID int64, to model.PayoutStatus, reason string) (*model.SellerPayout, error) {
	var payout *model.SellerPayout
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		payout, err = s.payoutRepo.GetByID(ctx, tx, payoutID)
		if err != nil {
			return mapRepoErr(err)
		}
		if payout.Status == to {
			return alreadyInState(payout.Status)
		}
		if !payout.Status.CanTransitionTo(to) {
			return invalidState("应付款 %s: %s -> %s", payout.PayoutNo, payout.Status, to)
		}

		now := s.now().UTC()
		if to == model.PayoutStatusCompleted && now.Before(payout.AvailableAt) {
			return fmt.Errorf("%w: 可提现时间 %s", ErrPayoutNotAvailable, payout.AvailableAt.Format(time.RFC3339))
		}

		err = s.payoutRepo.UpdateStatus(ctx, tx, payout.ID, payout.Status, to, now, reason)
		if errors.Is(err, repository.ErrStatusConflict) {
			current, rerr := s.payoutRepo.GetByID(ctx, tx, payout.ID)
			if rerr != nil {
				return mapRepoErr(rerr)
			}
			return conflictError(current, payout.Status, to, now)
		}
		if err != nil {
			return mapRepoErr(err)
		}

		// 完成或失败后不再计入待提现余额
		if to == model.PayoutStatusCompleted || to == model.PayoutStatusFailed {
			if err := s.sellerRepo.DecreasePending(ctx, tx, payout.SellerID, payout.Amount); err != nil {
				return fmt.Errorf("更新卖家余额失败: %w", err)
			}
			payout.ProcessedAt = &now
		}
		if to == model.PayoutStatusFailed {
			payout.FailureReason = reason
		}
		payout.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"payout_no": payout.PayoutNo,
		"seller_id": payout.SellerID,
		"status":    payout.Status,
	}).Info("应付款状态更新")
	return payout, nil
}

// NotifyDuePayouts 为到期应付款写 payout.due 消息，同一笔只通知一次
func (s *PayoutService) NotifyDuePayouts(ctx context.Context, limit int) (int, error) {
	payouts, err := s.payoutRepo.ListDueUnnotified(ctx, s.now().UTC(), limit)
	if err != nil {
		return 0, err
	}

	notified := 0
	for _, p := range payouts {
		p := p
		marked := false
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			ok, err := s.payoutRepo.MarkNotified(ctx, tx, p.ID, s.now().UTC())
			if err != nil || !ok {
				return err
			}
			marked = true
			return s.outboxRepo.Publish(ctx, tx, s.cfg.Kafka.Topic.PayoutDue, p.PayoutNo, model.PayoutDueEvent{
				PayoutID: p.ID,
				PayoutNo: p.PayoutNo,
				SellerID: p.SellerID,
				Amount:   p.Amount,
				Currency: p.Currency,
			})
		})
		if err != nil {
			s.log.WithError(err).WithField("payout_no", p.PayoutNo).Error("写入到期通知失败")
			return notified, err
		}
		if marked {
			notified++
		}
	}
	return notified, nil
}

// conflictError 条件更新未命中时按重新读到的行判断原因
func conflictError(current *model.SellerPayout, from, to model.PayoutStatus, now time.Time) error {
	switch {
	case current.Status == to:
		return alreadyInState(current.Status)
	case current.Status != from:
		return invalidState("应付款 %s 已被并发修改为 %s", current.PayoutNo, current.Status)
	case to == model.PayoutStatusCompleted && now.Before(current.AvailableAt):
		return fmt.Errorf("%w: 可提现时间 %s", ErrPayoutNotAvailable, current.AvailableAt.Format(time.RFC3339))
	}
	return fmt.Errorf("%w: %v", ErrInvalidStateTransition, repository.ErrStatusConflict)
}
