package service

import (
	"errors"
	"fmt"

	"escrowpay/internal/repository"
)

// 业务错误均为终态，不应自动重试；其余错误视为暂时性故障
var (
	ErrOrderNotFound          = errors.New("订单不存在")
	ErrEscrowNotFound         = errors.New("托管记录不存在")
	ErrPayoutNotFound         = errors.New("应付款不存在")
	ErrAmountMismatch         = errors.New("回调金额与订单金额不一致")
	ErrAlreadyProcessed       = errors.New("已处理")
	ErrInvalidStateTransition = errors.New("状态迁移不合法")
	ErrPayoutNotAvailable     = errors.New("应付款尚在保留期内")
	ErrInvalidArgument        = errors.New("参数错误")
)

// IsTerminal 业务规则错误，重试也不会成功
func IsTerminal(err error) bool {
	return errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrEscrowNotFound) ||
		errors.Is(err, ErrPayoutNotFound) ||
		errors.Is(err, ErrAmountMismatch) ||
		errors.Is(err, ErrAlreadyProcessed) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrPayoutNotAvailable) ||
		errors.Is(err, ErrInvalidArgument)
}

func alreadyInState(state interface{}) error {
	return fmt.Errorf("%w: %w: 当前状态 %v", ErrInvalidStateTransition, ErrAlreadyProcessed, state)
}

func invalidState(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidStateTransition, fmt.Sprintf(format, args...))
}

// mapRepoErr 仓储层错误转换为业务错误
func mapRepoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrOrderNotFound):
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	case errors.Is(err, repository.ErrEscrowNotFound):
		return fmt.Errorf("%w: %v", ErrEscrowNotFound, err)
	case errors.Is(err, repository.ErrPayoutNotFound):
		return fmt.Errorf("%w: %v", ErrPayoutNotFound, err)
	case errors.Is(err, repository.ErrStatusConflict), errors.Is(err, repository.ErrStatusInvalid):
		return fmt.Errorf("%w: %v", ErrInvalidStateTransition, err)
	case errors.Is(err, repository.ErrDuplicateTransaction),
		errors.Is(err, repository.ErrDuplicateHold),
		errors.Is(err, repository.ErrDuplicatePayout):
		return fmt.Errorf("%w: %v", ErrAlreadyProcessed, err)
	}
	return err
}
