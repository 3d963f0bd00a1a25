package handler

import (
	"errors"
	"strconv"

	"escrowpay/internal/gateway"
	"escrowpay/internal/infrastructure/delayqueue"
	"escrowpay/internal/logger"
	"escrowpay/internal/repository"
	"escrowpay/internal/service"
	"escrowpay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	orders     *service.OrderService
	escrow     *service.EscrowService
	payments   *service.PaymentService
	payouts    *service.PayoutService
	gateways   *gateway.Registry
	queue      *delayqueue.Queue
	outboxRepo *repository.OutboxRepository
	log        *logrus.Entry
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, svc *service.Services, gateways *gateway.Registry, queue *delayqueue.Queue) *Handler {
	return &Handler{
		orders:     svc.Orders,
		escrow:     svc.Escrow,
		payments:   svc.Payments,
		payouts:    svc.Payouts,
		gateways:   gateways,
		queue:      queue,
		outboxRepo: repository.NewOutboxRepository(db),
		log:        logger.Component("http"),
	}
}

// fail 业务错误映射为统一响应码
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrOrderNotFound):
		response.BusinessError(c, response.CodeOrderNotFound, "订单不存在")
	case errors.Is(err, service.ErrEscrowNotFound):
		response.BusinessError(c, response.CodeEscrowNotFound, "托管记录不存在")
	case errors.Is(err, service.ErrPayoutNotFound):
		response.BusinessError(c, response.CodePayoutNotFound, "应付款不存在")
	case errors.Is(err, service.ErrAlreadyProcessed):
		response.BusinessError(c, response.CodeAlreadyProcessed, err.Error())
	case errors.Is(err, service.ErrInvalidStateTransition):
		response.BusinessError(c, response.CodeInvalidState, err.Error())
	case errors.Is(err, service.ErrPayoutNotAvailable):
		response.BusinessError(c, response.CodePayoutNotAvailable, err.Error())
	case errors.Is(err, service.ErrAmountMismatch):
		response.BusinessError(c, response.CodeAmountMismatch, err.Error())
	case errors.Is(err, delayqueue.ErrJobNotFound):
		response.BusinessError(c, response.CodeJobNotFound, "死信任务不存在")
	default:
		h.log.WithError(err).WithField("path", c.FullPath()).Error("请求处理失败")
		response.ServerError(c, "服务器内部错误")
	}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, name+" 参数错误")
		return 0, false
	}
	return id, true
}
