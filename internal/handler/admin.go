package handler

import (
	"strconv"
	"time"

	"escrowpay/internal/service"
	"escrowpay/pkg/response"

	"github.com/gin-gonic/gin"
)

// ============================================================
// 订单相关接口
// ============================================================

// CreateCheckout 下单
// POST /api/v1/checkout
func (h *Handler) CreateCheckout(c *gin.Context) {
	var req service.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	order, err := h.orders.CreateCheckout(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, order)
}

// GetOrder 按订单号查询，或按卖家分页列出
// GET /api/v1/orders?order_no=xxx
// GET /api/v1/orders?seller_id=1&page=1&page_size=20
func (h *Handler) GetOrder(c *gin.Context) {
	orderNo := c.Query("order_no")
	if orderNo == "" {
		if c.Query("seller_id") != "" {
			h.listSellerOrders(c)
			return
		}
		response.ParamError(c, "order_no 或 seller_id 参数不能为空")
		return
	}

	order, err := h.orders.GetByOrderNo(c.Request.Context(), orderNo)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, order)
}

func (h *Handler) listSellerOrders(c *gin.Context) {
	sellerID, err := strconv.ParseInt(c.Query("seller_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "seller_id 参数错误")
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	orders, total, err := h.orders.ListBySeller(c.Request.Context(), sellerID, page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": orders, "total": total})
}

// GetOrderByID GET /api/v1/orders/:id
func (h *Handler) GetOrderByID(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	order, err := h.orders.GetByID(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, order)
}

// MarkInProgress POST /api/v1/orders/:id/in-progress
func (h *Handler) MarkInProgress(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	order, err := h.orders.MarkInProgress(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, order)
}

// MarkDelivered POST /api/v1/orders/:id/delivered
func (h *Handler) MarkDelivered(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	order, err := h.orders.MarkDelivered(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, order)
}

// OpenDispute POST /api/v1/orders/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	order, err := h.orders.OpenDispute(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, order)
}

type reasonRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// CancelOrder 取消未付款订单
// POST /api/v1/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	order, err := h.orders.CancelUnpaid(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, order)
}

// AcceptDelivery 买家确认收货，立即放款
// POST /api/v1/orders/:id/accept
func (h *Handler) AcceptDelivery(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	result, err := h.orders.AcceptDelivery(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 托管相关接口
// ============================================================

// GetHold GET /api/v1/escrow/:id
func (h *Handler) GetHold(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	detail, err := h.escrow.GetHoldDetail(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, detail)
}

// ReleaseHold 人工放款
// POST /api/v1/escrow/:id/release
func (h *Handler) ReleaseHold(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	result, err := h.escrow.Release(c.Request.Context(), id, service.TriggerAdmin)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// Refund 退款，escrow_hold_id 和 order_id 二选一
// POST /api/v1/refunds
//
// 【关键点】已放款的托管不能退款；同一托管重复退款返回已处理
func (h *Handler) Refund(c *gin.Context) {
	var req service.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	result, err := h.escrow.Refund(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 卖家应付款接口
// ============================================================

// SellerSummary GET /api/v1/sellers/:id/summary
func (h *Handler) SellerSummary(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	summary, err := h.payouts.SellerSummary(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, summary)
}

// DuePayouts 可打款的应付款
// GET /api/v1/payouts?seller_id=xxx
func (h *Handler) DuePayouts(c *gin.Context) {
	var sellerID *int64
	if s := c.Query("seller_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			response.ParamError(c, "seller_id 参数错误")
			return
		}
		sellerID = &id
	}

	payouts, err := h.payouts.CollectDuePayouts(c.Request.Context(), sellerID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": payouts, "total": len(payouts)})
}

// GetPayout GET /api/v1/payouts/:id
func (h *Handler) GetPayout(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	payout, err := h.payouts.GetPayout(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, payout)
}

// MarkPayoutProcessing POST /api/v1/payouts/:id/processing
func (h *Handler) MarkPayoutProcessing(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	payout, err := h.payouts.MarkProcessing(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, payout)
}

// MarkPayoutCompleted POST /api/v1/payouts/:id/completed
func (h *Handler) MarkPayoutCompleted(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	payout, err := h.payouts.MarkCompleted(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, payout)
}

// MarkPayoutFailed POST /api/v1/payouts/:id/failed
func (h *Handler) MarkPayoutFailed(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	payout, err := h.payouts.MarkFailed(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, payout)
}

// ============================================================
// 运维接口
// ============================================================

// DeadLetters 放款死信列表
// GET /api/v1/release-jobs/dead
func (h *Handler) DeadLetters(c *gin.Context) {
	jobs, err := h.queue.DeadLetters(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": jobs, "total": len(jobs)})
}

// RequeueDeadLetter 死信重新入队，立即到期
// POST /api/v1/release-jobs/dead/:job_id/requeue
func (h *Handler) RequeueDeadLetter(c *gin.Context) {
	jobID := c.Param("job_id")
	if err := h.queue.Requeue(c.Request.Context(), jobID, time.Now()); err != nil {
		h.fail(c, err)
		return
	}
	h.log.WithField("job_id", jobID).Warn("死信任务已人工重新入队")
	response.Success(c, gin.H{"job_id": jobID})
}

// FailedOutbox 发送失败的消息列表
// GET /api/v1/outbox?limit=50
func (h *Handler) FailedOutbox(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		response.ParamError(c, "limit 参数错误")
		return
	}
	msgs, err := h.outboxRepo.GetFailedMessages(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": msgs, "total": len(msgs)})
}

// RetryOutbox 重投发送失败的消息
// POST /api/v1/outbox/:id/retry
func (h *Handler) RetryOutbox(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	retried, err := h.outboxRepo.Retry(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !retried {
		response.BusinessError(c, response.CodeNotFound, "消息不存在或不是失败状态")
		return
	}
	response.Success(c, gin.H{"id": id})
}
