package handler

import (
	"errors"
	"io"
	"net/http"

	"escrowpay/internal/gateway"
	"escrowpay/internal/model"
	"escrowpay/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxWebhookBody = 64 << 10

var errWebhookTooLarge = errors.New("回调报文超过大小限制")

// ============================================================
// 网关回调
// ============================================================
//
// 网关只看 HTTP 状态码：2xx 停止重试，其余按网关策略重发。
// 重复回调和找不到订单的回调返回 200，避免网关无意义地重试。

// webhookStatus 错误 -> HTTP 状态码
func webhookStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, gateway.ErrUntrustedSource):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrInvalidSignature),
		errors.Is(err, gateway.ErrMalformedCallback),
		errors.Is(err, service.ErrAmountMismatch),
		errors.Is(err, service.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrAlreadyProcessed), errors.Is(err, service.ErrOrderNotFound):
		return http.StatusOK
	case errors.Is(err, service.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrUnknownGateway):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PayFastWebhook PayFast ITN，表单格式，成功返回纯文本 OK
// POST /webhooks/payfast
func (h *Handler) PayFastWebhook(c *gin.Context) {
	h.webhook(c, model.GatewayPayFast, func(status int, err error) {
		if status == http.StatusOK {
			c.String(status, "OK")
			return
		}
		c.String(status, err.Error())
	})
}

// OzowWebhook Ozow 通知，JSON 格式
// POST /webhooks/ozow
func (h *Handler) OzowWebhook(c *gin.Context) {
	h.webhook(c, model.GatewayOzow, func(status int, err error) {
		if status == http.StatusOK {
			c.JSON(status, gin.H{"success": true})
			return
		}
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
	})
}

func (h *Handler) webhook(c *gin.Context, name model.Gateway, reply func(status int, err error)) {
	entry := h.log.WithFields(logrus.Fields{"gateway": name, "ip": c.ClientIP()})

	verifier, err := h.gateways.Get(name)
	if err != nil {
		reply(webhookStatus(err), err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		reply(http.StatusBadRequest, err)
		return
	}
	// 多读一个字节判断是否超限，截断后的报文不参与验签
	if len(body) > maxWebhookBody {
		entry.WithField("limit", maxWebhookBody).Warn("回调报文过大")
		reply(http.StatusRequestEntityTooLarge, errWebhookTooLarge)
		return
	}

	cb, err := verifier.Verify(gateway.RawCallback{
		Body:        body,
		ContentType: c.ContentType(),
		SourceIP:    c.ClientIP(),
	})
	if err != nil {
		// 校验失败的回调不落库
		entry.WithError(err).Warn("回调校验失败")
		reply(webhookStatus(err), err)
		return
	}

	_, err = h.payments.RecordPayment(c.Request.Context(), cb)
	status := webhookStatus(err)
	if status == http.StatusInternalServerError {
		// 不把内部错误透传给网关
		reply(status, errors.New("internal error"))
		return
	}
	reply(status, err)
}
