// Package gateway 校验支付网关的异步回调。
//
// 校验是纯函数：不落库、不发消息，只给出结论。
// 调用方根据错误类型决定响应码（400/403）。
package gateway

import (
	"errors"
	"fmt"
	"strings"

	"escrowpay/internal/model"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSignature  = errors.New("gateway: invalid signature")
	ErrUntrustedSource   = errors.New("gateway: untrusted source")
	ErrMalformedCallback = errors.New("gateway: malformed callback")
	ErrUnknownGateway    = errors.New("gateway: unknown gateway")
)

type CallbackStatus string

const (
	CallbackSuccess CallbackStatus = "SUCCESS"
	CallbackFailed  CallbackStatus = "FAILED"
	CallbackPending CallbackStatus = "PENDING"
)

// RawCallback 网关原始回调
type RawCallback struct {
	Body        []byte
	ContentType string
	SourceIP    string
}

// VerifiedCallback 校验通过后的回调
type VerifiedCallback struct {
	Gateway          model.Gateway
	PaymentRef       string // 下单时下发的支付引用
	GatewayReference string // 网关侧交易号，幂等键
	Status           CallbackStatus
	GatewayStatus    string // 网关原始状态值
	GrossAmount      int64
	GatewayFee       int64
	NetAmount        int64
	FeeReported      bool // false 表示手续费为估算值
	Fields           map[string]string
	RawPayload       string
	ContentType      string
}

type Verifier interface {
	Name() model.Gateway
	Verify(raw RawCallback) (*VerifiedCallback, error)
}

// Registry 网关名 -> 校验器
type Registry struct {
	verifiers map[model.Gateway]Verifier
}

func NewRegistry(verifiers ...Verifier) *Registry {
	r := &Registry{verifiers: make(map[model.Gateway]Verifier, len(verifiers))}
	for _, v := range verifiers {
		r.verifiers[v.Name()] = v
	}
	return r
}

func (r *Registry) Get(name model.Gateway) (Verifier, error) {
	v, ok := r.verifiers[model.Gateway(strings.ToUpper(string(name)))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, name)
	}
	return v, nil
}

var hundred = decimal.NewFromInt(100)

// ParseAmount 把 "100.00" 这样的金额转换成分，不足一分的小数视为非法
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty amount", ErrMalformedCallback)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q", ErrMalformedCallback, s)
	}
	cents := d.Mul(hundred)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("%w: fractional cent in %q", ErrMalformedCallback, s)
	}
	return cents.IntPart(), nil
}
