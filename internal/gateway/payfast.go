package gateway

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"escrowpay/internal/config"
	"escrowpay/internal/model"
)

const payFastSignatureField = "signature"

// PayFast 表单回调，MD5 签名
type PayFast struct {
	merchantID string
	passphrase string
	allow      *Allowlist
}

func NewPayFast(cfg config.PayFastConfig) (*PayFast, error) {
	allow, err := NewAllowlist(cfg.AllowedCIDRs, cfg.Sandbox)
	if err != nil {
		return nil, err
	}
	return &PayFast{merchantID: cfg.MerchantID, passphrase: cfg.Passphrase, allow: allow}, nil
}

func (p *PayFast) Name() model.Gateway { return model.GatewayPayFast }

func (p *PayFast) Verify(raw RawCallback) (*VerifiedCallback, error) {
	if err := p.allow.check(raw.SourceIP); err != nil {
		return nil, err
	}

	values, err := url.ParseQuery(string(raw.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	fields := make(map[string]string, len(values))
	for k := range values {
		fields[k] = values.Get(k)
	}

	supplied := strings.ToLower(strings.TrimSpace(fields[payFastSignatureField]))
	if supplied == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	expected := PayFastSignature(fields, p.passphrase)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(supplied)) != 1 {
		return nil, ErrInvalidSignature
	}
	if p.merchantID != "" && fields["merchant_id"] != "" && fields["merchant_id"] != p.merchantID {
		return nil, fmt.Errorf("%w: merchant_id mismatch", ErrInvalidSignature)
	}

	cb := &VerifiedCallback{
		Gateway:          model.GatewayPayFast,
		PaymentRef:       fields["m_payment_id"],
		GatewayReference: fields["pf_payment_id"],
		GatewayStatus:    fields["payment_status"],
		FeeReported:      true,
		Fields:           fields,
		RawPayload:       string(raw.Body),
		ContentType:      raw.ContentType,
	}
	if cb.PaymentRef == "" || cb.GatewayReference == "" {
		return nil, fmt.Errorf("%w: missing m_payment_id or pf_payment_id", ErrMalformedCallback)
	}

	switch strings.ToUpper(cb.GatewayStatus) {
	case "COMPLETE":
		cb.Status = CallbackSuccess
	case "FAILED", "CANCELLED":
		cb.Status = CallbackFailed
	case "PENDING":
		cb.Status = CallbackPending
	default:
		return nil, fmt.Errorf("%w: payment_status %q", ErrMalformedCallback, cb.GatewayStatus)
	}

	if cb.GrossAmount, err = ParseAmount(fields["amount_gross"]); err != nil {
		return nil, err
	}
	if v := fields["amount_fee"]; v != "" {
		fee, err := ParseAmount(v)
		if err != nil {
			return nil, err
		}
		// PayFast 回传的手续费为负数
		if fee < 0 {
			fee = -fee
		}
		cb.GatewayFee = fee
	}
	if v := fields["amount_net"]; v != "" {
		if cb.NetAmount, err = ParseAmount(v); err != nil {
			return nil, err
		}
	} else {
		cb.NetAmount = cb.GrossAmount - cb.GatewayFee
	}
	return cb, nil
}

// PayFastSignature 按键排序拼接除 signature 外的全部字段（空值也参与，空格编码为 +），追加 passphrase 后取 MD5
func PayFastSignature(fields map[string]string, passphrase string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == payFastSignatureField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(strings.TrimSpace(fields[k])))
	}
	if passphrase != "" {
		sb.WriteString("&passphrase=")
		sb.WriteString(url.QueryEscape(strings.TrimSpace(passphrase)))
	}

	sum := md5.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
