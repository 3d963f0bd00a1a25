package gateway

import (
	"bytes"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"escrowpay/internal/config"
	"escrowpay/internal/fee"
	"escrowpay/internal/model"
)

// 参与哈希的字段，顺序固定
var ozowHashFields = []string{
	"SiteCode", "TransactionId", "TransactionReference", "Amount", "Status",
	"Optional1", "Optional2", "Optional3", "Optional4", "Optional5",
	"CurrencyCode", "IsTest", "StatusMessage",
}

// Ozow JSON 回调，SHA-512 哈希
type Ozow struct {
	siteCode   string
	privateKey string
	allow      *Allowlist
	feePolicy  fee.ProcessingFeeEstimator
}

func NewOzow(cfg config.OzowConfig, estimator fee.ProcessingFeeEstimator) (*Ozow, error) {
	allow, err := NewAllowlist(cfg.AllowedCIDRs, cfg.Sandbox)
	if err != nil {
		return nil, err
	}
	return &Ozow{siteCode: cfg.SiteCode, privateKey: cfg.PrivateKey, allow: allow, feePolicy: estimator}, nil
}

func (o *Ozow) Name() model.Gateway { return model.GatewayOzow }

func (o *Ozow) Verify(raw RawCallback) (*VerifiedCallback, error) {
	if err := o.allow.check(raw.SourceIP); err != nil {
		return nil, err
	}

	fields, err := decodeOzowFields(raw.Body)
	if err != nil {
		return nil, err
	}

	supplied := strings.ToLower(strings.TrimSpace(fields["Hash"]))
	if supplied == "" {
		return nil, fmt.Errorf("%w: missing hash", ErrInvalidSignature)
	}
	expected := OzowHash(fields, o.privateKey)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(supplied)) != 1 {
		return nil, ErrInvalidSignature
	}
	if o.siteCode != "" && !strings.EqualFold(fields["SiteCode"], o.siteCode) {
		return nil, fmt.Errorf("%w: site code mismatch", ErrInvalidSignature)
	}

	cb := &VerifiedCallback{
		Gateway:          model.GatewayOzow,
		PaymentRef:       fields["TransactionReference"],
		GatewayReference: fields["TransactionId"],
		GatewayStatus:    fields["Status"],
		Fields:           fields,
		RawPayload:       string(raw.Body),
		ContentType:      raw.ContentType,
	}
	if cb.PaymentRef == "" || cb.GatewayReference == "" {
		return nil, fmt.Errorf("%w: missing TransactionReference or TransactionId", ErrMalformedCallback)
	}

	switch strings.ToLower(cb.GatewayStatus) {
	case "complete":
		cb.Status = CallbackSuccess
	case "cancelled", "error", "abandoned":
		cb.Status = CallbackFailed
	case "pending", "pendinginvestigation":
		cb.Status = CallbackPending
	default:
		return nil, fmt.Errorf("%w: Status %q", ErrMalformedCallback, cb.GatewayStatus)
	}

	if cb.GrossAmount, err = ParseAmount(fields["Amount"]); err != nil {
		return nil, err
	}
	// 回调不带手续费，按配置估算
	if o.feePolicy != nil {
		cb.GatewayFee = o.feePolicy.Estimate(cb.GrossAmount)
	}
	cb.NetAmount = cb.GrossAmount - cb.GatewayFee
	return cb, nil
}

// OzowHash 固定字段顺序拼接后追加私钥，整体转小写再取 SHA-512
func OzowHash(fields map[string]string, privateKey string) string {
	var sb strings.Builder
	for _, k := range ozowHashFields {
		sb.WriteString(fields[k])
	}
	sb.WriteString(privateKey)

	sum := sha512.Sum512([]byte(strings.ToLower(sb.String())))
	return hex.EncodeToString(sum[:])
}

// decodeOzowFields 字段名按规范名称归一（大小写不敏感），数字保留原始文本
func decodeOzowFields(body []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var rawFields map[string]interface{}
	if err := dec.Decode(&rawFields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	canonical := make(map[string]string, len(ozowHashFields)+1)
	for _, k := range append(ozowHashFields, "Hash") {
		canonical[strings.ToLower(k)] = k
	}

	fields := make(map[string]string, len(rawFields))
	for k, v := range rawFields {
		name := k
		if c, ok := canonical[strings.ToLower(k)]; ok {
			name = c
		}
		switch val := v.(type) {
		case nil:
			fields[name] = ""
		case string:
			fields[name] = val
		case json.Number:
			fields[name] = val.String()
		case bool:
			if val {
				fields[name] = "true"
			} else {
				fields[name] = "false"
			}
		default:
			return nil, fmt.Errorf("%w: field %s has unsupported type", ErrMalformedCallback, k)
		}
	}
	return fields, nil
}
