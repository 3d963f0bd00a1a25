// Package fee 平台费用拆分。所有金额均为最小货币单位（分），
// 舍入规则统一为“分位四舍五入（half-up）”，同样的输入永远得到同样的输出。
package fee

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// Policy 费率策略
type Policy struct {
	BuyerFeeRate  decimal.Decimal // 买家平台服务费率，加在标价之上
	SellerFeeRate decimal.Decimal // 卖家平台佣金率，从标价中扣除
	ReserveDays   int             // 放款后的保留期（天）
}

func (p Policy) Validate() error {
	if p.BuyerFeeRate.IsNegative() {
		return errors.New("买家费率不能为负")
	}
	if p.SellerFeeRate.IsNegative() || p.SellerFeeRate.GreaterThan(one) {
		return fmt.Errorf("卖家费率必须在 [0,1] 之间: %s", p.SellerFeeRate)
	}
	if p.ReserveDays < 0 {
		return errors.New("保留期不能为负")
	}
	return nil
}

// ReservePeriod 放款到可提现之间的保留期
func (p Policy) ReservePeriod() time.Duration {
	return time.Duration(p.ReserveDays) * 24 * time.Hour
}

// Split 一笔订单的费用快照
//
//	BaseAmount + BuyerFee == GrossAmount
//	BuyerFee + SellerFee == PlatformRevenue
//	BaseAmount - SellerFee == SellerPayout
type Split struct {
	GrossAmount     int64 `json:"gross_amount"`
	BaseAmount      int64 `json:"base_amount"`
	BuyerFee        int64 `json:"buyer_fee"`
	SellerFee       int64 `json:"seller_fee"`
	PlatformRevenue int64 `json:"platform_revenue"`
	SellerPayout    int64 `json:"seller_payout"`
}

// Compute 把买家支付总额拆分成标价、买家服务费、卖家佣金、平台收入和卖家应得。
// gross 为负属于调用方的编程错误，直接 panic。
func Compute(gross int64, p Policy) Split {
	if gross < 0 {
		panic(fmt.Sprintf("fee: gross amount must be non-negative, got %d", gross))
	}

	g := decimal.NewFromInt(gross)
	base := divHalfUp(g, one.Add(p.BuyerFeeRate))
	buyerFee := gross - base
	sellerFee := mulHalfUp(decimal.NewFromInt(base), p.SellerFeeRate)

	return Split{
		GrossAmount:     gross,
		BaseAmount:      base,
		BuyerFee:        buyerFee,
		SellerFee:       sellerFee,
		PlatformRevenue: buyerFee + sellerFee,
		SellerPayout:    base - sellerFee,
	}
}

// divHalfUp 精确除法后按 half-up 取整，避免先截断到有限精度再舍入带来的二次舍入
func divHalfUp(n, d decimal.Decimal) int64 {
	q, r := n.QuoRem(d, 0)
	if r.Mul(two).GreaterThanOrEqual(d) {
		q = q.Add(one)
	}
	return q.IntPart()
}

// mulHalfUp 非负数下 Round 的“远离零”即 half-up
func mulHalfUp(n, rate decimal.Decimal) int64 {
	return n.Mul(rate).Round(0).IntPart()
}

// ProcessingFeeEstimator 网关手续费估算策略。
// 只在网关回调不返回手续费时使用，估算值可能与网关实际结算不一致。
type ProcessingFeeEstimator interface {
	Estimate(gross int64) int64
}

// PercentPlusFlat 百分比 + 固定费用
type PercentPlusFlat struct {
	Rate      decimal.Decimal
	FlatMinor int64
}

func (e PercentPlusFlat) Estimate(gross int64) int64 {
	if gross <= 0 {
		return 0
	}
	return mulHalfUp(decimal.NewFromInt(gross), e.Rate) + e.FlatMinor
}
