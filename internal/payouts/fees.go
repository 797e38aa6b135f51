package payouts

import (
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/bookshop-backend/pkg/config"
	"github.com/angelmondragon/bookshop-backend/pkg/enums"
)

var hundred = decimal.NewFromInt(100)

// Breakdown is the settlement arithmetic for one order, in cents.
type Breakdown struct {
	GrossCents  int64 `json:"grossCents"`
	FeeCents    int64 `json:"feeCents"`
	MarginCents int64 `json:"marginCents"`
	NetCents    int64 `json:"netCents"`
}

// FeeStrategy derives the payout breakdown for an order.
type FeeStrategy interface {
	Breakdown(method enums.PaymentMethod, installments int, grossCents int64) Breakdown
}

// ConfiguredFees computes fees from percent + fixed components configured per
// payment method. Card provider fees follow the installment tier. Each
// component is rounded half-up to the cent and the net never goes below zero.
// The provider fee is always reported and only deducted when IncludeGatewayFee is set.
type ConfiguredFees struct {
	cfg config.FeesConfig
}

func NewConfiguredFees(cfg config.FeesConfig) *ConfiguredFees {
	return &ConfiguredFees{cfg: cfg}
}

func (f *ConfiguredFees) Breakdown(method enums.PaymentMethod, installments int, grossCents int64) Breakdown {
	out := Breakdown{GrossCents: grossCents}
	if grossCents <= 0 {
		return out
	}
	gross := decimal.NewFromInt(grossCents)

	var (
		feePct, marginPct     decimal.Decimal
		feeFixed, marginFixed int64
	)
	switch method {
	case enums.PaymentMethodCard:
		feePct, _ = f.cfg.CardTiers.PercentFor(installments)
		feeFixed = f.cfg.CardFixedCents
		marginPct, marginFixed = f.cfg.CardMarginPercent, f.cfg.CardMarginFixedCents
	default:
		feePct, feeFixed = f.cfg.PixPercent, f.cfg.PixFixedCents
		marginPct, marginFixed = f.cfg.PixMarginPercent, f.cfg.PixMarginFixedCents
	}

	out.FeeCents = percentOf(gross, feePct) + feeFixed
	out.MarginCents = percentOf(gross, marginPct) + marginFixed
	out.NetCents = grossCents - out.MarginCents
	if f.cfg.IncludeGatewayFee {
		out.NetCents -= out.FeeCents
	}
	if out.NetCents < 0 {
		out.NetCents = 0
	}
	return out
}

// percentOf rounds half away from zero, which is half-up for positive amounts.
func percentOf(amount, pct decimal.Decimal) int64 {
	return amount.Mul(pct).Div(hundred).Round(0).IntPart()
}
