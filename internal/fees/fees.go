// Package fees splits charge amounts between the platform and the business.
//
// All amounts are integer minor units. Percentages are decimals so that a
// rate like 2.9 is exact; rounding to whole minor units happens once per
// computed value, half away from zero.
package fees

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount  = errors.New("fees: amount must be positive")
	ErrInvalidPercent = errors.New("fees: percent must be in [0, 100)")
	ErrExceedsGross   = errors.New("fees: refund exceeds remaining amount")
)

var hundred = decimal.NewFromInt(100)

// Split is the division of a gross amount. PlatformFee + BusinessPayout
// always equals Gross.
type Split struct {
	Gross          int64 `json:"gross"`
	PlatformFee    int64 `json:"platformFee"`
	BusinessPayout int64 `json:"businessPayout"`
}

// Compute applies percent to gross.
func Compute(gross int64, percent decimal.Decimal) (Split, error) {
	if gross <= 0 {
		return Split{}, ErrInvalidAmount
	}
	if percent.IsNegative() || percent.GreaterThanOrEqual(hundred) {
		return Split{}, ErrInvalidPercent
	}
	fee := Round(decimal.NewFromInt(gross).Mul(percent).Div(hundred))
	return Split{Gross: gross, PlatformFee: fee, BusinessPayout: gross - fee}, nil
}

// Round converts to whole minor units, half away from zero.
func Round(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

// ProRata returns round(part * amount / whole). whole must be positive.
func ProRata(part, amount, whole int64) int64 {
	if whole <= 0 {
		return 0
	}
	return Round(decimal.NewFromInt(part).Mul(decimal.NewFromInt(amount)).Div(decimal.NewFromInt(whole)))
}

// RefundShare divides a refund of amount between the platform fee and the
// business payout. original is the captured split and refunded is the sum of
// all earlier refund shares. The share is pro-rata except for the refund that
// exhausts the original, which takes the exact remainders so that the
// refunded fee and payout never drift from the original split.
func RefundShare(original, refunded Split, amount int64) (Split, error) {
	if amount <= 0 {
		return Split{}, ErrInvalidAmount
	}
	remainingGross := original.Gross - refunded.Gross
	if amount > remainingGross {
		return Split{}, ErrExceedsGross
	}
	remainingFee := original.PlatformFee - refunded.PlatformFee
	remainingPayout := original.BusinessPayout - refunded.BusinessPayout

	if amount == remainingGross {
		return Split{Gross: amount, PlatformFee: remainingFee, BusinessPayout: remainingPayout}, nil
	}

	fee := ProRata(original.PlatformFee, amount, original.Gross)
	if fee > remainingFee {
		fee = remainingFee
	}
	payout := amount - fee
	if payout > remainingPayout {
		payout = remainingPayout
		fee = amount - payout
	}
	return Split{Gross: amount, PlatformFee: fee, BusinessPayout: payout}, nil
}

// Remaining returns the part of original not yet covered by refunded.
func Remaining(original, refunded Split) Split {
	return Split{
		Gross:          original.Gross - refunded.Gross,
		PlatformFee:    original.PlatformFee - refunded.PlatformFee,
		BusinessPayout: original.BusinessPayout - refunded.BusinessPayout,
	}
}

// Add returns the component-wise sum of a and b.
func (s Split) Add(b Split) Split {
	return Split{
		Gross:          s.Gross + b.Gross,
		PlatformFee:    s.PlatformFee + b.PlatformFee,
		BusinessPayout: s.BusinessPayout + b.BusinessPayout,
	}
}
