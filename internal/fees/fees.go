package fees

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"escrowline/internal/domain"
)

var (
	hundred = decimal.NewFromInt(100)
)

// Policy is one immutable version of the platform fee settings.
type Policy struct {
	Version          int64
	EscrowFeePercent decimal.Decimal
	MinEscrowAmount  int64
	CreatedBy        string
	CreatedAt        time.Time
}

// Parse builds an unversioned policy from a decimal percent string such as "3" or "2.5".
func Parse(percent string, minAmount int64) (Policy, error) {
	pct, err := decimal.NewFromString(percent)
	if err != nil {
		return Policy{}, domain.ValidationError{Field: "escrow_fee_percent", Message: fmt.Sprintf("invalid decimal %q", percent)}
	}
	p := Policy{EscrowFeePercent: pct, MinEscrowAmount: minAmount}
	return p, p.Validate()
}

func (p Policy) Validate() error {
	if p.EscrowFeePercent.IsNegative() || p.EscrowFeePercent.GreaterThan(hundred) {
		return domain.ValidationError{Field: "escrow_fee_percent", Message: "must be between 0 and 100"}
	}
	if p.MinEscrowAmount < 0 {
		return domain.ValidationError{Field: "min_escrow_amount", Message: "must not be negative"}
	}
	return nil
}

// Fee is round-half-up(amount * percent / 100), clamped to [0, amount].
func (p Policy) Fee(amount int64) int64 {
	if amount <= 0 || p.EscrowFeePercent.IsZero() {
		return 0
	}
	fee := decimal.NewFromInt(amount).Mul(p.EscrowFeePercent).Div(hundred).Round(0).IntPart()
	if fee < 0 {
		return 0
	}
	if fee > amount {
		return amount
	}
	return fee
}

func (p Policy) CheckMinimum(amount int64) error {
	if amount < p.MinEscrowAmount {
		return domain.BelowMinimumError{Amount: amount, Minimum: p.MinEscrowAmount}
	}
	return nil
}

func (p Policy) PercentString() string {
	return p.EscrowFeePercent.String()
}

// Source yields the policy in effect at the moment of the call.
type Source interface {
	Current(ctx context.Context) (Policy, error)
}

// Static always returns the same policy.
type Static Policy

func (s Static) Current(context.Context) (Policy, error) {
	return Policy(s), nil
}
