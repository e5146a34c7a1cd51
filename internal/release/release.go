// Package release computes how a milestone payment leaves escrow.
package release

import (
	"escrowline/internal/domain"
	"escrowline/internal/fees"
)

// Split is the outcome of releasing one amount toward the seller.
type Split struct {
	Amount   int64 `json:"amount"`
	ToSeller int64 `json:"to_seller"`
	Fee      int64 `json:"fee"`
}

// Calculate takes amount out of held, charging the platform fee on it.
// ToSeller+Fee always equals Amount.
func Calculate(held, amount int64, policy fees.Policy) (Split, error) {
	if amount <= 0 {
		return Split{}, domain.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if amount > held {
		return Split{}, domain.InsufficientHeldFundsError{Requested: amount, Held: held}
	}
	fee := policy.Fee(amount)
	return Split{Amount: amount, ToSeller: amount - fee, Fee: fee}, nil
}
