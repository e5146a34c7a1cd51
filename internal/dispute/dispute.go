// Package dispute decides how held funds are divided when a dispute is settled.
package dispute

import (
	"fmt"

	"github.com/shopspring/decimal"

	"escrowline/internal/domain"
	"escrowline/internal/fees"
)

const (
	// DefaultBuyerShareBps is the buyer share of a mutual settlement when none is given.
	DefaultBuyerShareBps = 5000
	maxBps               = 10000
)

type Settlement struct {
	Resolution    domain.Resolution
	ToBuyer       int64
	ToSeller      int64
	Fee           int64
	BuyerShareBps *int
	Outcome       domain.TransactionStatus
}

// SellerNet is what the seller actually receives after the platform fee.
func (s Settlement) SellerNet() int64 {
	return s.ToSeller - s.Fee
}

// Validate checks a resolution request without looking at any balance.
func Validate(resolution domain.Resolution, buyerShareBps *int) error {
	if !resolution.Valid() {
		return domain.ValidationError{Field: "resolution", Message: "must be one of buyer_favor, seller_favor, mutual"}
	}
	if buyerShareBps == nil {
		return nil
	}
	if resolution != domain.ResolutionMutual {
		return domain.ValidationError{Field: "buyer_share_bps", Message: "only allowed for mutual resolutions"}
	}
	if *buyerShareBps < 0 || *buyerShareBps > maxBps {
		return domain.ValidationError{Field: "buyer_share_bps", Message: "must be between 0 and 10000"}
	}
	return nil
}

// Resolve divides held according to resolution. ToBuyer+ToSeller always
// equals held; the fee is taken from the seller leg only.
func Resolve(held int64, resolution domain.Resolution, buyerShareBps *int, policy fees.Policy) (Settlement, error) {
	if held < 0 {
		return Settlement{}, domain.InsufficientHeldFundsError{Requested: 0, Held: held}
	}
	if err := Validate(resolution, buyerShareBps); err != nil {
		return Settlement{}, err
	}
	s := Settlement{Resolution: resolution}
	switch resolution {
	case domain.ResolutionBuyerFavor:
		s.ToBuyer = held
		s.Outcome = domain.StatusCancelled
	case domain.ResolutionSellerFavor:
		s.ToSeller = held
		s.Outcome = domain.StatusCompleted
	case domain.ResolutionMutual:
		bps := DefaultBuyerShareBps
		if buyerShareBps != nil {
			bps = *buyerShareBps
		}
		s.ToSeller = sellerShare(held, bps)
		s.ToBuyer = held - s.ToSeller
		s.BuyerShareBps = &bps
		s.Outcome = domain.StatusCompleted
	}
	s.Fee = policy.Fee(s.ToSeller)
	if err := s.check(held); err != nil {
		return Settlement{}, err
	}
	return s, nil
}

// sellerShare rounds down so an odd unit goes back to the buyer. The product
// is taken in decimal because held*bps does not fit int64 for large escrows.
func sellerShare(held int64, buyerBps int) int64 {
	return decimal.NewFromInt(held).
		Mul(decimal.NewFromInt(int64(maxBps - buyerBps))).
		Div(decimal.NewFromInt(maxBps)).
		Floor().
		IntPart()
}

func (s Settlement) check(held int64) error {
	if s.ToBuyer < 0 || s.ToSeller < 0 || s.ToBuyer > held || s.ToSeller > held || s.ToBuyer+s.ToSeller != held {
		return fmt.Errorf("settlement of %d does not balance: buyer=%d seller=%d", held, s.ToBuyer, s.ToSeller)
	}
	if s.Fee < 0 || s.Fee > s.ToSeller {
		return fmt.Errorf("settlement fee %d outside seller leg %d", s.Fee, s.ToSeller)
	}
	return nil
}
