package dispute_test

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowline/internal/dispute"
	"escrowline/internal/domain"
	"escrowline/internal/fees"
)

var threePercent = fees.Policy{Version: 1, EscrowFeePercent: decimal.NewFromInt(3)}

func TestResolveBuyerFavor(t *testing.T) {
	s, err := dispute.Resolve(400000, domain.ResolutionBuyerFavor, nil, threePercent)
	require.NoError(t, err)
	assert.Equal(t, int64(400000), s.ToBuyer)
	assert.Zero(t, s.ToSeller)
	assert.Zero(t, s.Fee)
	assert.Equal(t, domain.StatusCancelled, s.Outcome)
}

func TestResolveSellerFavor(t *testing.T) {
	s, err := dispute.Resolve(400000, domain.ResolutionSellerFavor, nil, threePercent)
	require.NoError(t, err)
	assert.Equal(t, int64(400000), s.ToSeller)
	assert.Equal(t, int64(12000), s.Fee)
	assert.Equal(t, int64(388000), s.SellerNet())
	assert.Equal(t, domain.StatusCompleted, s.Outcome)
}

func TestResolveMutualDefaultsToEvenSplit(t *testing.T) {
	s, err := dispute.Resolve(400000, domain.ResolutionMutual, nil, threePercent)
	require.NoError(t, err)
	assert.Equal(t, int64(200000), s.ToBuyer)
	assert.Equal(t, int64(200000), s.ToSeller)
	require.NotNil(t, s.BuyerShareBps)
	assert.Equal(t, dispute.DefaultBuyerShareBps, *s.BuyerShareBps)
}

func TestResolveMutualOddRemainderGoesToBuyer(t *testing.T) {
	s, err := dispute.Resolve(101, domain.ResolutionMutual, nil, fees.Policy{})
	require.NoError(t, err)
	assert.Equal(t, int64(50), s.ToSeller)
	assert.Equal(t, int64(51), s.ToBuyer)
}

func TestResolveMutualLargeHeld(t *testing.T) {
	const held = int64(2_000_000_000_000_000)
	s, err := dispute.Resolve(held, domain.ResolutionMutual, nil, threePercent)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000_000_000), s.ToSeller)
	assert.Equal(t, int64(1_000_000_000_000_000), s.ToBuyer)
	assert.Equal(t, int64(30_000_000_000_000), s.Fee)

	bps := 3333
	s, err = dispute.Resolve(math.MaxInt64, domain.ResolutionMutual, &bps, threePercent)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, s.ToSeller, int64(0))
	assert.Positive(t, s.ToBuyer)
	assert.Equal(t, int64(math.MaxInt64), s.ToBuyer+s.ToSeller)
}

func TestResolveRejectsBadInput(t *testing.T) {
	bps := 2500
	_, err := dispute.Resolve(100, domain.ResolutionBuyerFavor, &bps, threePercent)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	bad := 10001
	_, err = dispute.Resolve(100, domain.ResolutionMutual, &bad, threePercent)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = dispute.Resolve(100, domain.Resolution("coin_flip"), nil, threePercent)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestResolveConservesHeld(t *testing.T) {
	properties := gopter.NewProperties(nil)
	resolutions := []domain.Resolution{domain.ResolutionBuyerFavor, domain.ResolutionSellerFavor, domain.ResolutionMutual}

	properties.Property("buyer plus seller equals held", prop.ForAll(
		func(held int64, which int, bps int, pct int64) bool {
			res := resolutions[which]
			var share *int
			if res == domain.ResolutionMutual {
				share = &bps
			}
			s, err := dispute.Resolve(held, res, share, fees.Policy{EscrowFeePercent: decimal.NewFromInt(pct)})
			if err != nil {
				return false
			}
			return s.ToBuyer+s.ToSeller == held &&
				s.ToBuyer >= 0 && s.ToSeller >= 0 &&
				s.Fee >= 0 && s.Fee <= s.ToSeller
		},
		gen.Int64Range(0, math.MaxInt64/2),
		gen.IntRange(0, 2),
		gen.IntRange(0, 10000),
		gen.Int64Range(0, 100),
	))

	properties.TestingRun(t)
}
