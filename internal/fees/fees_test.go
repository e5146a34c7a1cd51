package fees_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowline/internal/domain"
	"escrowline/internal/fees"
)

func TestFeeRounding(t *testing.T) {
	cases := []struct {
		name    string
		percent string
		amount  int64
		want    int64
	}{
		{"three percent", "3", 600000, 18000},
		{"half rounds up", "2.5", 100, 3},
		{"below half rounds down", "2.5", 99, 2},
		{"zero percent", "0", 500000, 0},
		{"full percent", "100", 1234, 1234},
		{"zero amount", "3", 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := fees.Parse(tc.percent, 0)
			require.NoError(t, err)
			assert.Equal(t, tc.want, p.Fee(tc.amount))
		})
	}
}

func TestParseRejectsOutOfRange(t *testing.T) {
	for _, pct := range []string{"-1", "100.01", "abc"} {
		_, err := fees.Parse(pct, 0)
		var verr domain.ValidationError
		assert.True(t, errors.As(err, &verr), "percent %s", pct)
	}
	_, err := fees.Parse("3", -5)
	assert.Error(t, err)
}

func TestCheckMinimum(t *testing.T) {
	p := fees.Policy{EscrowFeePercent: decimal.NewFromInt(3), MinEscrowAmount: 10000}
	require.NoError(t, p.CheckMinimum(10000))

	err := p.CheckMinimum(9999)
	var below domain.BelowMinimumError
	require.True(t, errors.As(err, &below))
	assert.Equal(t, int64(10000), below.Minimum)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestStaticSource(t *testing.T) {
	src := fees.Static{Version: 4, EscrowFeePercent: decimal.NewFromInt(3)}
	p, err := src.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.Version)
	assert.Equal(t, "3", p.PercentString())
}
