package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestScale(t *testing.T) {
	assert.Equal(t, int32(2), Scale("USD"))
	assert.Equal(t, int32(2), Scale("EUR"))
	assert.Equal(t, int32(0), Scale("JPY"))
	assert.Equal(t, int32(3), Scale("KWD"))
	assert.Equal(t, int32(2), Scale("XYZ"))
}

func TestRound_HalfEven(t *testing.T) {
	cases := []struct {
		in       string
		currency string
		want     string
	}{
		{"1.005", "USD", "1"},     // half rounds to even 1.00
		{"1.015", "USD", "1.02"},  // half rounds to even 1.02
		{"1.025", "USD", "1.02"},  // half rounds down to even
		{"2.675", "USD", "2.68"},
		{"0.5", "JPY", "0"},
		{"1.5", "JPY", "2"},
		{"1.0005", "KWD", "1"},
		{"-1.005", "USD", "-1"},
	}
	for _, tc := range cases {
		got := Round(decimal.RequireFromString(tc.in), tc.currency)
		assert.True(t, got.Equal(decimal.RequireFromString(tc.want)),
			"Round(%s, %s) = %s, want %s", tc.in, tc.currency, got, tc.want)
	}
}
