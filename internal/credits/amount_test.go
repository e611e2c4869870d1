package credits

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Amount
		err  bool
	}{
		{"4", 400, false},
		{"4.5", 450, false},
		{"4.00", 400, false},
		{"0.01", 1, false},
		{"-2.25", -225, false},
		{"1.005", 0, true},
		{"abc", 0, true},
		{"10000000000000", 1_000_000_000_000_000, false},
		{"-10000000000000", -1_000_000_000_000_000, false},
		{"10000000000000.01", 0, true},
		{"92233720368547758.08", 0, true},
		{"100000000000000000000", 0, true},
		{"-100000000000000000000", 0, true},
		{"1e2000000000", 0, true},
		{"1e-2000000000", 0, true},
		{"Infinity", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStringIsFixedPoint(t *testing.T) {
	assert.Equal(t, "4.00", FromUnits(4).String())
	assert.Equal(t, "0.07", FromHundredths(7).String())
	assert.Equal(t, "-1.50", FromHundredths(-150).String())
}

func TestFromDecimalRoundsUp(t *testing.T) {
	tests := []struct {
		in   string
		want Amount
	}{
		{"1.001", 101},
		{"1.00", 100},
		{"-1.009", -100},
	}
	for _, tt := range tests {
		got, err := FromDecimal(decimal.RequireFromString(tt.in))
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestFromDecimalOutOfRange(t *testing.T) {
	for _, in := range []string{"1e30", "-1e30", "92233720368547758.08", "10000000000000.001"} {
		_, err := FromDecimal(decimal.RequireFromString(in))
		assert.ErrorIs(t, err, ErrOutOfRange, in)
	}
}

func TestAdd(t *testing.T) {
	sum, err := Add(FromUnits(2), FromHundredths(-50))
	require.NoError(t, err)
	assert.Equal(t, Amount(150), sum)

	sum, err = Add(MaxAmount-1, 1)
	require.NoError(t, err)
	assert.Equal(t, MaxAmount, sum)

	_, err = Add(MaxAmount, 1)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = Add(-MaxAmount, -1)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = Add(Amount(math.MaxInt64), Amount(math.MaxInt64))
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestJSON(t *testing.T) {
	raw, err := json.Marshal(struct {
		Cost Amount `json:"cost"`
	}{Cost: MustParse("10.5")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"cost":"10.50"}`, string(raw))

	var fromNumber struct {
		Cost Amount `json:"cost"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"cost": 3.25}`), &fromNumber))
	assert.Equal(t, Amount(325), fromNumber.Cost)

	var fromString struct {
		Cost Amount `json:"cost"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"cost": "6"}`), &fromString))
	assert.Equal(t, FromUnits(6), fromString.Cost)

	var tooLarge struct {
		Cost Amount `json:"cost"`
	}
	err = json.Unmarshal([]byte(`{"cost": 1e30}`), &tooLarge)
	assert.ErrorIs(t, err, ErrOutOfRange)
}
