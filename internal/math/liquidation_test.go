package math_test

import (
	"testing"

	fpmath "PerpStats/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeLeverage(t *testing.T) {
	lev, err := fpmath.ComputeLeverage(fpmath.Units(1000), fpmath.Units(100))
	require.NoError(t, err)
	assert.True(t, lev.Equal(fpmath.Units(10)), "got %s", lev)

	// integer division: 1000 / 3 * 10^18
	lev, err = fpmath.ComputeLeverage(fpmath.Units(1000), fpmath.Units(3))
	require.NoError(t, err)
	assert.Equal(t, "333333333333333333333", lev.String())
}

func TestComputeLeverageZeroMargin(t *testing.T) {
	_, err := fpmath.ComputeLeverage(fpmath.Units(1000), fpmath.Zero())
	assert.ErrorIs(t, err, fpmath.ErrDivisionByZero)
}

func TestComputeLiquidationPrice(t *testing.T) {
	price := fpmath.Units(2000)
	lev := fpmath.Units(10)

	// factor = 2000e18 * 8000 * 10000 / 10e18 = 16_000_000_000
	long, err := fpmath.ComputeLiquidationPrice(price, lev, true)
	require.NoError(t, err)
	assert.Equal(t, "1999999999984000000000", long.String())

	short, err := fpmath.ComputeLiquidationPrice(price, lev, false)
	require.NoError(t, err)
	assert.Equal(t, "2000000000016000000000", short.String())
}

func TestComputeLiquidationPriceZeroLeverage(t *testing.T) {
	_, err := fpmath.ComputeLiquidationPrice(fpmath.Units(2000), fpmath.Zero(), true)
	assert.ErrorIs(t, err, fpmath.ErrDivisionByZero)
}
