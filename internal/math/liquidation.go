package math

const (
	// LiquidationThresholdBps is 80% expressed in basis points.
	LiquidationThresholdBps = 8000
	BpsScaler               = 10000
)

var (
	liquidationThreshold = NewAmount(LiquidationThresholdBps)
	bpsScaler            = NewAmount(BpsScaler)
)

// ComputeLeverage returns size * 10^18 / margin.
func ComputeLeverage(size, margin Amount) (Amount, error) {
	return size.Mul(Unit).Div(margin)
}

// ComputeLiquidationPrice returns the price at which a position at the given
// leverage is liquidated.
//
//	factor = price * 8000 * 10000 / leverage
//	long:  price - factor
//	short: price + factor
//
// The threshold is scaled by BpsScaler a second time on purpose: stored
// liquidation prices were produced by exactly this arithmetic and must match.
func ComputeLiquidationPrice(price, leverage Amount, isLong bool) (Amount, error) {
	factor, err := price.Mul(liquidationThreshold).Mul(bpsScaler).Div(leverage)
	if err != nil {
		return Amount{}, err
	}
	if isLong {
		return price.Sub(factor), nil
	}
	return price.Add(factor), nil
}
