package adapter

import (
	"math/big"

	"yieldsource/savings"
)

// RateSource reports the facility's live credits->underlying exchange rate,
// scaled by 1e18. Implementations accrue interest before answering, so the
// rate must be fetched fresh on every conversion and never cached.
type RateSource interface {
	ExchangeRate() (*big.Int, error)
}

// creditsToUnderlying converts a credit quantity to underlying units at the
// given rate: floor(credits * rate / 1e18). Truncation is deliberate; a
// depositor's claim is never overreported. There is no inverse conversion —
// the facility alone decides how many credits a deposit mints.
func creditsToUnderlying(credits, rate *big.Int) *big.Int {
	if credits == nil || credits.Sign() <= 0 || rate == nil || rate.Sign() <= 0 {
		return big.NewInt(0)
	}
	value := new(big.Int).Mul(credits, rate)
	return value.Quo(value, savings.Scale)
}
