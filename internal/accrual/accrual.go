// Package accrual computes reward accrual and the published vault rate.
//
// Everything here is pure: callers pass the clock reading in, so the same
// inputs always produce the same owed amount.
package accrual

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Year is the accrual year (365.25 days).
const Year = 365*24*time.Hour + 6*time.Hour

// RatePeriod is the period of the published-rate oscillation.
const RatePeriod = 6 * time.Hour

const (
	rateCentre    = 0.65 // fraction of the [min, max] range
	rateAmplitude = 0.35
)

var hundred = decimal.NewFromInt(100)

// Clock is the source of "now" for accrual-sensitive code.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns T. Useful for tests and replays.
type FixedClock struct{ T time.Time }

func (c FixedClock) Now() time.Time { return c.T }

// PendingRewards returns principal × apy/100 × elapsed/Year (simple interest).
// Non-positive principal or elapsed time owes nothing.
func PendingRewards(principal, apyPercent decimal.Decimal, elapsed time.Duration) decimal.Decimal {
	if elapsed <= 0 || !principal.IsPositive() || !apyPercent.IsPositive() {
		return decimal.Zero
	}
	frac := decimal.NewFromInt(int64(elapsed)).Div(decimal.NewFromInt(int64(Year)))
	return principal.Mul(apyPercent).Div(hundred).Mul(frac)
}

// PublishedRate derives the display APY for a vault at now. The value
// oscillates with RatePeriod around 65% of the range and never leaves
// [apyMin, apyMax]. It is advisory: a claim snapshots it once and pays from
// that snapshot.
func PublishedRate(apyMin, apyMax decimal.Decimal, now time.Time) decimal.Decimal {
	if apyMax.LessThanOrEqual(apyMin) {
		return apyMin
	}
	width := apyMax.Sub(apyMin)
	phase := 2 * math.Pi * float64(now.UnixNano()%int64(RatePeriod)) / float64(RatePeriod)
	pos := rateCentre + rateAmplitude*math.Sin(phase)

	rate := apyMin.Add(width.Mul(decimal.NewFromFloat(pos))).Round(4)
	if rate.LessThan(apyMin) {
		return apyMin
	}
	if rate.GreaterThan(apyMax) {
		return apyMax
	}
	return rate
}

// TruncateToToken drops precision the token cannot represent.
func TruncateToToken(amount decimal.Decimal, decimals int32) decimal.Decimal {
	return amount.Truncate(decimals)
}
