package vault

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stratafi/vault-engine/internal/accrual"
)

// RateForecast samples the published rate over the next day.
type RateForecast struct {
	Min     decimal.Decimal `json:"min"`
	Max     decimal.Decimal `json:"max"`
	Average decimal.Decimal `json:"average"`
	Hourly  []RatePoint     `json:"hourly"`
}

type RatePoint struct {
	At  time.Time       `json:"at"`
	APY decimal.Decimal `json:"apy"`
}

type VaultAnalytics struct {
	VaultView
	Headroom            decimal.Decimal `json:"headroom"`
	ProjectedDailyYield decimal.Decimal `json:"projectedDailyYield"`
	Forecast            RateForecast    `json:"forecast"`
}

// Analytics is the premium snapshot sold through the payment gate.
type Analytics struct {
	GeneratedAt time.Time        `json:"generatedAt"`
	TotalTVL    decimal.Decimal  `json:"totalTvl"`
	Vaults      []VaultAnalytics `json:"vaults"`
}

const forecastHours = 24

// Analytics builds a snapshot of every vault with a 24h rate forecast and
// the yield the current TVL would earn over the next day.
func (s *Service) Analytics(ctx context.Context) (*Analytics, error) {
	views, err := s.ListVaults(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := &Analytics{GeneratedAt: now, Vaults: make([]VaultAnalytics, 0, len(views))}

	for _, v := range views {
		fc := forecast(v.APYMin, v.APYMax, now)
		headroom := v.MaxTVL.Sub(v.TVL)
		if headroom.IsNegative() {
			headroom = decimal.Zero
		}
		out.Vaults = append(out.Vaults, VaultAnalytics{
			VaultView:           v,
			Headroom:            headroom,
			ProjectedDailyYield: accrual.TruncateToToken(accrual.PendingRewards(v.TVL, fc.Average, 24*time.Hour), s.opts.Decimals),
			Forecast:            fc,
		})
		out.TotalTVL = out.TotalTVL.Add(v.TVL)
	}
	return out, nil
}

func forecast(apyMin, apyMax decimal.Decimal, from time.Time) RateForecast {
	fc := RateForecast{Hourly: make([]RatePoint, 0, forecastHours)}
	sum := decimal.Zero
	for h := 0; h < forecastHours; h++ {
		at := from.Add(time.Duration(h) * time.Hour)
		r := accrual.PublishedRate(apyMin, apyMax, at)
		fc.Hourly = append(fc.Hourly, RatePoint{At: at, APY: r})
		if h == 0 || r.LessThan(fc.Min) {
			fc.Min = r
		}
		if h == 0 || r.GreaterThan(fc.Max) {
			fc.Max = r
		}
		sum = sum.Add(r)
	}
	fc.Average = sum.Div(decimal.NewFromInt(forecastHours)).Round(4)
	return fc
}
