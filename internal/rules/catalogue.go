package rules

import (
	"context"

	binance "github.com/adshao/go-binance/v2"
)

// FetchCatalogue retrieves the exchange-rules catalogue for the given
// symbols. An empty symbol list fetches the whole catalogue.
func FetchCatalogue(ctx context.Context, client *binance.Client, symbols []string) (*binance.ExchangeInfo, error) {
	svc := client.NewExchangeInfoService()
	if len(symbols) > 0 {
		svc = svc.Symbols(symbols...)
	}
	return svc.Do(ctx)
}

// RequestWeightLimit extracts the REQUEST_WEIGHT per-minute limit from the
// catalogue's rate-limit table. It returns 0 when the limit is absent.
func RequestWeightLimit(info *binance.ExchangeInfo) int64 {
	if info == nil {
		return 0
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			return rl.Limit
		}
	}
	return 0
}
