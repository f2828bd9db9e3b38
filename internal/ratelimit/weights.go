package ratelimit

// Endpoint kinds used by the weight heuristics. The exchange publishes a
// distinct cost per endpoint and, for depth, per requested limit.
const (
	EndpointDepth        = "depth"
	EndpointKlines       = "klines"
	EndpointTrades       = "trades"
	EndpointExchangeInfo = "exchangeInfo"
	EndpointTicker       = "ticker"
)

// weightFor estimates the request weight the exchange will charge for the
// given spec.
func weightFor(spec RequestSpec) int64 {
	switch spec.Endpoint {
	case EndpointDepth:
		switch {
		case spec.DepthLimit <= 100:
			return 5
		case spec.DepthLimit <= 500:
			return 25
		case spec.DepthLimit <= 1000:
			return 50
		default:
			return 250
		}
	case EndpointKlines:
		return 2
	case EndpointTrades:
		return 10
	case EndpointExchangeInfo:
		return 20
	case EndpointTicker:
		if spec.AllSymbols {
			return 40
		}
		return 2
	default:
		return 1
	}
}
