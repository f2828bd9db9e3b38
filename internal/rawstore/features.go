package rawstore

import (
	"math"
)

// Features are rolling indicators derived from closed candles, kept in
// memory alongside the raw archive for quick strategy warm-up.
type Features struct {
	Volatility float64 `json:"volatility"`
	RSI        float64 `json:"rsi"`
	VWAP       float64 `json:"vwap"`
	Samples    int     `json:"samples"`
}

const rsiPeriod = 14

type featureSeries struct {
	closes  []float64
	volumes []float64
	limit   int
}

func (fs *featureSeries) push(close, volume float64) {
	fs.closes = append(fs.closes, close)
	fs.volumes = append(fs.volumes, volume)
	if len(fs.closes) > fs.limit {
		fs.closes = fs.closes[1:]
		fs.volumes = fs.volumes[1:]
	}
}

// UpdateKlineFeatures folds one closed candle into the rolling series for
// (symbol, interval).
func (s *Store) UpdateKlineFeatures(symbol, interval string, close, volume float64) {
	key := symbol + "|" + interval
	s.mu.Lock()
	fs, ok := s.features[key]
	if !ok {
		fs = &featureSeries{limit: s.cfg.FeatureHistory}
		s.features[key] = fs
	}
	fs.push(close, volume)
	s.mu.Unlock()
}

// Features computes the current indicators for (symbol, interval). The
// second return is false until at least two candles have been recorded.
func (s *Store) Features(symbol, interval string) (Features, bool) {
	key := symbol + "|" + interval
	s.mu.Lock()
	fs, ok := s.features[key]
	var closes, volumes []float64
	if ok {
		closes = append([]float64(nil), fs.closes...)
		volumes = append([]float64(nil), fs.volumes...)
	}
	s.mu.Unlock()

	if len(closes) < 2 {
		return Features{}, false
	}
	return Features{
		Volatility: logReturnStddev(closes),
		RSI:        relativeStrength(closes),
		VWAP:       volumeWeightedPrice(closes, volumes),
		Samples:    len(closes),
	}, true
}

// logReturnStddev is the sample standard deviation of log returns.
func logReturnStddev(closes []float64) float64 {
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(closes[i]/closes[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var sum float64
	for _, r := range returns {
		d := r - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(returns)-1))
}

// relativeStrength is the classic RSI over up to rsiPeriod deltas. With
// fewer samples it uses what is available.
func relativeStrength(closes []float64) float64 {
	start := len(closes) - rsiPeriod - 1
	if start < 0 {
		start = 0
	}
	var gains, losses float64
	var n int
	for i := start + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gains += d
		} else {
			losses -= d
		}
		n++
	}
	if n == 0 {
		return 50
	}
	avgGain := gains / float64(n)
	avgLoss := losses / float64(n)
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

func volumeWeightedPrice(closes, volumes []float64) float64 {
	var pv, v float64
	for i := range closes {
		pv += closes[i] * volumes[i]
		v += volumes[i]
	}
	if v == 0 {
		return 0
	}
	return pv / v
}
