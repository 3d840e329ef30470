package indicators

import (
	"math"
)

// RSI calculates Relative Strength Index
func RSI(prices []float64, period int) float64 {
	if period <= 0 || len(prices) < period+1 {
		return 50 // Neutral if not enough data
	}

	gains := make([]float64, 0, len(prices)-1)
	losses := make([]float64, 0, len(prices)-1)

	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -change)
		}
	}

	// Wilder smoothing
	avgGain := average(gains[:period])
	avgLoss := average(losses[:period])
	for i := period; i < len(gains); i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// EMA calculates Exponential Moving Average
func EMA(prices []float64, period int) float64 {
	series := emaSeries(prices, period)
	if len(series) == 0 {
		return average(prices)
	}
	return series[len(series)-1]
}

// emaSeries returns the EMA value at every index from period-1 onwards
func emaSeries(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) < period {
		return nil
	}

	multiplier := 2.0 / float64(period+1)
	out := make([]float64, 0, len(prices)-period+1)
	ema := average(prices[:period])
	out = append(out, ema)

	for i := period; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
		out = append(out, ema)
	}
	return out
}

// SMA calculates Simple Moving Average over the last period values
func SMA(prices []float64, period int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if period <= 0 || len(prices) < period {
		return average(prices)
	}

	return average(prices[len(prices)-period:])
}

// MACD calculates MACD line, signal line and histogram
func MACD(prices []float64, fastPeriod, slowPeriod, signalPeriod int) (float64, float64, float64) {
	slow := emaSeries(prices, slowPeriod)
	fast := emaSeries(prices, fastPeriod)
	if len(slow) == 0 || len(fast) < len(slow) {
		return 0, 0, 0
	}

	// Align the fast series with the slow one
	fast = fast[len(fast)-len(slow):]
	line := make([]float64, len(slow))
	for i := range slow {
		line[i] = fast[i] - slow[i]
	}

	macd := line[len(line)-1]
	signal := EMA(line, signalPeriod)
	return macd, signal, macd - signal
}

// deviation calculates population standard deviation
func deviation(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}

	avg := average(prices)
	sumSquares := 0.0
	for _, p := range prices {
		sumSquares += (p - avg) * (p - avg)
	}

	return math.Sqrt(sumSquares / float64(len(prices)))
}

// ATR calculates Average True Range. Series of different lengths or shorter
// than period+1 return 0.
func ATR(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if period <= 0 || len(highs) != n || len(lows) != n || n < period+1 {
		return 0
	}

	trs := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		tr := math.Max(
			highs[i]-lows[i],
			math.Max(
				math.Abs(highs[i]-closes[i-1]),
				math.Abs(lows[i]-closes[i-1]),
			),
		)
		trs = append(trs, tr)
	}

	return SMA(trs, period)
}

// ATRRatio is ATR as a fraction of the last close
func ATRRatio(highs, lows, closes []float64, period int) float64 {
	atr := ATR(highs, lows, closes, period)
	if atr == 0 || len(closes) == 0 || closes[len(closes)-1] <= 0 {
		return 0
	}
	return atr / closes[len(closes)-1]
}

// BollingerBands calculates Bollinger Bands
func BollingerBands(prices []float64, period int, stdDev float64) (upper, middle, lower float64) {
	if period <= 0 || len(prices) < period {
		return 0, 0, 0
	}

	middle = SMA(prices, period)
	vol := deviation(prices[len(prices)-period:])

	upper = middle + (vol * stdDev)
	lower = middle - (vol * stdDev)

	return upper, middle, lower
}

// Momentum is the percent change over period
func Momentum(prices []float64, period int) float64 {
	if period <= 0 || len(prices) <= period {
		return 0
	}

	current := prices[len(prices)-1]
	past := prices[len(prices)-1-period]
	if past == 0 {
		return 0
	}
	return (current - past) / past * 100
}

func average(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}
