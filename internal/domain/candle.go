package domain

import "time"

// Candle represents a single OHLCV data point.
type Candle struct {
	OpenTime  time.Time // Start time of the interval
	CloseTime time.Time // End time of the interval
	Coin      string    // Coin the candle belongs to
	Timeframe string    // Candle timeframe (e.g. "1m", "1h")
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}
