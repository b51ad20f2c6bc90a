package models

import "time"

const (
	StatusTrading         = "TRADING"
	ContractTypePerpetual = "PERPETUAL"
	DailyInterval         = "1d"
	GainWindowBars        = 3
)

// Instrument represents one contract listed in the exchange info response
type Instrument struct {
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`
	ContractType string `json:"contract_type"`
}

// Tradable reports whether the instrument belongs to the scan universe.
func (i Instrument) Tradable() bool {
	return i.Status == StatusTrading && i.ContractType == ContractTypePerpetual
}

// Ticker is the liquidity-relevant part of a 24h ticker entry
type Ticker struct {
	Symbol      string  `json:"symbol"`
	QuoteVolume float64 `json:"quote_volume"`
}

// PriceBar represents a single daily kline
type PriceBar struct {
	OpenTime    time.Time `json:"open_time"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	CloseTime   time.Time `json:"close_time"`
	QuoteVolume float64   `json:"quote_volume"`
	TradeCount  int64     `json:"trade_count"`
}

// CacheEntry is the persisted instrument universe.
type CacheEntry struct {
	Timestamp int64    `json:"timestamp"`
	Symbols   []string `json:"symbols"`
}

// Fresh reports whether the entry is younger than ttl at now.
func (e CacheEntry) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(time.Unix(e.Timestamp, 0)) < ttl
}
