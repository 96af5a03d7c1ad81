package config

import "github.com/shopspring/decimal"

// Rates 汇率, keyed by "COIN/CURRENCY".
type Rates struct {
	Static map[string]decimal.Decimal `json:"static" yaml:"static"`
	TTL    string                     `json:"ttl" yaml:"ttl"`
	// MaxStale bounds how long a cached rate is served while the source fails.
	MaxStale string `json:"maxStale" yaml:"maxStale"`
}

func defaultRates() *Rates {
	return &Rates{
		Static:   map[string]decimal.Decimal{},
		TTL:      "1m",
		MaxStale: "15m",
	}
}
