package config

// Provider 上游矿池接口
type Provider struct {
	Url         string  `json:"url" yaml:"url"`
	Timeout     string  `json:"timeout" yaml:"timeout"`
	RateLimit   float64 `json:"rateLimit" yaml:"rateLimit"`
	Burst       int     `json:"burst" yaml:"burst"`
	MaxRetries  int     `json:"maxRetries" yaml:"maxRetries"`
	MaxBackoff  string  `json:"maxBackoff" yaml:"maxBackoff"`
	CacheTTL    string  `json:"cacheTtl" yaml:"cacheTtl"`
	RateUnit    string  `json:"rateUnit" yaml:"rateUnit"`
	AmountShift int32   `json:"amountShift" yaml:"amountShift"`
}

func defaultProvider() *Provider {
	return &Provider{
		Url:        "http://127.0.0.1:8545",
		Timeout:    "10s",
		RateLimit:  5,
		Burst:      5,
		MaxRetries: 4,
		MaxBackoff: "30s",
		CacheTTL:   "2m",
		RateUnit:   "H/s",
	}
}
