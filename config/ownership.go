package config

// Ownership 矿机归属
type Ownership struct {
	WorkerPrefix    string `json:"workerPrefix" yaml:"workerPrefix"`
	AllowSynthetic  bool   `json:"allowSynthetic" yaml:"allowSynthetic"`
	RefreshInterval string `json:"refreshInterval" yaml:"refreshInterval"`
	MaxStaleness    string `json:"maxStaleness" yaml:"maxStaleness"`
	CacheSize       int    `json:"cacheSize" yaml:"cacheSize"`
	CacheTTL        string `json:"cacheTtl" yaml:"cacheTtl"`
}

func defaultOwnership() *Ownership {
	return &Ownership{
		RefreshInterval: "5m",
		MaxStaleness:    "15m",
		CacheSize:       100000,
		CacheTTL:        "5m",
	}
}
