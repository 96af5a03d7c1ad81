package config

// Harvester 收集器
type Harvester struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	Interval         string `json:"interval" yaml:"interval"`
	RateField        string `json:"rateField" yaml:"rateField"`
	MaxShareAge      string `json:"maxShareAge" yaml:"maxShareAge"`
	SnapshotInterval string `json:"snapshotInterval" yaml:"snapshotInterval"`
}

func defaultHarvester() *Harvester {
	return &Harvester{
		Enabled:          true,
		Interval:         "60s",
		RateField:        "average",
		MaxShareAge:      "10m",
		SnapshotInterval: "5m",
	}
}
