package config

import "fmt"

// Payhash 算力累计
type Payhash struct {
	BucketSize      string `json:"bucketSize" yaml:"bucketSize"`
	UnitDivisor     int64  `json:"unitDivisor" yaml:"unitDivisor"`
	FlushInterval   string `json:"flushInterval" yaml:"flushInterval"`
	FlushRetries    int    `json:"flushRetries" yaml:"flushRetries"`
	RequireTrusted  bool   `json:"requireTrusted" yaml:"requireTrusted"`
	RetentionDays   int    `json:"retentionDays" yaml:"retentionDays"`
	PartitionsAhead int    `json:"partitionsAhead" yaml:"partitionsAhead"`
	RotateInterval  string `json:"rotateInterval" yaml:"rotateInterval"`
}

func defaultPayhash() *Payhash {
	return &Payhash{
		BucketSize:      "1m",
		UnitDivisor:     1000000,
		FlushInterval:   "30s",
		FlushRetries:    3,
		RequireTrusted:  true,
		RetentionDays:   8,
		PartitionsAhead: 2,
		RotateInterval:  "1h",
	}
}

func (p *Payhash) validate() error {
	if p.UnitDivisor <= 0 {
		return fmt.Errorf("payhash.unitDivisor must be positive")
	}
	if p.RetentionDays <= 0 || p.PartitionsAhead < 0 {
		return fmt.Errorf("payhash partition window is invalid")
	}
	return nil
}
