package config

type Redis struct {
	Url      string `json:"url" yaml:"url"`
	Password string `json:"password" yaml:"password"`
	Prefix   string `json:"prefix" yaml:"prefix"`
	Database int    `json:"database" yaml:"database"`
	PoolSize int    `json:"poolSize" yaml:"poolSize"`
}

func defaultRedis() *Redis {
	return &Redis{
		Url:      "127.0.0.1:6379",
		Prefix:   "settle",
		PoolSize: 10,
	}
}
