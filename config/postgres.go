package config

type Postgres struct {
	Address  string `json:"address" yaml:"address"`
	Database string `json:"database" yaml:"database"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	PoolSize int    `json:"poolSize" yaml:"poolSize"`
	Timeout  string `json:"timeout" yaml:"timeout"`
}

func defaultPostgres() *Postgres {
	return &Postgres{
		Address:  "127.0.0.1:5432",
		Database: "settlement",
		Username: "postgres",
		PoolSize: 10,
		Timeout:  "5s",
	}
}
