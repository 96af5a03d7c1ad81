package config

// Logger 日志配置
type Logger struct {
	Level      string `json:"level" yaml:"level"`
	Mode       string `json:"mode" yaml:"mode"`
	Filename   string `json:"filename" yaml:"filename"`
	MaxSizeMB  int    `json:"maxSizeMb" yaml:"maxSizeMb"`
	MaxBackups int    `json:"maxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays" yaml:"maxAgeDays"`
	JSON       bool   `json:"json" yaml:"json"`
}

func defaultLogger() *Logger {
	return &Logger{
		Level:      "info",
		Mode:       "stdout",
		Filename:   "settlement.log",
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 30,
	}
}
