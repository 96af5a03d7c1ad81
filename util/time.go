package util

import (
	"time"
)

// MustParseDuration 将字符串转换成时段
func MustParseDuration(s string) time.Duration {
	value, err := time.ParseDuration(s)
	if err != nil {
		panic("Can't parse duration `" + s + "`: " + err.Error())
	}
	return value
}

// ParseDurationOr returns the parsed duration, or fallback when s is empty.
func ParseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	return MustParseDuration(s)
}

// BucketStart floors t to a multiple of size counted from the unix epoch.
func BucketStart(t time.Time, size time.Duration) time.Time {
	if size <= 0 {
		return t.UTC()
	}
	sec := int64(size / time.Second)
	if sec <= 0 {
		return t.UTC().Truncate(size)
	}
	unix := t.Unix()
	return time.Unix(unix-mod(unix, sec), 0).UTC()
}

// DayStart 返回UTC零点
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
