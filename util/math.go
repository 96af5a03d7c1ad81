package util

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

var (
	rateUnits = map[string]int64{
		"":     1,
		"h/s":  1,
		"kh/s": 1e3,
		"mh/s": 1e6,
		"gh/s": 1e9,
		"th/s": 1e12,
		"ph/s": 1e15,
		"eh/s": 1e18,
	}
)

// ParseNumber 解析数字: JSON number, decimal string or 0x hex string.
func ParseNumber(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case nil:
		return decimal.Zero, nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(n), 0), nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return decimal.Zero, nil
		}
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			b, err := hexutil.DecodeBig("0x" + strings.TrimLeft(s[2:], "0"))
			if err != nil {
				if strings.Trim(s[2:], "0") == "" {
					return decimal.Zero, nil
				}
				return decimal.Zero, err
			}
			return decimal.NewFromBigInt(b, 0), nil
		}
		return decimal.NewFromString(s)
	default:
		return decimal.Zero, fmt.Errorf("unsupported numeric type %T", v)
	}
}

// RateMultiplier returns the factor converting a rate in unit to H/s.
func RateMultiplier(unit string) (int64, bool) {
	m, ok := rateUnits[strings.ToLower(strings.TrimSpace(unit))]
	return m, ok
}
