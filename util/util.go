package util

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	zeroHashPattern  = regexp.MustCompile("^0?x?0+$")
	syntheticPattern = regexp.MustCompile(`USR-(\d{1,18})`)
)

// IsZeroHash 是否是零的十六进制
func IsZeroHash(s string) bool {
	return zeroHashPattern.MatchString(s)
}

// IsValidHexAddress 是否是有效钱包地址
func IsValidHexAddress(s string) bool {
	if IsZeroHash(s) || !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return false
	}
	return true
}

// BaseWorkerID returns the part of a worker id before the first '.', ':' or '/'.
func BaseWorkerID(id string) string {
	if i := strings.IndexAny(id, ".:/"); i >= 0 {
		return id[:i]
	}
	return id
}

// ParseSyntheticUserID extracts the user id embedded as USR-<digits>.
func ParseSyntheticUserID(id string) (int64, bool) {
	m := syntheticPattern.FindStringSubmatch(id)
	if m == nil {
		return 0, false
	}
	userID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || userID <= 0 {
		return 0, false
	}
	return userID, true
}
