package utils

import (
	"errors"
	"math"
	"math/big"
	"strconv"
	"strings"
)

const (
	ERR_EMPTY_STRING = "empty string"
	ERR_INVALID_INT  = "invalid integer format"
	ERR_OUT_OF_RANGE = "value out of int64 range"
)

var (
	ErrEmptyString = errors.New(ERR_EMPTY_STRING)
	ErrInvalidInt  = errors.New(ERR_INVALID_INT)
	ErrOutOfRange  = errors.New(ERR_OUT_OF_RANGE)
)

// ParseInt64 converts a numeric string into int64.
// Returns error if the value doesn't fit in int64.
// n1, _ := ParseInt64("1234567890")         // fits in int64
// n2, err := ParseInt64("999999999999999999999999999")
// err: value out of int64 range
func ParseInt64(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrEmptyString
	}

	// First try native 64-bit parse
	v, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		return v, nil
	}

	// If it fails, maybe it's just too big
	bigInt, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return 0, ErrInvalidInt
	}

	if bigInt.Cmp(big.NewInt(math.MaxInt64)) > 0 ||
		bigInt.Cmp(big.NewInt(math.MinInt64)) < 0 {
		return 0, ErrOutOfRange
	}

	return bigInt.Int64(), nil
}

// Int64ToString converts an int64 into its decimal string representation.
func Int64ToString(v int64) string {
	return strconv.FormatInt(v, 10)
}
