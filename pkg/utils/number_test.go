package utils_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hankgalt/query-batcher/pkg/utils"
)

func TestParseInt64(t *testing.T) {
	n, err := utils.ParseInt64("1234567890")
	require.NoError(t, err)
	require.Equal(t, int64(1234567890), n)

	n, err = utils.ParseInt64(" 42 ")
	require.NoError(t, err)
	require.Equal(t, int64(42), n)

	_, err = utils.ParseInt64("")
	require.ErrorIs(t, err, utils.ErrEmptyString)

	_, err = utils.ParseInt64("not-a-number")
	require.ErrorIs(t, err, utils.ErrInvalidInt)

	_, err = utils.ParseInt64("999999999999999999999999999")
	require.ErrorIs(t, err, utils.ErrOutOfRange)
}

func TestInt64ToString(t *testing.T) {
	require.Equal(t, "100", utils.Int64ToString(100))
	require.Equal(t, "-7", utils.Int64ToString(-7))
}
