package kibi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytes(t *testing.T) {
	require.Equal(t, "0 bytes", Bytes(0))
	require.Equal(t, "1023 bytes", Bytes(1023))
	require.Equal(t, "1 KB", Bytes(1024))
	require.Equal(t, "35 MB", Bytes(35*1024*1024+5))
	require.Equal(t, "1023 MB", Bytes(1023*1024*1024))
	require.Equal(t, "1 GB", Bytes(1024*1024*1024))
	require.Equal(t, "2048 PB", Bytes(2048*1024*1024*1024*1024*1024))
}

func TestParse(t *testing.T) {
	good := map[string]int64{
		"0":        0,
		"12345":    12345,
		"50 bytes": 50,
		"50 kb":    50 * 1024,
		"50 KB":    50 * 1024,
		"50K":      50 * 1024,
		"50 mb":    50 * 1024 * 1024,
		" 2 g ":    2 * 1024 * 1024 * 1024,
		"50 tb":    50 * 1024 * 1024 * 1024 * 1024,
		"50 pb":    50 * 1024 * 1024 * 1024 * 1024 * 1024,
		"1GiB":     1024 * 1024 * 1024,
		"64 MiB":   64 * 1024 * 1024,
		"3kib":     3 * 1024,
		"7 b":      7,
		"8191 pb":  8191 * 1024 * 1024 * 1024 * 1024 * 1024,
	}
	for s, expect := range good {
		v, err := Parse(s)
		require.NoError(t, err, s)
		require.Equal(t, expect, v, s)
	}

	for _, s := range []string{"", "50 pbz", "50.1", "kb", "-5", "1 bib", "8192 pb", "99999999 pb", "99999999999999999999"} {
		_, err := Parse(s)
		require.ErrorIs(t, err, ErrInvalidByteSizeString, s)
	}
}
