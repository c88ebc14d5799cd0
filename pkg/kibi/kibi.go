// Package kibi formats and parses byte sizes in powers of 1024
package kibi

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var ErrInvalidByteSizeString = errors.New("Invalid byte size string")

var sizeRegex = regexp.MustCompile(`^(\d+)\s*([a-z]*)$`)

var units = []string{"bytes", "KB", "MB", "GB", "TB", "PB"}

// Bytes formats b with the largest unit that keeps the value at least 1, rounding down
func Bytes(b int64) string {
	u := 0
	for u < len(units)-1 && b >= 1024 {
		b /= 1024
		u++
	}
	return fmt.Sprintf("%v %v", b, units[u])
}

// Parse reads sizes such as "123", "123 bytes", "50 kb", "50K", "2 GB", "1GiB".
// Units are case insensitive, may be abbreviated to their first letter, and may
// be written in the IEC form (KiB, MiB, ...). All units are powers of 1024.
func Parse(v string) (int64, error) {
	m := sizeRegex.FindStringSubmatch(strings.ToLower(strings.TrimSpace(v)))
	if m == nil {
		return 0, ErrInvalidByteSizeString
	}
	value, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidByteSizeString, err)
	}
	suffix := m[2]
	if suffix == "" || suffix == "bytes" || suffix == "b" {
		return value, nil
	}
	for i, u := range units[1:] {
		u = strings.ToLower(u)
		if suffix == u || suffix == u[:1] || suffix == u[:1]+"ib" {
			shift := 10 * (i + 1)
			if value > math.MaxInt64>>shift {
				return 0, fmt.Errorf("%w: %v is too large", ErrInvalidByteSizeString, v)
			}
			return value << shift, nil
		}
	}
	return 0, ErrInvalidByteSizeString
}
