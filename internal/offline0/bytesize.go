package offline0

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a size in bytes that reads and prints as "512k", "8m", "1.5g".
type ByteSize int64

const (
	kib ByteSize = 1024
	mib          = 1024 * kib
	gib          = 1024 * mib
)

func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSpace(strings.TrimSuffix(s, "b"))
	if s == "" {
		return 0, fmt.Errorf("invalid size")
	}

	mult := ByteSize(1)
	switch s[len(s)-1] {
	case 'k':
		mult = kib
	case 'm':
		mult = mib
	case 'g':
		mult = gib
	}
	if mult > 1 {
		s = strings.TrimSpace(s[:len(s)-1])
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return ByteSize(v * float64(mult)), nil
}

func (b ByteSize) String() string {
	switch {
	case b < kib:
		return fmt.Sprintf("%db", int64(b))
	case b < mib:
		return trimFloat(float64(b)/float64(kib)) + "kb"
	case b < gib:
		return trimFloat(float64(b)/float64(mib)) + "mb"
	}
	return trimFloat(float64(b)/float64(gib)) + "gb"
}

func trimFloat(f float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", f), ".0")
}
