package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a byte count that supports human-readable parsing such as
// "10MB", "1.5GiB", or a raw integer byte count. Units are binary
// (1 KB == 1024 bytes), matching common media tooling expectations.
//
// It implements encoding.TextUnmarshaler for Viper/YAML support.
type ByteSize int64

// Binary unit multipliers.
const (
	kib = 1 << (10 * (iota + 1))
	mib
	gib
	tib
)

// ParseByteSize parses a human-readable byte size string.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty byte size")
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("byte size cannot be negative: %d", n)
		}
		return ByteSize(n), nil
	}

	upper := strings.ToUpper(s)
	var mult float64
	var numPart string
	switch {
	case strings.HasSuffix(upper, "TIB"), strings.HasSuffix(upper, "TB"):
		mult, numPart = tib, strings.TrimRight(upper, "TIB")
	case strings.HasSuffix(upper, "GIB"), strings.HasSuffix(upper, "GB"):
		mult, numPart = gib, strings.TrimRight(upper, "GIB")
	case strings.HasSuffix(upper, "MIB"), strings.HasSuffix(upper, "MB"):
		mult, numPart = mib, strings.TrimRight(upper, "MIB")
	case strings.HasSuffix(upper, "KIB"), strings.HasSuffix(upper, "KB"):
		mult, numPart = kib, strings.TrimRight(upper, "KIB")
	case strings.HasSuffix(upper, "B"):
		mult, numPart = 1, strings.TrimSuffix(upper, "B")
	default:
		return 0, fmt.Errorf("invalid byte size %q", s)
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(numPart), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("byte size cannot be negative: %q", s)
	}
	return ByteSize(value * mult), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML/Viper support.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	return b.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Bytes returns the raw byte count.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// String returns a human-readable representation using the largest unit
// that divides the value evenly, falling back to a raw byte count.
func (b ByteSize) String() string {
	n := int64(b)
	switch {
	case n >= tib && n%tib == 0:
		return fmt.Sprintf("%dTB", n/tib)
	case n >= gib && n%gib == 0:
		return fmt.Sprintf("%dGB", n/gib)
	case n >= mib && n%mib == 0:
		return fmt.Sprintf("%dMB", n/mib)
	case n >= kib && n%kib == 0:
		return fmt.Sprintf("%dKB", n/kib)
	default:
		return strconv.FormatInt(n, 10)
	}
}
