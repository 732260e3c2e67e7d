// Package bytesize reads and prints the byte sizes used in archive
// configuration and CLI output.
package bytesize

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Binary units.
const (
	KB int64 = 1 << 10
	MB int64 = 1 << 20
	GB int64 = 1 << 30
	TB int64 = 1 << 40
)

type unit struct {
	n    int64
	name string
}

// units runs largest first. Parse also accepts the one-letter and IEC
// spellings of each.
var units = []unit{{TB, "TB"}, {GB, "GB"}, {MB, "MB"}, {KB, "KB"}}

// Parse reads a whole number of bytes with an optional binary unit:
// "4096", "64K", "8KB", "1 MiB". Fractions are rejected so block and
// chunk geometry stays exact.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	if i < 0 {
		i = len(s)
	}
	if i == 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	suffix := strings.ToUpper(strings.TrimSpace(s[i:]))
	mult := int64(1)
	if suffix != "" && suffix != "B" {
		mult = 0
		for _, u := range units {
			letter := u.name[:1]
			if suffix == letter || suffix == u.name || suffix == letter+"IB" {
				mult = u.n
				break
			}
		}
		if mult == 0 {
			return 0, fmt.Errorf("unknown unit in size %q", s)
		}
	}
	if n > math.MaxInt64/mult {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return n * mult, nil
}

// Format prints a byte count for humans: "512 B", "1 MB", "1.50 KB".
func Format(bytes int64) string {
	for _, u := range units {
		if bytes < u.n {
			continue
		}
		if bytes%u.n == 0 {
			return fmt.Sprintf("%d %s", bytes/u.n, u.name)
		}
		return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.n), u.name)
	}
	return fmt.Sprintf("%d B", bytes)
}

// Size is a byte count that reads from YAML either as a plain integer or
// as a string accepted by Parse.
type Size int64

// Int64 returns s as a plain byte count.
func (s Size) Int64() int64 { return int64(s) }

func (s Size) String() string { return Format(int64(s)) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	v, err := Parse(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = Size(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler. Exact multiples of a unit are
// written with the unit, anything else as a byte count.
func (s Size) MarshalYAML() (any, error) {
	for _, u := range units {
		if s != 0 && int64(s)%u.n == 0 {
			return fmt.Sprintf("%d%s", int64(s)/u.n, u.name), nil
		}
	}
	return int64(s), nil
}
