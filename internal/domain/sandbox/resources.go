package sandbox

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseCPUCores converts a platform CPU string to cores. Accepted forms:
// millicores ("500m" → 0.5), nanocores ("1500000000n" → 1.5) and plain core
// counts ("2", "0.25").
func ParseCPUCores(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty cpu quantity")
	}
	switch {
	case strings.HasSuffix(s, "n"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "n"), 64)
		if err != nil {
			return 0, fmt.Errorf("parse nanocores %q: %w", s, err)
		}
		return v / 1e9, nil
	case strings.HasSuffix(s, "m"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "m"), 64)
		if err != nil {
			return 0, fmt.Errorf("parse millicores %q: %w", s, err)
		}
		return v / 1e3, nil
	default:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("parse cores %q: %w", s, err)
		}
		return v, nil
	}
}

// CPUPercent converts a platform CPU string to a utilization percentage
// relative to one core ("500m" → 50).
func CPUPercent(s string) (float64, error) {
	cores, err := ParseCPUCores(s)
	if err != nil {
		return 0, err
	}
	return cores * 100, nil
}

var memorySuffixes = []struct {
	suffix string
	bytes  float64
}{
	// Binary suffixes first: "Ki" must win over decimal "K".
	{"Ki", 1024},
	{"Mi", 1024 * 1024},
	{"Gi", 1024 * 1024 * 1024},
	{"Ti", 1024 * 1024 * 1024 * 1024},
	{"K", 1e3},
	{"M", 1e6},
	{"G", 1e9},
	{"T", 1e12},
}

// ParseMemoryMB converts a platform memory string to megabytes. Binary
// (Ki/Mi/Gi) and decimal (K/M/G) suffixes are accepted; a bare number is
// bytes.
func ParseMemoryMB(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty memory quantity")
	}
	for _, m := range memorySuffixes {
		if strings.HasSuffix(s, m.suffix) {
			v, err := strconv.ParseFloat(strings.TrimSuffix(s, m.suffix), 64)
			if err != nil {
				return 0, fmt.Errorf("parse memory %q: %w", s, err)
			}
			return v * m.bytes / (1024 * 1024), nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse memory %q: %w", s, err)
	}
	return v / (1024 * 1024), nil
}
