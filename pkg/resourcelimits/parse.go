package resourcelimits

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-rlm/pkg/errors"
)

var sizeUnits = []struct {
	suffix string
	factor uint64
}{
	{"T", 1 << 40},
	{"G", 1 << 30},
	{"M", 1 << 20},
	{"K", 1 << 10},
}

// ParseSize parses a byte quantity: a decimal integer with an optional binary
// suffix K, M, G or T (case-insensitive, optionally followed by B or iB).
// "max" and "unlimited" yield Unlimited.
func ParseSize(field ResourceLimitType, input string) (uint64, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return 0, invalid(field, input, "value is empty")
	}
	lower := strings.ToLower(s)
	if lower == "max" || lower == "unlimited" {
		return Unlimited, nil
	}

	switch {
	case strings.HasSuffix(lower, "ib"):
		lower = strings.TrimSuffix(lower, "ib")
	case strings.HasSuffix(lower, "b"):
		lower = strings.TrimSuffix(lower, "b")
	}

	factor := uint64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(lower, strings.ToLower(u.suffix)) {
			factor = u.factor
			lower = strings.TrimSuffix(lower, strings.ToLower(u.suffix))
			break
		}
	}

	n, err := parseDecimal(lower)
	if err != nil {
		return 0, invalid(field, input, err.Error())
	}
	if n == 0 {
		return 0, invalid(field, input, "must be greater than zero")
	}
	if n > math.MaxUint64/factor {
		return 0, invalid(field, input, "value overflows")
	}
	return n * factor, nil
}

// ParseCPU parses a CPU share in percent of one core: "50%", "150" or "max".
func ParseCPU(input string) (uint64, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return 0, invalid(ResourceLimitTypeCPU, input, "value is empty")
	}
	lower := strings.ToLower(s)
	if lower == "max" || lower == "unlimited" {
		return Unlimited, nil
	}
	lower = strings.TrimSpace(strings.TrimSuffix(lower, "%"))

	n, err := parseDecimal(lower)
	if err != nil {
		return 0, invalid(ResourceLimitTypeCPU, input, err.Error())
	}
	if n < MinCPUPercent || n > MaxCPUPercent {
		return 0, invalid(ResourceLimitTypeCPU, input,
			fmt.Sprintf("must be between %d%% and %d%%", MinCPUPercent, MaxCPUPercent))
	}
	return n, nil
}

func parseDecimal(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("missing number")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("unexpected character %q", r)
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value overflows")
	}
	return n, nil
}

func invalid(field ResourceLimitType, input, reason string) error {
	return errors.NewValidationError(fmt.Sprintf("invalid %s %q: %s", field, input, reason), nil).
		WithContext("field", string(field))
}

// FormatSize renders bytes with the largest suffix that divides them exactly
func FormatSize(v uint64) string {
	if v == Unlimited {
		return "max"
	}
	for _, u := range sizeUnits {
		if v >= u.factor && v%u.factor == 0 {
			return strconv.FormatUint(v/u.factor, 10) + u.suffix
		}
	}
	return strconv.FormatUint(v, 10)
}

// FormatCPU renders a CPU share as "<n>%"
func FormatCPU(v uint64) string {
	if v == Unlimited {
		return "max"
	}
	return strconv.FormatUint(v, 10) + "%"
}
