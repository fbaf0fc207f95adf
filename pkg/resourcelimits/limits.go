package resourcelimits

import (
	"fmt"
	"math"
	"strings"

	"github.com/core-tools/hsu-rlm/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Unlimited marks a field as explicitly unbounded (kernel token "max").
// Zero means the field is not set at all.
const Unlimited uint64 = math.MaxUint64

// Bounds
const (
	MinMemoryBytes uint64 = 1 << 20
	MaxMemoryBytes uint64 = 1 << 50
	MinCPUPercent  uint64 = 1
	MaxCPUPercent  uint64 = 10000
	MinIOBytes     uint64 = 1 << 10
	MaxIOBytes     uint64 = 1 << 50
)

// ResourceLimitType names one limit dimension; also used as the field name in errors
type ResourceLimitType string

const (
	ResourceLimitTypeMemory  ResourceLimitType = "memory"
	ResourceLimitTypeCPU     ResourceLimitType = "cpu"
	ResourceLimitTypeIORead  ResourceLimitType = "io_read"
	ResourceLimitTypeIOWrite ResourceLimitType = "io_write"
)

// LimitSpec is the normalized, validated set of limits for one target.
// It is a plain value: compare with ==.
type LimitSpec struct {
	MemoryBytes uint64
	CPUPercent  uint64
	IOReadBPS   uint64
	IOWriteBPS  uint64
}

// Strings is the textual form of a LimitSpec, as typed by users and stored in files
type Strings struct {
	Memory  string `yaml:"memory,omitempty"`
	CPU     string `yaml:"cpu,omitempty"`
	IORead  string `yaml:"io_read,omitempty"`
	IOWrite string `yaml:"io_write,omitempty"`
}

// Parse builds a LimitSpec from its textual form. Empty fields are unset.
func Parse(s Strings) (LimitSpec, error) {
	var spec LimitSpec
	var err error

	if strings.TrimSpace(s.Memory) != "" {
		if spec.MemoryBytes, err = ParseSize(ResourceLimitTypeMemory, s.Memory); err != nil {
			return LimitSpec{}, err
		}
	}
	if strings.TrimSpace(s.CPU) != "" {
		if spec.CPUPercent, err = ParseCPU(s.CPU); err != nil {
			return LimitSpec{}, err
		}
	}
	if strings.TrimSpace(s.IORead) != "" {
		if spec.IOReadBPS, err = ParseSize(ResourceLimitTypeIORead, s.IORead); err != nil {
			return LimitSpec{}, err
		}
	}
	if strings.TrimSpace(s.IOWrite) != "" {
		if spec.IOWriteBPS, err = ParseSize(ResourceLimitTypeIOWrite, s.IOWrite); err != nil {
			return LimitSpec{}, err
		}
	}

	if err := spec.Validate(); err != nil {
		return LimitSpec{}, err
	}
	return spec, nil
}

// Strings renders the canonical textual form; Parse(spec.Strings()) == spec.
func (s LimitSpec) Strings() Strings {
	var out Strings
	if s.MemoryBytes != 0 {
		out.Memory = FormatSize(s.MemoryBytes)
	}
	if s.CPUPercent != 0 {
		out.CPU = FormatCPU(s.CPUPercent)
	}
	if s.IOReadBPS != 0 {
		out.IORead = FormatSize(s.IOReadBPS)
	}
	if s.IOWriteBPS != 0 {
		out.IOWrite = FormatSize(s.IOWriteBPS)
	}
	return out
}

// IsEmpty reports whether no field is set
func (s LimitSpec) IsEmpty() bool {
	return s == LimitSpec{}
}

// HasIO reports whether either I/O direction is set
func (s LimitSpec) HasIO() bool {
	return s.IOReadBPS != 0 || s.IOWriteBPS != 0
}

// Validate checks that at least one field is set and that every set field is in bounds
func (s LimitSpec) Validate() error {
	if s.IsEmpty() {
		return errors.NewValidationError("at least one of memory, cpu, io_read, io_write must be set", nil)
	}
	if err := checkBounds(ResourceLimitTypeMemory, s.MemoryBytes, MinMemoryBytes, MaxMemoryBytes, FormatSize); err != nil {
		return err
	}
	if err := checkBounds(ResourceLimitTypeCPU, s.CPUPercent, MinCPUPercent, MaxCPUPercent, FormatCPU); err != nil {
		return err
	}
	if err := checkBounds(ResourceLimitTypeIORead, s.IOReadBPS, MinIOBytes, MaxIOBytes, FormatSize); err != nil {
		return err
	}
	return checkBounds(ResourceLimitTypeIOWrite, s.IOWriteBPS, MinIOBytes, MaxIOBytes, FormatSize)
}

func checkBounds(field ResourceLimitType, v, min, max uint64, format func(uint64) string) error {
	if v == 0 || v == Unlimited {
		return nil
	}
	if v < min || v > max {
		return errors.NewValidationError(
			fmt.Sprintf("%s %s out of range [%s, %s]", field, format(v), format(min), format(max)), nil).
			WithContext("field", string(field))
	}
	return nil
}

func (s LimitSpec) String() string {
	str := s.Strings()
	parts := make([]string, 0, 4)
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add("memory", str.Memory)
	add("cpu", str.CPU)
	add("io_read", str.IORead)
	add("io_write", str.IOWrite)
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}

// MarshalYAML stores the canonical textual form
func (s LimitSpec) MarshalYAML() (interface{}, error) {
	return s.Strings(), nil
}

// UnmarshalYAML parses and validates the textual form
func (s *LimitSpec) UnmarshalYAML(value *yaml.Node) error {
	var str Strings
	if err := value.Decode(&str); err != nil {
		return err
	}
	parsed, err := Parse(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
