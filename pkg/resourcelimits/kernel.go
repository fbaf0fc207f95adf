package resourcelimits

import (
	"fmt"
	"strconv"
	"strings"
)

// ===== CGROUP V2 CONTROLLER ENCODINGS =====

// Controller is a cgroup v2 controller name as listed in cgroup.controllers
type Controller string

const (
	ControllerMemory Controller = "memory"
	ControllerCPU    Controller = "cpu"
	ControllerIO     Controller = "io"
)

// Controllers is every controller rlm drives, in application order
var Controllers = []Controller{ControllerMemory, ControllerCPU, ControllerIO}

// CPUPeriod is the cpu.max period in microseconds
const CPUPeriod uint64 = 100000

// Setting is one controller interface file and the values to write to it.
// Each value is written separately.
type Setting interface {
	Controller() Controller
	File() string
	Encode() []string
}

// MemoryMax encodes memory.max
type MemoryMax struct {
	Bytes uint64
}

func (m MemoryMax) Controller() Controller { return ControllerMemory }
func (m MemoryMax) File() string           { return "memory.max" }

func (m MemoryMax) Encode() []string {
	return []string{encodeValue(m.Bytes)}
}

// DecodeMemoryMax parses the content of memory.max
func DecodeMemoryMax(content string) (MemoryMax, error) {
	v, err := decodeValue(strings.TrimSpace(content))
	if err != nil {
		return MemoryMax{}, fmt.Errorf("memory.max: %w", err)
	}
	return MemoryMax{Bytes: v}, nil
}

// CPUMax encodes cpu.max; Quota is Unlimited for "max"
type CPUMax struct {
	Quota  uint64
	Period uint64
}

// NewCPUMax converts a percentage of one core to quota over CPUPeriod
func NewCPUMax(percent uint64) CPUMax {
	if percent == Unlimited {
		return CPUMax{Quota: Unlimited, Period: CPUPeriod}
	}
	return CPUMax{Quota: percent * CPUPeriod / 100, Period: CPUPeriod}
}

func (c CPUMax) Controller() Controller { return ControllerCPU }
func (c CPUMax) File() string           { return "cpu.max" }

func (c CPUMax) Encode() []string {
	return []string{encodeValue(c.Quota) + " " + strconv.FormatUint(c.period(), 10)}
}

// Percent converts back to a percentage of one core
func (c CPUMax) Percent() uint64 {
	if c.Quota == Unlimited {
		return Unlimited
	}
	return c.Quota * 100 / c.period()
}

func (c CPUMax) period() uint64 {
	if c.Period == 0 {
		return CPUPeriod
	}
	return c.Period
}

// DecodeCPUMax parses "<quota|max> [period]"
func DecodeCPUMax(content string) (CPUMax, error) {
	fields := strings.Fields(content)
	if len(fields) == 0 || len(fields) > 2 {
		return CPUMax{}, fmt.Errorf("cpu.max: malformed %q", content)
	}
	quota, err := decodeValue(fields[0])
	if err != nil {
		return CPUMax{}, fmt.Errorf("cpu.max: %w", err)
	}
	period := CPUPeriod
	if len(fields) == 2 {
		period, err = strconv.ParseUint(fields[1], 10, 64)
		if err != nil || period == 0 {
			return CPUMax{}, fmt.Errorf("cpu.max: bad period %q", fields[1])
		}
	}
	return CPUMax{Quota: quota, Period: period}, nil
}

// Device is a block device number
type Device struct {
	Major uint32
	Minor uint32
}

func (d Device) String() string {
	return fmt.Sprintf("%d:%d", d.Major, d.Minor)
}

// ParseDevice parses "maj:min"
func ParseDevice(s string) (Device, error) {
	maj, min, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Device{}, fmt.Errorf("device %q: expected maj:min", s)
	}
	major, err := strconv.ParseUint(maj, 10, 32)
	if err != nil {
		return Device{}, fmt.Errorf("device %q: bad major", s)
	}
	minor, err := strconv.ParseUint(min, 10, 32)
	if err != nil {
		return Device{}, fmt.Errorf("device %q: bad minor", s)
	}
	return Device{Major: uint32(major), Minor: uint32(minor)}, nil
}

// DeviceLimit is one io.max line; zero directions are left untouched
type DeviceLimit struct {
	Device
	ReadBPS  uint64
	WriteBPS uint64
}

// IOMax encodes io.max, one line per device
type IOMax struct {
	Devices []DeviceLimit
}

func (i IOMax) Controller() Controller { return ControllerIO }
func (i IOMax) File() string           { return "io.max" }

func (i IOMax) Encode() []string {
	lines := make([]string, 0, len(i.Devices))
	for _, d := range i.Devices {
		line := d.Device.String()
		if d.ReadBPS != 0 {
			line += " rbps=" + encodeValue(d.ReadBPS)
		}
		if d.WriteBPS != 0 {
			line += " wbps=" + encodeValue(d.WriteBPS)
		}
		lines = append(lines, line)
	}
	return lines
}

// DecodeIOMax parses io.max content; keys other than rbps and wbps are ignored
func DecodeIOMax(content string) (IOMax, error) {
	var out IOMax
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		dev, err := ParseDevice(fields[0])
		if err != nil {
			return IOMax{}, fmt.Errorf("io.max: %w", err)
		}
		limit := DeviceLimit{Device: dev}
		for _, kv := range fields[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return IOMax{}, fmt.Errorf("io.max: malformed %q", kv)
			}
			var target *uint64
			switch k {
			case "rbps":
				target = &limit.ReadBPS
			case "wbps":
				target = &limit.WriteBPS
			default:
				continue
			}
			if *target, err = decodeValue(v); err != nil {
				return IOMax{}, fmt.Errorf("io.max: %w", err)
			}
		}
		out.Devices = append(out.Devices, limit)
	}
	return out, nil
}

// Settings lowers a LimitSpec to controller settings in application order.
// The io setting is present whenever the spec has I/O limits, even with no devices.
func (s LimitSpec) Settings(devices []Device) []Setting {
	settings := make([]Setting, 0, 3)
	if s.MemoryBytes != 0 {
		settings = append(settings, MemoryMax{Bytes: s.MemoryBytes})
	}
	if s.CPUPercent != 0 {
		settings = append(settings, NewCPUMax(s.CPUPercent))
	}
	if s.HasIO() {
		io := IOMax{Devices: make([]DeviceLimit, 0, len(devices))}
		for _, d := range devices {
			io.Devices = append(io.Devices, DeviceLimit{Device: d, ReadBPS: s.IOReadBPS, WriteBPS: s.IOWriteBPS})
		}
		settings = append(settings, io)
	}
	return settings
}

// ReplaceSettings is Settings for a cgroup that may still carry an earlier
// spec: memory and cpu are always written and unset limits go back to "max".
// The io setting resets every given device even when the spec has no I/O limits.
func (s LimitSpec) ReplaceSettings(devices []Device) []Setting {
	settings := []Setting{
		MemoryMax{Bytes: orUnlimited(s.MemoryBytes)},
		NewCPUMax(orUnlimited(s.CPUPercent)),
	}
	if s.HasIO() || len(devices) > 0 {
		io := IOMax{Devices: make([]DeviceLimit, 0, len(devices))}
		for _, d := range devices {
			io.Devices = append(io.Devices, DeviceLimit{
				Device:   d,
				ReadBPS:  orUnlimited(s.IOReadBPS),
				WriteBPS: orUnlimited(s.IOWriteBPS),
			})
		}
		settings = append(settings, io)
	}
	return settings
}

func orUnlimited(v uint64) uint64 {
	if v == 0 {
		return Unlimited
	}
	return v
}

// FromKernel rebuilds a LimitSpec from decoded controller files. Kernel "max"
// reads back as unset. I/O limits are taken from the first device.
func FromKernel(mem *MemoryMax, cpu *CPUMax, io *IOMax) LimitSpec {
	var s LimitSpec
	if mem != nil && mem.Bytes != Unlimited {
		s.MemoryBytes = mem.Bytes
	}
	if cpu != nil && cpu.Quota != Unlimited {
		s.CPUPercent = cpu.Percent()
	}
	if io != nil && len(io.Devices) > 0 {
		if d := io.Devices[0]; d.ReadBPS != Unlimited {
			s.IOReadBPS = d.ReadBPS
		}
		if d := io.Devices[0]; d.WriteBPS != Unlimited {
			s.IOWriteBPS = d.WriteBPS
		}
	}
	return s
}

func encodeValue(v uint64) string {
	if v == Unlimited {
		return "max"
	}
	return strconv.FormatUint(v, 10)
}

func decodeValue(s string) (uint64, error) {
	if s == "max" {
		return Unlimited, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad value %q", s)
	}
	return v, nil
}
