package cgroup

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/core-tools/hsu-rlm/pkg/resourcelimits"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DeviceResolver picks the block devices io.max lines are written for
type DeviceResolver interface {
	Devices() ([]resourcelimits.Device, error)
}

// StaticDevices is an explicit device list
type StaticDevices []resourcelimits.Device

func (s StaticDevices) Devices() ([]resourcelimits.Device, error) {
	if len(s) == 0 {
		return nil, pkgerrors.New("no block devices configured")
	}
	return s, nil
}

// virtual block devices that io.max throttling makes no sense for
var virtualDevicePrefixes = []string{"loop", "ram", "zram", "nbd", "dm-", "md", "sr", "fd"}

// BlockDevices resolves devices from sysfs: either the whole disk backing
// Path, or every physical disk when All is set
type BlockDevices struct {
	Path    string
	All     bool
	SysRoot string // defaults to /sys
}

func (b BlockDevices) Devices() ([]resourcelimits.Device, error) {
	if b.All {
		return b.physicalDisks()
	}
	return b.backingDisk()
}

func (b BlockDevices) sysRoot() string {
	if b.SysRoot == "" {
		return "/sys"
	}
	return b.SysRoot
}

func (b BlockDevices) backingDisk() ([]resourcelimits.Device, error) {
	path := b.Path
	if path == "" {
		path = "/"
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "stat %s", path)
	}
	dev := resourcelimits.Device{Major: unix.Major(uint64(st.Dev)), Minor: unix.Minor(uint64(st.Dev))}
	if dev.Major == 0 {
		return nil, pkgerrors.Errorf("%s is not backed by a block device (%s)", path, dev)
	}

	// io.max only accepts whole disks; map a partition to its parent
	sysDev := filepath.Join(b.sysRoot(), "dev", "block", dev.String())
	if _, err := os.Stat(filepath.Join(sysDev, "partition")); err == nil {
		resolved, err := filepath.EvalSymlinks(sysDev)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "resolve %s", sysDev)
		}
		parent, err := readDevFile(filepath.Join(filepath.Dir(resolved), "dev"))
		if err != nil {
			return nil, err
		}
		dev = parent
	}
	return []resourcelimits.Device{dev}, nil
}

func (b BlockDevices) physicalDisks() ([]resourcelimits.Device, error) {
	blockDir := filepath.Join(b.sysRoot(), "block")
	entries, err := os.ReadDir(blockDir)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "list %s", blockDir)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !isVirtualDevice(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	devices := make([]resourcelimits.Device, 0, len(names))
	for _, name := range names {
		dev, err := readDevFile(filepath.Join(blockDir, name, "dev"))
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	if len(devices) == 0 {
		return nil, pkgerrors.Errorf("no physical block devices under %s", blockDir)
	}
	return devices, nil
}

func isVirtualDevice(name string) bool {
	for _, prefix := range virtualDevicePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func readDevFile(path string) (resourcelimits.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return resourcelimits.Device{}, pkgerrors.Wrapf(err, "read %s", path)
	}
	dev, err := resourcelimits.ParseDevice(string(data))
	if err != nil {
		return resourcelimits.Device{}, pkgerrors.Wrapf(err, "parse %s", path)
	}
	return dev, nil
}
