package doctor

import (
	"context"
	"os"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/moby/sys/mountinfo"
	pkgerrors "github.com/pkg/errors"
	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"
)

// Probes are the host queries behind the checks
type Probes struct {
	// Cgroup2Mounts lists the mount points of every cgroup2 filesystem
	Cgroup2Mounts func() ([]string, error)
	// IsCgroup2 checks the filesystem magic of path
	IsCgroup2 func(path string) (bool, error)
	// Writable checks write access for the real uid
	Writable func(path string) error
	UID      func() int
	// HasCapSysAdmin reports whether CAP_SYS_ADMIN is in the effective set
	HasCapSysAdmin func() (bool, error)
	// Delegated asks systemd whether a unit has Delegate= set
	Delegated func(ctx context.Context, unit string) (bool, error)
}

// SystemProbes queries the running host
func SystemProbes() Probes {
	return Probes{
		Cgroup2Mounts:  cgroup2Mounts,
		IsCgroup2:      isCgroup2,
		Writable:       writable,
		UID:            os.Getuid,
		HasCapSysAdmin: hasCapSysAdmin,
		Delegated:      delegated,
	}
}

func cgroup2Mounts() ([]string, error) {
	infos, err := mountinfo.GetMounts(mountinfo.FSTypeFilter("cgroup2"))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read mountinfo")
	}
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.Mountpoint)
	}
	return out, nil
}

func isCgroup2(path string) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, pkgerrors.Wrapf(err, "statfs %s", path)
	}
	return int64(st.Type) == int64(unix.CGROUP2_SUPER_MAGIC), nil
}

func writable(path string) error {
	if err := unix.Access(path, unix.W_OK); err != nil {
		return pkgerrors.Wrapf(err, "access %s", path)
	}
	return nil
}

func hasCapSysAdmin() (bool, error) {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return false, pkgerrors.Wrap(err, "capabilities")
	}
	if err := caps.Load(); err != nil {
		return false, pkgerrors.Wrap(err, "load capabilities")
	}
	return caps.Get(capability.EFFECTIVE, capability.CAP_SYS_ADMIN), nil
}

func delegated(ctx context.Context, unit string) (bool, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return false, pkgerrors.Wrap(err, "connect to systemd")
	}
	defer conn.Close()

	prop, err := conn.GetUnitTypePropertyContext(ctx, unit, "Service", "Delegate")
	if err != nil {
		return false, pkgerrors.Wrapf(err, "query %s", unit)
	}
	on, ok := prop.Value.Value().(bool)
	if !ok {
		return false, pkgerrors.Errorf("unexpected Delegate value %v", prop.Value)
	}
	return on, nil
}
