package cgroup

import (
	"os"
	"path/filepath"

	"github.com/opencontainers/runc/libcontainer/cgroups"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FileSystem is the cgroupfs surface the controller drives. Errors keep the
// underlying errno reachable through errors.Is.
type FileSystem interface {
	PathExists(path string) bool
	// Mkdir fails with an os.IsExist error when path is already present
	Mkdir(path string) error
	Rmdir(path string) error
	ReadFile(dir, file string) (string, error)
	WriteFile(dir, file, data string) error
	AddProcess(dir string, pid int) error
	Processes(dir string) ([]int, error)
	// Children lists the names of child cgroups
	Children(dir string) ([]string, error)
	OpenDir(path string) (int, error)
	CloseDir(fd int) error
}

// kernelFS talks to the real cgroup2 mount through runc's cgroupfs helpers,
// which guard against path escapes and retry transient EINTR/EINVAL
type kernelFS struct{}

// NewKernelFS returns the production FileSystem
func NewKernelFS() FileSystem {
	return kernelFS{}
}

func (kernelFS) PathExists(path string) bool {
	return cgroups.PathExists(path)
}

func (kernelFS) Mkdir(path string) error {
	return os.Mkdir(path, 0o755)
}

func (kernelFS) Rmdir(path string) error {
	if err := unix.Rmdir(path); err != nil {
		return &os.PathError{Op: "rmdir", Path: path, Err: err}
	}
	return nil
}

func (kernelFS) ReadFile(dir, file string) (string, error) {
	return cgroups.ReadFile(dir, file)
}

func (kernelFS) WriteFile(dir, file, data string) error {
	return cgroups.WriteFile(dir, file, data)
}

func (kernelFS) AddProcess(dir string, pid int) error {
	return cgroups.WriteCgroupProc(dir, pid)
}

func (kernelFS) Processes(dir string) ([]int, error) {
	return cgroups.GetPids(dir)
}

func (kernelFS) Children(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "list %s", dir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (kernelFS) OpenDir(path string) (int, error) {
	fd, err := unix.Open(filepath.Clean(path), unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return fd, nil
}

func (kernelFS) CloseDir(fd int) error {
	return unix.Close(fd)
}
