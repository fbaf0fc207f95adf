package processstate

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-rlm/pkg/errors"

	"github.com/opencontainers/runc/libcontainer/cgroups"
	pkgerrors "github.com/pkg/errors"
)

// DefaultProcRoot is where procfs is mounted
const DefaultProcRoot = "/proc"

// CommMaxLen is the kernel's TASK_COMM_LEN minus the terminator; longer names are truncated in comm
const CommMaxLen = 15

// PF_KTHREAD from include/linux/sched.h
const kernelThreadFlag = 0x00200000

// Stat is the subset of /proc/<pid>/stat rlm needs
type Stat struct {
	State     byte
	PPID      int
	Flags     uint64
	StartTime uint64 // clock ticks since boot
}

// IsKernelThread reports whether the task is a kernel thread; those cannot be moved between cgroups
func (s Stat) IsKernelThread() bool {
	return s.Flags&kernelThreadFlag != 0
}

// IsZombie reports an exited, unreaped task
func (s Stat) IsZombie() bool {
	return s.State == 'Z' || s.State == 'X'
}

// Process is one snapshot entry of the process table
type Process struct {
	PID  int
	Comm string
	Exe  string // empty when unreadable
	Stat Stat
}

// ExeBase is the basename of the executable, or "" when unknown
func (p Process) ExeBase() string {
	if p.Exe == "" {
		return ""
	}
	return filepath.Base(p.Exe)
}

// ProcFS reads process information from a procfs tree
type ProcFS struct {
	root string
}

// NewProcFS reads from root; empty means DefaultProcRoot
func NewProcFS(root string) *ProcFS {
	if root == "" {
		root = DefaultProcRoot
	}
	return &ProcFS{root: root}
}

func (p *ProcFS) path(pid int, name string) string {
	return filepath.Join(p.root, strconv.Itoa(pid), name)
}

// Exists reports whether pid is alive. On the host procfs the kernel is asked
// directly; any other root is a fake tree and only its directory counts.
func (p *ProcFS) Exists(pid int) bool {
	if p.root == DefaultProcRoot {
		running, err := IsProcessRunning(pid)
		return err == nil && running
	}
	_, err := os.Stat(filepath.Join(p.root, strconv.Itoa(pid)))
	return err == nil
}

// PIDs lists every numeric entry, ascending
func (p *ProcFS) PIDs() ([]int, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, errors.NewIOError("cannot list processes", pkgerrors.Wrapf(err, "read %s", p.root))
	}
	pids := make([]int, 0, len(entries))
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids, nil
}

// Comm returns the (possibly truncated) command name
func (p *ProcFS) Comm(pid int) (string, error) {
	data, err := p.read(pid, "comm")
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// Exe resolves the executable path
func (p *ProcFS) Exe(pid int) (string, error) {
	target, err := os.Readlink(p.path(pid, "exe"))
	if err != nil {
		return "", p.classify(pid, "exe", err)
	}
	return strings.TrimSuffix(target, " (deleted)"), nil
}

// Stat parses /proc/<pid>/stat
func (p *ProcFS) Stat(pid int) (Stat, error) {
	data, err := p.read(pid, "stat")
	if err != nil {
		return Stat{}, err
	}
	st, err := parseStat(string(data))
	if err != nil {
		return Stat{}, errors.NewIOError("malformed stat", err).WithContext("pid", pid)
	}
	return st, nil
}

// Cgroup returns the unified hierarchy path of pid, relative to the cgroup mount
func (p *ProcFS) Cgroup(pid int) (string, error) {
	m, err := cgroups.ParseCgroupFile(p.path(pid, "cgroup"))
	if err != nil {
		return "", p.classify(pid, "cgroup", err)
	}
	path, ok := m[""]
	if !ok {
		return "", errors.NewIOError("no cgroup v2 entry", nil).WithContext("pid", pid)
	}
	return path, nil
}

// List snapshots the process table. Processes that exit during the scan are skipped.
func (p *ProcFS) List() ([]Process, error) {
	pids, err := p.PIDs()
	if err != nil {
		return nil, err
	}
	procs := make([]Process, 0, len(pids))
	for _, pid := range pids {
		proc, err := p.Get(pid)
		if err != nil {
			continue
		}
		procs = append(procs, proc)
	}
	return procs, nil
}

// Get reads one process; a missing process is a not-found error
func (p *ProcFS) Get(pid int) (Process, error) {
	st, err := p.Stat(pid)
	if err != nil {
		return Process{}, err
	}
	comm, err := p.Comm(pid)
	if err != nil {
		return Process{}, err
	}
	exe, _ := p.Exe(pid)
	return Process{PID: pid, Comm: comm, Exe: exe, Stat: st}, nil
}

func (p *ProcFS) read(pid int, name string) ([]byte, error) {
	data, err := os.ReadFile(p.path(pid, name))
	if err != nil {
		return nil, p.classify(pid, name, err)
	}
	return data, nil
}

func (p *ProcFS) classify(pid int, name string, err error) error {
	wrapped := pkgerrors.Wrapf(err, "read %s", p.path(pid, name))
	if os.IsNotExist(err) || !p.Exists(pid) {
		return errors.NewNotFoundError("process not found", wrapped).WithContext("pid", pid)
	}
	if os.IsPermission(err) {
		return errors.NewPermissionError("cannot read process information", wrapped).WithContext("pid", pid)
	}
	return errors.NewIOError("cannot read process information", wrapped).WithContext("pid", pid)
}

// parseStat handles comm containing spaces and parentheses by splitting at the last ')'
func parseStat(content string) (Stat, error) {
	end := strings.LastIndexByte(content, ')')
	if end < 0 || end+2 > len(content) {
		return Stat{}, pkgerrors.Errorf("no comm terminator in %q", content)
	}
	fields := strings.Fields(content[end+1:])
	// fields[0] is field 3 (state); starttime is field 22
	if len(fields) < 20 {
		return Stat{}, pkgerrors.Errorf("short stat line: %d fields", len(fields))
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return Stat{}, pkgerrors.Wrap(err, "ppid")
	}
	flags, err := strconv.ParseUint(fields[6], 10, 64)
	if err != nil {
		return Stat{}, pkgerrors.Wrap(err, "flags")
	}
	start, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return Stat{}, pkgerrors.Wrap(err, "starttime")
	}
	return Stat{State: fields[0][0], PPID: ppid, Flags: flags, StartTime: start}, nil
}
