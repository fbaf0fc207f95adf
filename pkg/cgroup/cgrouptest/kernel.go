// Package cgrouptest emulates the parts of cgroup2 the controller relies on,
// in memory, so controller behavior can be tested without root.
package cgrouptest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/core-tools/hsu-rlm/pkg/errors"
	"github.com/core-tools/hsu-rlm/pkg/resourcelimits"

	"golang.org/x/sys/unix"
)

// Write records one successful file write
type Write struct {
	Path string
	File string
	Data string
}

type node struct {
	controllers []string
	subtree     map[string]bool
	files       map[string]string
}

// Kernel implements cgroup.FileSystem and cgroup.ProcessInfo
type Kernel struct {
	mu        sync.Mutex
	mount     string
	nodes     map[string]*node
	pids      map[int]string // live pid -> absolute cgroup path
	fds       map[int]string
	nextFD    int
	failures  map[string]error
	busyRmdir map[string]int
	writes    []Write
}

// NewKernel creates a hierarchy mounted at mount whose root offers controllers
// (memory, cpu and io when none are given) and delegates them to children
func NewKernel(mount string, controllers ...string) *Kernel {
	if len(controllers) == 0 {
		controllers = []string{"memory", "cpu", "io"}
	}
	k := &Kernel{
		mount:     filepath.Clean(mount),
		nodes:     make(map[string]*node),
		pids:      make(map[int]string),
		fds:       make(map[int]string),
		nextFD:    100,
		failures:  make(map[string]error),
		busyRmdir: make(map[string]int),
	}
	root := newNode(controllers)
	for _, c := range controllers {
		root.subtree[c] = true
	}
	k.nodes[k.mount] = root
	return k
}

func newNode(controllers []string) *node {
	n := &node{
		controllers: append([]string(nil), controllers...),
		subtree:     make(map[string]bool),
		files:       map[string]string{"cgroup.kill": ""},
	}
	for _, c := range controllers {
		switch c {
		case "memory":
			n.files["memory.max"] = "max"
		case "cpu":
			n.files["cpu.max"] = "max 100000"
		case "io":
			n.files["io.max"] = ""
		}
	}
	return n
}

func pathErr(op, path string, errno unix.Errno) error {
	return &os.PathError{Op: op, Path: path, Err: errno}
}

// ===== TEST HELPERS =====

// Spawn registers a live process in the cgroup at path (the mount root when empty)
func (k *Kernel) Spawn(pid int, path string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if path == "" {
		path = k.mount
	}
	k.ensureDirs(filepath.Clean(path))
	k.pids[pid] = filepath.Clean(path)
}

// SpawnInFD registers a live process in the cgroup an open fd refers to, as clone3 would
func (k *Kernel) SpawnInFD(pid, fd int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	path, ok := k.fds[fd]
	if !ok {
		return unix.EBADF
	}
	if _, ok := k.nodes[path]; !ok {
		return unix.ENOENT
	}
	k.pids[pid] = path
	return nil
}

// Exit removes a process
func (k *Kernel) Exit(pid int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.pids, pid)
}

// CgroupOf returns the absolute cgroup path of pid, or "" if it is not alive
func (k *Kernel) CgroupOf(pid int) string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pids[pid]
}

// File returns the current content of a cgroup file
func (k *Kernel) File(dir, file string) string {
	content, _ := k.ReadFile(dir, file)
	return content
}

// FailWrites makes every write to a file with this name fail with err
func (k *Kernel) FailWrites(file string, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failures[file] = err
}

// BusyRmdir makes the next n removals of path fail with EBUSY
func (k *Kernel) BusyRmdir(path string, n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.busyRmdir[filepath.Clean(path)] = n
}

// Writes returns all successful writes in order
func (k *Kernel) Writes() []Write {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]Write(nil), k.writes...)
}

// Dirs lists every cgroup below the mount, sorted
func (k *Kernel) Dirs() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.nodes))
	for p := range k.nodes {
		if p != k.mount {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// OpenFDs counts directory fds not yet closed
func (k *Kernel) OpenFDs() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.fds)
}

func (k *Kernel) ensureDirs(path string) {
	if _, ok := k.nodes[path]; ok || path == k.mount || !strings.HasPrefix(path, k.mount) {
		return
	}
	parent := filepath.Dir(path)
	k.ensureDirs(parent)
	k.nodes[path] = newNode(k.delegated(parent))
}

func (k *Kernel) delegated(parent string) []string {
	p := k.nodes[parent]
	var out []string
	for _, c := range p.controllers {
		if p.subtree[c] {
			out = append(out, c)
		}
	}
	return out
}

// ===== cgroup.ProcessInfo =====

func (k *Kernel) Cgroup(pid int) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	path, ok := k.pids[pid]
	if !ok {
		return "", errors.NewNotFoundError(fmt.Sprintf("process %d not found", pid), nil).WithContext("pid", pid)
	}
	rel := strings.TrimPrefix(path, k.mount)
	if rel == "" {
		rel = "/"
	}
	return rel, nil
}

func (k *Kernel) Exists(pid int) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.pids[pid]
	return ok
}

// ===== cgroup.FileSystem =====

// PathExists reports whether a cgroup directory exists
func (k *Kernel) PathExists(path string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.nodes[filepath.Clean(path)]
	return ok
}

func (k *Kernel) Mkdir(path string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	path = filepath.Clean(path)
	if _, ok := k.nodes[path]; ok {
		return pathErr("mkdir", path, unix.EEXIST)
	}
	parent := filepath.Dir(path)
	if _, ok := k.nodes[parent]; !ok {
		return pathErr("mkdir", path, unix.ENOENT)
	}
	if err, ok := k.failures["mkdir"]; ok {
		return &os.PathError{Op: "mkdir", Path: path, Err: err}
	}
	k.nodes[path] = newNode(k.delegated(parent))
	return nil
}

func (k *Kernel) Rmdir(path string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	path = filepath.Clean(path)
	if _, ok := k.nodes[path]; !ok {
		return pathErr("rmdir", path, unix.ENOENT)
	}
	if n := k.busyRmdir[path]; n > 0 {
		k.busyRmdir[path] = n - 1
		return pathErr("rmdir", path, unix.EBUSY)
	}
	for _, p := range k.pids {
		if p == path {
			return pathErr("rmdir", path, unix.EBUSY)
		}
	}
	for p := range k.nodes {
		if filepath.Dir(p) == path {
			return pathErr("rmdir", path, unix.EBUSY)
		}
	}
	delete(k.nodes, path)
	return nil
}

func (k *Kernel) ReadFile(dir, file string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	dir = filepath.Clean(dir)
	n, ok := k.nodes[dir]
	if !ok {
		return "", pathErr("open", filepath.Join(dir, file), unix.ENOENT)
	}
	switch file {
	case "cgroup.controllers":
		return strings.Join(n.controllers, " ") + "\n", nil
	case "cgroup.subtree_control":
		var on []string
		for _, c := range n.controllers {
			if n.subtree[c] {
				on = append(on, c)
			}
		}
		return strings.Join(on, " ") + "\n", nil
	case "cgroup.procs":
		var lines []string
		for _, pid := range k.membersLocked(dir) {
			lines = append(lines, strconv.Itoa(pid))
		}
		return strings.Join(lines, "\n"), nil
	}
	content, ok := n.files[file]
	if !ok {
		return "", pathErr("open", filepath.Join(dir, file), unix.ENOENT)
	}
	return content, nil
}

func (k *Kernel) WriteFile(dir, file, data string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	dir = filepath.Clean(dir)
	full := filepath.Join(dir, file)
	if err, ok := k.failures[file]; ok {
		return &os.PathError{Op: "write", Path: full, Err: err}
	}
	n, ok := k.nodes[dir]
	if !ok {
		return pathErr("open", full, unix.ENOENT)
	}

	switch file {
	case "cgroup.subtree_control":
		for _, tok := range strings.Fields(data) {
			name := tok[1:]
			if !contains(n.controllers, name) {
				return pathErr("write", full, unix.ENOENT)
			}
			n.subtree[name] = tok[0] == '+'
		}
	case "cgroup.kill":
		if strings.TrimSpace(data) != "1" {
			return pathErr("write", full, unix.EINVAL)
		}
		for pid, p := range k.pids {
			if p == dir || strings.HasPrefix(p, dir+"/") {
				delete(k.pids, pid)
			}
		}
	case "cgroup.procs":
		pid, err := strconv.Atoi(strings.TrimSpace(data))
		if err != nil {
			return pathErr("write", full, unix.EINVAL)
		}
		return k.addProcessLocked(dir, pid)
	case "memory.max":
		if _, ok := n.files[file]; !ok {
			return pathErr("open", full, unix.ENOENT)
		}
		if _, err := resourcelimits.DecodeMemoryMax(data); err != nil {
			return pathErr("write", full, unix.EINVAL)
		}
		n.files[file] = strings.TrimSpace(data)
	case "cpu.max":
		if _, ok := n.files[file]; !ok {
			return pathErr("open", full, unix.ENOENT)
		}
		if _, err := resourcelimits.DecodeCPUMax(data); err != nil {
			return pathErr("write", full, unix.EINVAL)
		}
		n.files[file] = strings.TrimSpace(data)
	case "io.max":
		if _, ok := n.files[file]; !ok {
			return pathErr("open", full, unix.ENOENT)
		}
		if err := k.writeIOMaxLocked(n, data); err != nil {
			return pathErr("write", full, unix.EINVAL)
		}
	default:
		if _, ok := n.files[file]; !ok {
			return pathErr("open", full, unix.ENOENT)
		}
		n.files[file] = data
	}

	k.writes = append(k.writes, Write{Path: dir, File: file, Data: data})
	return nil
}

// io.max takes exactly one device per write and merges it into the table
func (k *Kernel) writeIOMaxLocked(n *node, data string) error {
	if strings.Contains(strings.TrimSpace(data), "\n") {
		return unix.EINVAL
	}
	parsed, err := resourcelimits.DecodeIOMax(data)
	if err != nil || len(parsed.Devices) != 1 {
		return unix.EINVAL
	}
	current, _ := resourcelimits.DecodeIOMax(n.files["io.max"])
	line := parsed.Devices[0]
	replaced := false
	for i, d := range current.Devices {
		if d.Device == line.Device {
			if line.ReadBPS != 0 {
				d.ReadBPS = line.ReadBPS
			}
			if line.WriteBPS != 0 {
				d.WriteBPS = line.WriteBPS
			}
			current.Devices[i] = d
			replaced = true
		}
	}
	if !replaced {
		current.Devices = append(current.Devices, line)
	}
	var lines []string
	for _, d := range current.Devices {
		lines = append(lines, fmt.Sprintf("%s rbps=%s wbps=%s riops=max wiops=max",
			d.Device, kernelValue(d.ReadBPS), kernelValue(d.WriteBPS)))
	}
	n.files["io.max"] = strings.Join(lines, "\n") + "\n"
	return nil
}

func kernelValue(v uint64) string {
	if v == 0 || v == resourcelimits.Unlimited {
		return "max"
	}
	return strconv.FormatUint(v, 10)
}

func (k *Kernel) AddProcess(dir string, pid int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	dir = filepath.Clean(dir)
	if err, ok := k.failures["cgroup.procs"]; ok {
		return &os.PathError{Op: "write", Path: filepath.Join(dir, "cgroup.procs"), Err: err}
	}
	if err := k.addProcessLocked(dir, pid); err != nil {
		return err
	}
	k.writes = append(k.writes, Write{Path: dir, File: "cgroup.procs", Data: strconv.Itoa(pid)})
	return nil
}

func (k *Kernel) addProcessLocked(dir string, pid int) error {
	full := filepath.Join(dir, "cgroup.procs")
	n, ok := k.nodes[dir]
	if !ok {
		return pathErr("open", full, unix.ENOENT)
	}
	if _, alive := k.pids[pid]; !alive {
		return pathErr("write", full, unix.ESRCH)
	}
	// no internal processes: a non-root cgroup distributing controllers cannot hold members
	if dir != k.mount {
		for _, on := range n.subtree {
			if on {
				return pathErr("write", full, unix.EBUSY)
			}
		}
	}
	k.pids[pid] = dir
	return nil
}

func (k *Kernel) Processes(dir string) ([]int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	dir = filepath.Clean(dir)
	if _, ok := k.nodes[dir]; !ok {
		return nil, pathErr("open", filepath.Join(dir, "cgroup.procs"), unix.ENOENT)
	}
	return k.membersLocked(dir), nil
}

func (k *Kernel) membersLocked(dir string) []int {
	var out []int
	for pid, p := range k.pids {
		if p == dir {
			out = append(out, pid)
		}
	}
	sort.Ints(out)
	return out
}

func (k *Kernel) Children(dir string) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	dir = filepath.Clean(dir)
	if _, ok := k.nodes[dir]; !ok {
		return nil, pathErr("open", dir, unix.ENOENT)
	}
	var out []string
	for p := range k.nodes {
		if filepath.Dir(p) == dir && p != dir {
			out = append(out, filepath.Base(p))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (k *Kernel) OpenDir(path string) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	path = filepath.Clean(path)
	if _, ok := k.nodes[path]; !ok {
		return -1, pathErr("open", path, unix.ENOENT)
	}
	fd := k.nextFD
	k.nextFD++
	k.fds[fd] = path
	return fd, nil
}

func (k *Kernel) CloseDir(fd int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.fds[fd]; !ok {
		return unix.EBADF
	}
	delete(k.fds, fd)
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
