// Package proctest builds fake procfs trees for tests.
package proctest

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// Proc describes one fake /proc/<pid> directory
type Proc struct {
	PID          int
	Comm         string
	Exe          string // symlink target; empty leaves exe missing
	PPID         int
	State        byte // defaults to 'S'
	KernelThread bool
	StartTime    uint64 // defaults to 1000 + PID
	Cgroup       string // unified path; defaults to /user.slice
}

// Write creates the files ProcFS reads
func Write(t testing.TB, root string, p Proc) {
	t.Helper()

	dir := filepath.Join(root, strconv.Itoa(p.PID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("create %s: %v", dir, err)
	}

	state := p.State
	if state == 0 {
		state = 'S'
	}
	start := p.StartTime
	if start == 0 {
		start = 1000 + uint64(p.PID)
	}
	var flags uint64 = 0x400000
	if p.KernelThread {
		flags |= 0x00200000
	}
	cgroup := p.Cgroup
	if cgroup == "" {
		cgroup = "/user.slice"
	}

	// fields 3..22; everything not parsed is zero
	stat := fmt.Sprintf("%d (%s) %c %d 0 0 0 -1 %d 0 0 0 0 0 0 0 0 20 0 1 0 %d 0 0\n",
		p.PID, p.Comm, state, p.PPID, flags, start)

	writeFile(t, filepath.Join(dir, "stat"), stat)
	writeFile(t, filepath.Join(dir, "comm"), p.Comm+"\n")
	writeFile(t, filepath.Join(dir, "cgroup"), "0::"+cgroup+"\n")

	if p.Exe != "" {
		link := filepath.Join(dir, "exe")
		os.Remove(link)
		if err := os.Symlink(p.Exe, link); err != nil {
			t.Fatalf("symlink %s: %v", link, err)
		}
	}
}

// Remove deletes a fake process, as if it exited and was reaped
func Remove(t testing.TB, root string, pid int) {
	t.Helper()
	if err := os.RemoveAll(filepath.Join(root, strconv.Itoa(pid))); err != nil {
		t.Fatalf("remove pid %d: %v", pid, err)
	}
}

func writeFile(t testing.TB, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
