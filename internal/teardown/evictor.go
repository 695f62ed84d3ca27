// Package teardown removes provisioned environments: process eviction,
// depth-ordered unmounting, and directory removal that never crosses a
// live mount boundary.
package teardown

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Evictor enumerates and signals host processes holding files open under
// an environment root. The escalation logic in Manager is platform
// independent; only this boundary touches the real process table.
type Evictor interface {
	// Holders returns the PIDs with their root, working directory or an
	// open file descriptor under root, excluding the calling process.
	Holders(root string) ([]int, error)

	// Signal delivers sig to pid.
	Signal(pid int, sig syscall.Signal) error
}

// ProcEvictor scans the proc filesystem.
type ProcEvictor struct {
	// Proc is the procfs mount point, replaceable in tests.
	Proc string
}

// NewProcEvictor returns the production evictor.
func NewProcEvictor() *ProcEvictor {
	return &ProcEvictor{Proc: "/proc"}
}

func (e *ProcEvictor) Holders(root string) ([]int, error) {
	entries, err := os.ReadDir(e.Proc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", e.Proc, err)
	}

	prefix := strings.TrimSuffix(root, "/")
	self := os.Getpid()
	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}
		if e.holdsPath(pid, prefix) {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// holdsPath checks the process's root, cwd and open descriptors for the
// prefix. Readlink failures (exited process, permissions) simply mean no
// evidence of a hold.
func (e *ProcEvictor) holdsPath(pid int, prefix string) bool {
	dir := filepath.Join(e.Proc, strconv.Itoa(pid))

	for _, link := range []string{"root", "cwd"} {
		if target, err := os.Readlink(filepath.Join(dir, link)); err == nil {
			if underPath(target, prefix) {
				return true
			}
		}
	}

	fds, err := os.ReadDir(filepath.Join(dir, "fd"))
	if err != nil {
		return false
	}
	for _, fd := range fds {
		if target, err := os.Readlink(filepath.Join(dir, "fd", fd.Name())); err == nil {
			if underPath(target, prefix) {
				return true
			}
		}
	}
	return false
}

func (e *ProcEvictor) Signal(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

// underPath reports whether path is prefix itself or inside it, by whole
// path component.
func underPath(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
