// Package mount builds and tears down the host↔guest bind-mount graph.
//
// Bindings form a stack: later bindings may nest inside earlier ones, and
// teardown must undo them deepest mount point first. All operations are
// scoped by exact path prefix against one environment's root so that two
// environments on the same host never touch each other's mounts.
package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Error reports a failed mount or unmount syscall.
type Error struct {
	Op   string // "bind", "private", "unmount"
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("mount: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Binding is one active bind mount owned by an environment.
type Binding struct {
	// Source is the host directory exposed into the guest.
	Source string

	// Target is the absolute host path of the mount point (inside the
	// environment root).
	Target string
}

// Binder performs recursive, propagation-private bind mounts.
type Binder struct {
	// mnt is unix.Mount, replaceable in tests.
	mnt func(source, target, fstype string, flags uintptr, data string) error
}

// NewBinder returns a Binder using the real mount syscall.
func NewBinder() *Binder {
	return &Binder{mnt: unix.Mount}
}

// Bind recursively bind-mounts hostSource at guestRelTarget under root,
// creating the target directory if absent, and marks the mount private so
// later mount activity does not propagate across the boundary in either
// direction.
func (b *Binder) Bind(root, hostSource, guestRelTarget string) (Binding, error) {
	target := filepath.Join(root, guestRelTarget)
	if err := os.MkdirAll(target, 0755); err != nil {
		return Binding{}, fmt.Errorf("create mount point %s: %w", target, err)
	}
	if err := b.mnt(hostSource, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return Binding{}, &Error{Op: "bind", Path: target, Err: err}
	}
	if err := b.mnt("", target, "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return Binding{}, &Error{Op: "private", Path: target, Err: err}
	}
	return Binding{Source: hostSource, Target: target}, nil
}

// BindStandard establishes the bindings every environment needs: the
// process pseudo-filesystem, device nodes, the system information tree,
// the caller's work directory at its own absolute path, and — when the
// host maps /dev/shm through a symlink — the symlink's real target so
// shared memory keeps working in the guest.
func (b *Binder) BindStandard(root, workDir string) ([]Binding, error) {
	var bindings []Binding

	bind := func(src, relTarget string) error {
		bn, err := b.Bind(root, src, relTarget)
		if err != nil {
			return err
		}
		bindings = append(bindings, bn)
		return nil
	}

	if err := bind("/proc", "proc"); err != nil {
		return bindings, err
	}
	if err := bind("/dev", "dev"); err != nil {
		return bindings, err
	}
	if err := bind("/sys", "sys"); err != nil {
		return bindings, err
	}

	// On hosts where /dev/shm is a symlink (e.g. to /run/shm), the bound
	// /dev carries the symlink but not its target; bind the real path so
	// the guest-side symlink resolves.
	if real, err := filepath.EvalSymlinks("/dev/shm"); err == nil && real != "/dev/shm" {
		if err := bind(real, strings.TrimPrefix(real, "/")); err != nil {
			return bindings, err
		}
	}

	if workDir != "" {
		if err := bind(workDir, strings.TrimPrefix(workDir, "/")); err != nil {
			return bindings, err
		}
	}
	return bindings, nil
}

// BindVolumes binds caller-specified "hostPath:guestPath" mappings, in the
// order given. Mappings must be validated with ParseVolumes first.
func (b *Binder) BindVolumes(root string, volumes []Volume) ([]Binding, error) {
	var bindings []Binding
	for _, v := range volumes {
		bn, err := b.Bind(root, v.Host, strings.TrimPrefix(v.Guest, "/"))
		if err != nil {
			return bindings, err
		}
		bindings = append(bindings, bn)
	}
	return bindings, nil
}

// Volume is a validated hostPath:guestPath mapping.
type Volume struct {
	Host  string
	Guest string
}

// ParseVolumes validates raw "hostPath:guestPath" entries. Blank entries
// are ignored; anything else malformed fails before any mount is made.
func ParseVolumes(raw []string) ([]Volume, error) {
	var volumes []Volume
	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		host, guest, ok := strings.Cut(entry, ":")
		if !ok || host == "" || guest == "" {
			return nil, fmt.Errorf("invalid volume %q: expected hostPath:guestPath", entry)
		}
		if !filepath.IsAbs(host) || !filepath.IsAbs(guest) {
			return nil, fmt.Errorf("invalid volume %q: both paths must be absolute", entry)
		}
		volumes = append(volumes, Volume{Host: host, Guest: guest})
	}
	return volumes, nil
}
