// Package chroot is the environment bridge: it carries the caller's
// environment and working directory across the guest-root boundary and
// executes commands inside the environment as a target user.
package chroot

import (
	"bytes"
	"fmt"
	"os"
)

// SnapshotPath is the fixed guest-relative location where the
// environment snapshot is persisted between the two halves of a bridge
// invocation. It is implementation-internal and not caller-configurable.
const SnapshotPath = "/.setup-alpine.env"

// Snapshot is the caller's environment at the moment the bridge is
// invoked: the variables in their original order plus the working
// directory.
type Snapshot struct {
	Dir string
	Env []string // KEY=value entries, order preserved
}

// Capture snapshots the current process environment and working
// directory.
func Capture() (Snapshot, error) {
	dir, err := os.Getwd()
	if err != nil {
		return Snapshot{}, fmt.Errorf("get working directory: %w", err)
	}
	return Snapshot{Dir: dir, Env: os.Environ()}, nil
}

// WriteFile persists the snapshot at path, readable only by root. The
// format is NUL-separated records (values may contain newlines): the
// working directory first, then each variable.
func (s Snapshot) WriteFile(path string) error {
	var buf bytes.Buffer
	buf.WriteString(s.Dir)
	buf.WriteByte(0)
	for _, kv := range s.Env {
		buf.WriteString(kv)
		buf.WriteByte(0)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("persist environment snapshot: %w", err)
	}
	return nil
}

// ConsumeSnapshot reads and deletes the snapshot at path. Each snapshot
// is consumed exactly once; a second read fails because the file is
// already gone.
func ConsumeSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read environment snapshot: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return Snapshot{}, fmt.Errorf("consume environment snapshot: %w", err)
	}

	records := bytes.Split(data, []byte{0})
	if len(records) == 0 {
		return Snapshot{}, fmt.Errorf("environment snapshot %s is empty", path)
	}
	snap := Snapshot{Dir: string(records[0])}
	for _, rec := range records[1:] {
		if len(rec) > 0 {
			snap.Env = append(snap.Env, string(rec))
		}
	}
	return snap, nil
}
