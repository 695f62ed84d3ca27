package mount

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Table abstracts the host's mount table so teardown ordering can be
// tested without kernel mounts.
type Table interface {
	// List returns the mount points at or under pathPrefix, in table
	// order. Matching is by whole path component: prefix /a/b matches
	// /a/b and /a/b/c but never /a/bc.
	List(pathPrefix string) ([]string, error)

	// Unmount detaches the mount at path.
	Unmount(path string) error
}

// ProcTable reads the live mount table from /proc/self/mounts and
// unmounts with MNT_FORCE.
type ProcTable struct {
	// Path of the mounts file, replaceable in tests.
	Path string
}

// NewProcTable returns a Table backed by the running kernel.
func NewProcTable() *ProcTable {
	return &ProcTable{Path: "/proc/self/mounts"}
}

func (t *ProcTable) List(pathPrefix string) ([]string, error) {
	f, err := os.Open(t.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", t.Path, err)
	}
	defer f.Close()

	prefix := strings.TrimSuffix(pathPrefix, "/")
	var points []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		point := unescapeMountPath(fields[1])
		if point == prefix || strings.HasPrefix(point, prefix+"/") {
			points = append(points, point)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", t.Path, err)
	}
	return points, nil
}

func (t *ProcTable) Unmount(path string) error {
	if err := unix.Unmount(path, unix.MNT_FORCE); err != nil {
		return &Error{Op: "unmount", Path: path, Err: err}
	}
	return nil
}

// unescapeMountPath decodes the octal escapes (\040 for space etc.) the
// kernel uses in /proc mounts entries.
func unescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
