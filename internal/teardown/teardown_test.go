package teardown

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"syscall"
	"testing"
	"time"
)

// fakeTable is an in-memory mount table. Unmount enforces the nesting
// invariant: unmounting a path while another active mount is nested
// under it fails the test immediately.
type fakeTable struct {
	t       *testing.T
	mounts  []string
	failing map[string]bool
	order   []string
}

func (f *fakeTable) List(prefix string) ([]string, error) {
	prefix = strings.TrimSuffix(prefix, "/")
	var out []string
	for _, m := range f.mounts {
		if m == prefix || strings.HasPrefix(m, prefix+"/") {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeTable) Unmount(path string) error {
	for _, m := range f.mounts {
		if m != path && strings.HasPrefix(m, path+"/") {
			f.t.Fatalf("unmounted %s while nested mount %s is still active", path, m)
		}
	}
	if f.failing[path] {
		return errors.New("device or resource busy")
	}
	kept := f.mounts[:0]
	for _, m := range f.mounts {
		if m != path {
			kept = append(kept, m)
		}
	}
	f.mounts = kept
	f.order = append(f.order, path)
	return nil
}

// fakeEvictor replays a sequence of Holders results and records signals.
type fakeEvictor struct {
	holders [][]int
	signals []string
}

func (f *fakeEvictor) Holders(root string) ([]int, error) {
	if len(f.holders) == 0 {
		return nil, nil
	}
	h := f.holders[0]
	f.holders = f.holders[1:]
	return h, nil
}

func (f *fakeEvictor) Signal(pid int, sig syscall.Signal) error {
	name := "TERM"
	if sig == syscall.SIGKILL {
		name = "KILL"
	}
	f.signals = append(f.signals, name)
	return nil
}

func testManager(t *testing.T, table *fakeTable, evictor Evictor) *Manager {
	if evictor == nil {
		evictor = &fakeEvictor{}
	}
	return &Manager{
		Table:   table,
		Evictor: evictor,
		Grace:   time.Millisecond,
		sleep:   func(time.Duration) {},
	}
}

func TestSortDeepestFirst(t *testing.T) {
	points := []string{
		"/tmp/r",
		"/tmp/r/proc",
		"/tmp/r/dev/shm",
		"/tmp/r/dev",
		"/tmp/r/home/runner/work",
	}
	sortDeepestFirst(points)
	want := []string{
		"/tmp/r/home/runner/work",
		"/tmp/r/dev/shm",
		"/tmp/r/proc",
		"/tmp/r/dev",
		"/tmp/r",
	}
	if !reflect.DeepEqual(points, want) {
		t.Errorf("order = %v, want %v", points, want)
	}
}

func TestDestroyUnmountsNestedFirst(t *testing.T) {
	root := t.TempDir()
	table := &fakeTable{t: t, mounts: []string{
		root + "/dev",
		root + "/dev/shm",
		root + "/proc",
	}}
	m := testManager(t, table, nil)

	if err := m.Destroy(root, false); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	// fakeTable.Unmount fails the test if nesting is violated; also check
	// the shm bind went strictly before its parent.
	shm, dev := -1, -1
	for i, p := range table.order {
		switch p {
		case root + "/dev/shm":
			shm = i
		case root + "/dev":
			dev = i
		}
	}
	if shm == -1 || dev == -1 || shm > dev {
		t.Errorf("unmount order = %v", table.order)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Error("environment root not removed")
	}
}

func TestDestroyScopedToOwnRoot(t *testing.T) {
	root := t.TempDir()
	other := root + "-other"
	table := &fakeTable{t: t, mounts: []string{
		root + "/proc",
		other + "/proc", // sibling environment, shares the string prefix
	}}
	m := testManager(t, table, nil)

	if err := m.Destroy(root, false); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if got, _ := table.List(other); len(got) != 1 {
		t.Errorf("sibling environment's mounts were touched: %v", table.order)
	}
}

func TestBestEffortAbortsOnFirstFailure(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "dev"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "etc"), 0755); err != nil {
		t.Fatal(err)
	}
	table := &fakeTable{
		t:       t,
		mounts:  []string{root + "/dev", root + "/proc"},
		failing: map[string]bool{root + "/dev": true},
	}
	m := testManager(t, table, nil)

	err := m.Destroy(root, false)
	if err == nil {
		t.Fatal("Destroy succeeded with a failing unmount")
	}
	// /proc sorts before /dev only by reverse lexicographic tie-break;
	// the failing /dev stops the pass, so at most one unmount happened.
	if len(table.order) > 1 {
		t.Errorf("pass continued after failure: %v", table.order)
	}

	// Removal was still attempted, but never across the live mount.
	if _, err := os.Stat(filepath.Join(root, "dev")); err != nil {
		t.Error("directory under a live mount point was removed")
	}
	if _, err := os.Stat(filepath.Join(root, "etc")); !os.IsNotExist(err) {
		t.Error("unmounted content was not removed")
	}
}

func TestRobustAccumulatesAndSkipsRemoval(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "marker"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	table := &fakeTable{
		t:       t,
		mounts:  []string{root + "/dev", root + "/proc", root + "/sys"},
		failing: map[string]bool{root + "/proc": true},
	}
	m := testManager(t, table, nil)

	err := m.Destroy(root, true)
	var inc *IncompleteError
	if !errors.As(err, &inc) {
		t.Fatalf("Destroy error = %v, want IncompleteError", err)
	}
	if !reflect.DeepEqual(inc.Stuck, []string{root + "/proc"}) {
		t.Errorf("Stuck = %v", inc.Stuck)
	}
	// The pass must have kept going past the failure.
	if len(table.order) != 2 {
		t.Errorf("unmounted %v, want the two working mounts", table.order)
	}
	// Removal must be skipped entirely while a mount is stuck.
	if _, err := os.Stat(filepath.Join(root, "marker")); err != nil {
		t.Error("directory removed despite stuck mount")
	}
}

func TestRobustEvictionEscalation(t *testing.T) {
	root := t.TempDir()
	evictor := &fakeEvictor{holders: [][]int{
		{101, 102}, // initial scan
		{102},      // after SIGTERM + grace
		{102},      // after escalation wait
		{},         // after SIGKILL
	}}
	table := &fakeTable{t: t, mounts: []string{root + "/proc"}}
	m := testManager(t, table, evictor)

	if err := m.Destroy(root, true); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	want := []string{"TERM", "TERM", "KILL"}
	if !reflect.DeepEqual(evictor.signals, want) {
		t.Errorf("signals = %v, want %v", evictor.signals, want)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Error("environment root not removed after eviction")
	}
}

func TestRobustUnevictableHolderBlocksRemoval(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "marker"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	// A holder survives the whole escalation while every mount (here:
	// none) unmounts cleanly. The failure must still surface and block
	// removal; the survivor keeps files live under the root.
	evictor := &fakeEvictor{holders: [][]int{{42}, {42}, {42}, {42}}}
	m := testManager(t, &fakeTable{t: t}, evictor)

	err := m.Destroy(root, true)
	var inc *IncompleteError
	if !errors.As(err, &inc) {
		t.Fatalf("Destroy = %v, want IncompleteError despite unevictable holder", err)
	}
	var ev *EvictionError
	if !errors.As(err, &ev) || !reflect.DeepEqual(ev.Pids, []int{42}) {
		t.Errorf("error does not carry the eviction failure: %v", err)
	}
	if len(inc.Stuck) != 0 {
		t.Errorf("Stuck = %v, want none", inc.Stuck)
	}
	if _, err := os.Stat(filepath.Join(root, "marker")); err != nil {
		t.Error("directory removed while a process still holds files under it")
	}
}

func TestRobustStuckHolderThenRetry(t *testing.T) {
	root := t.TempDir()

	// A holder survives SIGKILL and keeps /proc busy.
	evictor := &fakeEvictor{holders: [][]int{{77}, {77}, {77}, {77}}}
	table := &fakeTable{
		t:       t,
		mounts:  []string{root + "/proc"},
		failing: map[string]bool{root + "/proc": true},
	}
	m := testManager(t, table, evictor)

	err := m.Destroy(root, true)
	var inc *IncompleteError
	if !errors.As(err, &inc) {
		t.Fatalf("error = %v, want IncompleteError", err)
	}
	var ev *EvictionError
	if !errors.As(err, &ev) || !reflect.DeepEqual(ev.Pids, []int{77}) {
		t.Errorf("IncompleteError does not carry the eviction failure: %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Error("directory removed despite stuck mount")
	}

	// The holder exits; a retried destroy succeeds and removes the root.
	table.failing = nil
	m.Evictor = &fakeEvictor{}
	if err := m.Destroy(root, true); err != nil {
		t.Fatalf("retried Destroy: %v", err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Error("retried destroy left the directory")
	}
}

func TestDestroyRejectsUnsafeRoots(t *testing.T) {
	m := testManager(t, &fakeTable{t: t}, nil)
	for _, bad := range []string{"", "/", "relative/path"} {
		if err := m.Destroy(bad, false); err == nil {
			t.Errorf("Destroy(%q) succeeded", bad)
		}
	}
}

func TestRemoveAvoidingMounts(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"dev/shm", "etc/apk", "home/runner/work"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "dev/shm/host-file"), []byte("host data"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "etc/apk/repositories"), []byte("repo"), 0644); err != nil {
		t.Fatal(err)
	}

	points := []string{filepath.Join(root, "dev/shm")}
	if err := removeAvoidingMounts(root, points); err != nil {
		t.Fatalf("removeAvoidingMounts: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "dev/shm/host-file")); err != nil {
		t.Error("file behind a live mount was deleted")
	}
	if _, err := os.Stat(filepath.Join(root, "etc")); !os.IsNotExist(err) {
		t.Error("unmounted subtree was not deleted")
	}
	// Ancestors of the live mount must survive.
	if _, err := os.Stat(filepath.Join(root, "dev")); err != nil {
		t.Error("ancestor of a live mount was deleted")
	}
}
