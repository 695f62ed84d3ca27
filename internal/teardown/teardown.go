package teardown

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jirutka/setup-alpine/internal/mount"
)

// EvictionError reports processes that survived the signal escalation.
type EvictionError struct {
	Pids []int
}

func (e *EvictionError) Error() string {
	return fmt.Sprintf("teardown: %d process(es) still hold files under the environment root: %v", len(e.Pids), e.Pids)
}

// IncompleteError reports a robust teardown that could not unmount
// everything. Directory removal is deliberately skipped in that case: a
// live bind mount under the root would make removal reach host files.
type IncompleteError struct {
	Root     string
	Stuck    []string
	Eviction *EvictionError
}

func (e *IncompleteError) Error() string {
	var causes []string
	if len(e.Stuck) > 0 {
		causes = append(causes, fmt.Sprintf("%d mount(s) could not be unmounted (%s)", len(e.Stuck), strings.Join(e.Stuck, ", ")))
	}
	if e.Eviction != nil {
		causes = append(causes, e.Eviction.Error())
	}
	return fmt.Sprintf("teardown of %s incomplete: %s; directory left in place",
		e.Root, strings.Join(causes, "; "))
}

func (e *IncompleteError) Unwrap() error {
	if e.Eviction != nil {
		return e.Eviction
	}
	return nil
}

// Manager destroys environments. Two modes share one deterministic
// deepest-first unmount pass:
//
//   - best-effort: no process eviction, the first unmount failure aborts;
//     suits clean CI teardown where nothing should still be running.
//   - robust: guest-spawned stragglers are evicted first (graceful signal,
//     grace wait, escalate to forceful), unmount failures are accumulated
//     so every remaining entry is still attempted, and removal is skipped
//     entirely if any mount is stuck or any holder survived eviction.
type Manager struct {
	Table   mount.Table
	Evictor Evictor

	// Grace is the wait after the graceful signal; Escalation is the
	// additional wait before the forceful signal. Fixed timeouts, not
	// cancellable waits.
	Grace      time.Duration
	Escalation time.Duration

	sleep func(time.Duration)
}

// NewManager returns a Manager bound to the live mount table and process
// table.
func NewManager() *Manager {
	return &Manager{
		Table:      mount.NewProcTable(),
		Evictor:    NewProcEvictor(),
		Grace:      500 * time.Millisecond,
		Escalation: 2 * time.Second,
		sleep:      time.Sleep,
	}
}

// Destroy tears down the environment rooted at root. Mount operations
// are scoped by exact path prefix, so other environments on the host are
// never touched.
func (m *Manager) Destroy(root string, robust bool) error {
	root = strings.TrimSuffix(root, "/")
	if root == "" || !filepath.IsAbs(root) {
		return fmt.Errorf("teardown: refusing to destroy %q", root)
	}

	var evictErr *EvictionError
	if robust {
		evictErr = m.evict(root)
		if evictErr != nil {
			// Still run the unmount pass: every binding that can be
			// released should be. The failure itself is returned below and
			// blocks directory removal, since the surviving process keeps
			// files live under the root.
			log.Printf("teardown: %v", evictErr)
		}
	}

	mounts, err := m.Table.List(root)
	if err != nil {
		return fmt.Errorf("teardown: list mounts under %s: %w", root, err)
	}
	sortDeepestFirst(mounts)

	if !robust {
		for _, point := range mounts {
			if err := m.Table.Unmount(point); err != nil {
				// Removal is still attempted; the boundary-refusing
				// remover cannot reach host files through the live mount.
				if rmErr := m.removeTree(root); rmErr != nil {
					log.Printf("teardown: %v", rmErr)
				}
				return err
			}
		}
		return m.removeTree(root)
	}

	var stuck []string
	for _, point := range mounts {
		if err := m.Table.Unmount(point); err != nil {
			log.Printf("teardown: %v", err)
			stuck = append(stuck, point)
		}
	}
	if len(stuck) > 0 || evictErr != nil {
		return &IncompleteError{Root: root, Stuck: stuck, Eviction: evictErr}
	}
	return m.removeTree(root)
}

// evict terminates processes holding files under root: graceful signal,
// grace wait, re-check, longer wait, then forceful signal.
func (m *Manager) evict(root string) *EvictionError {
	pids, err := m.Evictor.Holders(root)
	if err != nil {
		log.Printf("teardown: enumerate holders: %v", err)
		return nil
	}
	if len(pids) == 0 {
		return nil
	}

	log.Printf("teardown: terminating %d process(es) under %s: %v", len(pids), root, pids)
	for _, pid := range pids {
		m.Evictor.Signal(pid, syscall.SIGTERM)
	}
	m.sleep(m.Grace)

	pids, _ = m.Evictor.Holders(root)
	if len(pids) == 0 {
		return nil
	}

	m.sleep(m.Escalation)
	pids, _ = m.Evictor.Holders(root)
	for _, pid := range pids {
		log.Printf("teardown: killing pid %d", pid)
		m.Evictor.Signal(pid, syscall.SIGKILL)
	}
	m.sleep(m.Grace)

	pids, _ = m.Evictor.Holders(root)
	if len(pids) > 0 {
		return &EvictionError{Pids: pids}
	}
	return nil
}

// removeTree removes the environment directory. When the mount table
// still shows entries under root (a missed unmount), removal refuses to
// cross those boundaries so host files reachable through a live bind are
// never deleted.
func (m *Manager) removeTree(root string) error {
	remaining, err := m.Table.List(root)
	if err != nil {
		return fmt.Errorf("teardown: re-list mounts under %s: %w", root, err)
	}
	if len(remaining) == 0 {
		if err := os.RemoveAll(root); err != nil {
			return fmt.Errorf("teardown: remove %s: %w", root, err)
		}
		return nil
	}

	log.Printf("teardown: %d mount(s) remain under %s, removing around them", len(remaining), root)
	if err := removeAvoidingMounts(root, remaining); err != nil {
		return fmt.Errorf("teardown: partial removal of %s: %w", root, err)
	}
	return fmt.Errorf("teardown: %s not fully removed, mounts remain: %s", root, strings.Join(remaining, ", "))
}

// removeAvoidingMounts deletes everything under path except subtrees
// covered by a mount point in points.
func removeAvoidingMounts(path string, points []string) error {
	for _, point := range points {
		if underPath(path, point) {
			// path is a mount point (or inside one): leave it alone.
			return nil
		}
	}

	covers := false
	for _, point := range points {
		if underPath(point, path) {
			covers = true
			break
		}
	}
	if !covers {
		return os.RemoveAll(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := removeAvoidingMounts(filepath.Join(path, entry.Name()), points); err != nil {
			return err
		}
	}
	// Keep the directory itself: it is an ancestor of a live mount point.
	return nil
}

// sortDeepestFirst orders mount points for LIFO unmounting: deepest
// path first, ties broken by length then reverse lexicographic order so
// the pass is deterministic.
func sortDeepestFirst(points []string) {
	sort.Slice(points, func(i, j int) bool {
		di, dj := strings.Count(points[i], "/"), strings.Count(points[j], "/")
		if di != dj {
			return di > dj
		}
		if len(points[i]) != len(points[j]) {
			return len(points[i]) > len(points[j])
		}
		return points[i] > points[j]
	})
}
