package mount

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"golang.org/x/sys/unix"
)

// recordingMount captures mount syscall invocations in order.
type mountCall struct {
	source, target string
	flags          uintptr
}

func recordingBinder(calls *[]mountCall) *Binder {
	return &Binder{mnt: func(source, target, fstype string, flags uintptr, data string) error {
		*calls = append(*calls, mountCall{source, target, flags})
		return nil
	}}
}

func TestBindRecursivePrivate(t *testing.T) {
	var calls []mountCall
	b := recordingBinder(&calls)
	root := t.TempDir()

	bn, err := b.Bind(root, "/proc", "proc")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if bn.Target != filepath.Join(root, "proc") {
		t.Errorf("Target = %q", bn.Target)
	}
	if fi, err := os.Stat(bn.Target); err != nil || !fi.IsDir() {
		t.Errorf("mount point not created: %v", err)
	}

	if len(calls) != 2 {
		t.Fatalf("mount calls = %d, want bind then private", len(calls))
	}
	if calls[0].flags&(unix.MS_BIND|unix.MS_REC) != unix.MS_BIND|unix.MS_REC {
		t.Errorf("first call flags = %#x, want MS_BIND|MS_REC", calls[0].flags)
	}
	if calls[1].flags&(unix.MS_PRIVATE|unix.MS_REC) != unix.MS_PRIVATE|unix.MS_REC {
		t.Errorf("second call flags = %#x, want MS_PRIVATE|MS_REC", calls[1].flags)
	}
	if calls[1].target != bn.Target {
		t.Errorf("private applied to %q, want %q", calls[1].target, bn.Target)
	}
}

func TestBindStandardOrderAndWorkDir(t *testing.T) {
	var calls []mountCall
	b := recordingBinder(&calls)
	root := t.TempDir()
	workDir := t.TempDir()

	bindings, err := b.BindStandard(root, workDir)
	if err != nil {
		t.Fatalf("BindStandard: %v", err)
	}

	var sources []string
	for _, bn := range bindings {
		sources = append(sources, bn.Source)
	}
	// /proc, /dev, /sys always come first; the work directory is last
	// (a /dev/shm symlink binding may appear in between, host-dependent).
	if len(sources) < 4 || sources[0] != "/proc" || sources[1] != "/dev" || sources[2] != "/sys" {
		t.Fatalf("standard binding order = %v", sources)
	}
	last := bindings[len(bindings)-1]
	if last.Source != workDir {
		t.Errorf("work dir bound as %q, want %q", last.Source, workDir)
	}
	if last.Target != filepath.Join(root, workDir) {
		t.Errorf("work dir target = %q, want guest path mirroring the host path", last.Target)
	}
}

func TestParseVolumes(t *testing.T) {
	got, err := ParseVolumes([]string{"/host/data:/data", "", "  ", "/var/cache:/cache"})
	if err != nil {
		t.Fatalf("ParseVolumes: %v", err)
	}
	want := []Volume{{"/host/data", "/data"}, {"/var/cache", "/cache"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseVolumes = %v, want %v", got, want)
	}

	for _, bad := range []string{"nodelimiter", ":/guest", "/host:", "rel/path:/guest", "/host:rel"} {
		if _, err := ParseVolumes([]string{bad}); err == nil {
			t.Errorf("ParseVolumes(%q) succeeded, want error", bad)
		}
	}
}

func TestBindVolumesOrder(t *testing.T) {
	var calls []mountCall
	b := recordingBinder(&calls)
	root := t.TempDir()

	vols := []Volume{{"/a", "/one"}, {"/b", "/two"}}
	bindings, err := b.BindVolumes(root, vols)
	if err != nil {
		t.Fatalf("BindVolumes: %v", err)
	}
	if len(bindings) != 2 || bindings[0].Source != "/a" || bindings[1].Source != "/b" {
		t.Errorf("bindings = %v, want caller order preserved", bindings)
	}
}

func TestProcTableListScoping(t *testing.T) {
	mounts := `proc /proc proc rw 0 0
/dev/sda1 / ext4 rw 0 0
/dev/sda1 /tmp/rootfs-x86_64-edge ext4 rw 0 0
proc /tmp/rootfs-x86_64-edge/proc proc rw 0 0
devtmpfs /tmp/rootfs-x86_64-edge/dev devtmpfs rw 0 0
tmpfs /tmp/rootfs-x86_64-edge/dev/shm tmpfs rw 0 0
/dev/sda1 /tmp/rootfs-x86_64-edge-sibling ext4 rw 0 0
tmpfs /tmp/rootfs-x86_64-edge/with\040space tmpfs rw 0 0
`
	path := filepath.Join(t.TempDir(), "mounts")
	if err := os.WriteFile(path, []byte(mounts), 0644); err != nil {
		t.Fatal(err)
	}

	table := &ProcTable{Path: path}
	got, err := table.List("/tmp/rootfs-x86_64-edge")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{
		"/tmp/rootfs-x86_64-edge",
		"/tmp/rootfs-x86_64-edge/proc",
		"/tmp/rootfs-x86_64-edge/dev",
		"/tmp/rootfs-x86_64-edge/dev/shm",
		"/tmp/rootfs-x86_64-edge/with space",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("List = %v, want %v", got, want)
	}
}

func TestUnescapeMountPath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/plain/path", "/plain/path"},
		{`/with\040space`, "/with space"},
		{`/tab\011here`, "/tab\there"},
		{`/trailing\backslash`, `/trailing\backslash`},
	}
	for _, tt := range tests {
		if got := unescapeMountPath(tt.in); got != tt.want {
			t.Errorf("unescapeMountPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
