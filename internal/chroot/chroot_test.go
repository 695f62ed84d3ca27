package chroot

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestSnapshotRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap")
	snap := Snapshot{
		Dir: "/some/host/path",
		Env: []string{
			"FOO=bar",
			"MULTI=line one\nline two",
			"EMPTY=",
			"PATH=/usr/bin:/bin",
		},
	}
	if err := snap.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fi, _ := os.Stat(path)
	if fi.Mode().Perm() != 0600 {
		t.Errorf("snapshot mode = %v, want 0600", fi.Mode().Perm())
	}

	got, err := ConsumeSnapshot(path)
	if err != nil {
		t.Fatalf("ConsumeSnapshot: %v", err)
	}
	if got.Dir != snap.Dir {
		t.Errorf("Dir = %q, want %q", got.Dir, snap.Dir)
	}
	if !reflect.DeepEqual(got.Env, snap.Env) {
		t.Errorf("Env = %v, want %v (order preserved)", got.Env, snap.Env)
	}
}

func TestSnapshotConsumedExactlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap")
	if err := (Snapshot{Dir: "/", Env: []string{"A=1"}}).WriteFile(path); err != nil {
		t.Fatal(err)
	}

	if _, err := ConsumeSnapshot(path); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if _, err := ConsumeSnapshot(path); err == nil {
		t.Error("second consume succeeded, snapshot must be single-use")
	}
}

func TestValidateUser(t *testing.T) {
	for _, ok := range []string{"root", "builder", "my-user", "_svc", "user1"} {
		if err := ValidateUser(ok); err != nil {
			t.Errorf("ValidateUser(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "User", "1user", "a b", "user;id", "-flag", "../etc"} {
		if err := ValidateUser(bad); err == nil {
			t.Errorf("ValidateUser(%q) succeeded", bad)
		}
	}
}

const passwdFixture = `root:x:0:0:root:/root:/bin/ash
bin:x:1:1:bin:/bin:/sbin/nologin
builder:x:1000:1000:builder:/home/builder:/bin/sh
`

const groupFixture = `root:x:0:root
wheel:x:10:root,builder
builder:x:1000:
docker:x:101:builder
audio:x:18:someone-else
`

func TestParsePasswd(t *testing.T) {
	c, ok := parsePasswd(strings.NewReader(passwdFixture), "builder")
	if !ok {
		t.Fatal("builder not found")
	}
	if c.uid != 1000 || c.gid != 1000 || c.home != "/home/builder" || c.shell != "/bin/sh" {
		t.Errorf("creds = %+v", c)
	}

	if _, ok := parsePasswd(strings.NewReader(passwdFixture), "missing"); ok {
		t.Error("found a nonexistent user")
	}
}

func TestParseGroups(t *testing.T) {
	got := parseGroups(strings.NewReader(groupFixture), "builder", 1000)
	want := []int{1000, 10, 101}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("groups = %v, want %v", got, want)
	}
}

func TestParseHelperArgs(t *testing.T) {
	root, user, command, args, err := parseHelperArgs([]string{"/tmp/rootfs", "builder", "--", "make", "-j4", "all"})
	if err != nil {
		t.Fatalf("parseHelperArgs: %v", err)
	}
	if root != "/tmp/rootfs" || user != "builder" || command != "make" {
		t.Errorf("parsed %q %q %q", root, user, command)
	}
	if !reflect.DeepEqual(args, []string{"-j4", "all"}) {
		t.Errorf("args = %v", args)
	}

	for _, bad := range [][]string{nil, {"/root"}, {"/root", "user", "make"}, {"/root", "user", "-x", "make"}} {
		if _, _, _, _, err := parseHelperArgs(bad); err == nil {
			t.Errorf("parseHelperArgs(%v) succeeded", bad)
		}
	}
}

func TestHelperEnvRestoresAndOverrides(t *testing.T) {
	snap := Snapshot{Env: []string{
		"FOO=bar",
		"HOME=/home/host-user",
		"USER=host-user",
		"CFLAGS=-O2 -pipe",
		"garbage-without-equals",
	}}
	c := creds{uid: 1000, gid: 1000, home: "/home/builder", shell: "/bin/sh"}

	env := helperEnv(snap, "builder", c)

	got := map[string]string{}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		got[k] = v
	}
	if got["FOO"] != "bar" || got["CFLAGS"] != "-O2 -pipe" {
		t.Errorf("caller variables not restored: %v", got)
	}
	if got["HOME"] != "/home/builder" || got["USER"] != "builder" || got["LOGNAME"] != "builder" || got["SHELL"] != "/bin/sh" {
		t.Errorf("identity variables not overridden: %v", got)
	}
	if env[0] != "FOO=bar" {
		t.Errorf("snapshot ordering lost: %v", env[:1])
	}
}

func TestShellArgv(t *testing.T) {
	// The wrapper only execs; no shell option may sneak in that could
	// reinterpret the caller's arguments.
	argv := shellArgv("tar", []string{"-tzf", "pkg.apk"})
	want := []string{"/bin/sh", "-c", `exec "$0" "$@"`, "tar", "-tzf", "pkg.apk"}
	if !reflect.DeepEqual(argv, want) {
		t.Errorf("shellArgv = %v, want %v", argv, want)
	}
}

func TestEnterRejectsBadInputBeforeSideEffects(t *testing.T) {
	root := t.TempDir()

	if _, err := Enter(root, "Bad User", "true", nil); err == nil {
		t.Error("Enter accepted a malformed user name")
	}
	if _, err := os.Stat(filepath.Join(root, SnapshotPath)); !os.IsNotExist(err) {
		t.Error("snapshot written despite validation failure")
	}

	if _, err := Enter(filepath.Join(root, "missing"), "root", "true", nil); err == nil {
		t.Error("Enter accepted a nonexistent root")
	}
}
