package chroot

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// RunHelper is the guest-side half of the bridge, invoked as
// "__enter <root> <user> -- <command> [args...]" in a fresh process.
// It changes root into the environment, consumes the persisted snapshot,
// drops to the target user, restores the caller's variables and working
// directory, and replaces itself with the command. It only returns on
// error.
func RunHelper(args []string) error {
	root, user, command, cmdArgs, err := parseHelperArgs(args)
	if err != nil {
		return err
	}

	if err := unix.Chroot(root); err != nil {
		return fmt.Errorf("chroot %s: %w", root, err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}

	snap, err := ConsumeSnapshot(SnapshotPath)
	if err != nil {
		return err
	}

	c, err := lookupUser(user)
	if err != nil {
		return err
	}
	if err := unix.Setgroups(c.groups); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setgid(c.gid); err != nil {
		return fmt.Errorf("setgid %d: %w", c.gid, err)
	}
	if err := unix.Setuid(c.uid); err != nil {
		return fmt.Errorf("setuid %d: %w", c.uid, err)
	}

	// The caller's working directory translated into the guest; when the
	// path does not exist here, staying at the guest root is deliberate —
	// host-absolute paths often have no guest counterpart and that must
	// not fail the command.
	if fi, err := os.Stat(snap.Dir); err == nil && fi.IsDir() {
		if err := os.Chdir(snap.Dir); err != nil {
			os.Chdir("/")
		}
	}

	env := helperEnv(snap, user, c)
	argv := shellArgv(command, cmdArgs)
	if err := unix.Exec("/bin/sh", argv, env); err != nil {
		return fmt.Errorf("exec %s: %w", command, err)
	}
	return nil
}

func parseHelperArgs(args []string) (root, user, command string, cmdArgs []string, err error) {
	if len(args) < 4 || args[2] != "--" {
		return "", "", "", nil, fmt.Errorf("usage: %s <root> <user> -- <command> [args...]", EnterCommand)
	}
	return args[0], args[1], args[3], args[4:], nil
}

// helperEnv restores the snapshot variables, overriding the identity
// variables with the target user's.
func helperEnv(snap Snapshot, user string, c creds) []string {
	overrides := map[string]string{
		"HOME":    c.home,
		"USER":    user,
		"LOGNAME": user,
		"SHELL":   c.shell,
	}
	env := make([]string, 0, len(snap.Env)+len(overrides))
	for _, kv := range snap.Env {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, shadowed := overrides[key]; shadowed {
			continue
		}
		env = append(env, kv)
	}
	for _, key := range []string{"HOME", "USER", "LOGNAME", "SHELL"} {
		env = append(env, key+"="+overrides[key])
	}
	return env
}

// shellArgv wraps the command in a shell whose sole act is an exec: the
// shell resolves a bare command name against the guest PATH and hands
// the arguments through untouched, and because it execs, the command's
// exit status is the helper's own. Strictness flags would be inert here;
// a command that wants set -e or pipefail must be a shell invocation
// that sets them itself.
func shellArgv(command string, args []string) []string {
	argv := []string{"/bin/sh", "-c", `exec "$0" "$@"`, command}
	return append(argv, args...)
}
