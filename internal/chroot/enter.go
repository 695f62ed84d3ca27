package chroot

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// EnterCommand is the hidden CLI command name the bridge re-executes
// itself with; the helper half runs under it inside a fresh process so
// the chroot never affects the caller.
const EnterCommand = "__enter"

// Enter runs command with args inside the environment rooted at root, as
// user, with the caller's environment and working directory restored on
// the other side. It returns the command's exit code unchanged; command
// failures are not translated, they become the bridge's own status.
func Enter(root, user string, command string, args []string) (int, error) {
	if err := ValidateUser(user); err != nil {
		return -1, err
	}
	if _, err := os.Stat(root); err != nil {
		return -1, fmt.Errorf("environment root: %w", err)
	}

	snap, err := Capture()
	if err != nil {
		return -1, err
	}
	if err := snap.WriteFile(filepath.Join(root, SnapshotPath)); err != nil {
		return -1, err
	}

	argv := append([]string{EnterCommand, root, user, "--", command}, args...)
	cmd := exec.Command("/proc/self/exe", argv...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// The helper rebuilds its environment from the snapshot; hand it
	// nothing but a sane PATH for the re-exec itself.
	cmd.Env = []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}

	err = cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("enter %s: %w", root, err)
}
