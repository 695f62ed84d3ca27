package chroot

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// userNameRe is the permitted shape of a target user name, checked
// before any side effect.
var userNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_-]*\$?$`)

// ValidateUser rejects malformed user names.
func ValidateUser(name string) error {
	if !userNameRe.MatchString(name) {
		return fmt.Errorf("invalid user name %q", name)
	}
	return nil
}

// creds is the identity the helper switches to inside the guest.
type creds struct {
	uid, gid int
	home     string
	shell    string
	groups   []int
}

// lookupUser resolves name against the guest's /etc/passwd and
// /etc/group. It must run after the chroot so the guest files are the
// ones consulted.
func lookupUser(name string) (creds, error) {
	pw, err := os.Open("/etc/passwd")
	if err != nil {
		return creds{}, fmt.Errorf("open /etc/passwd: %w", err)
	}
	defer pw.Close()

	c, ok := parsePasswd(pw, name)
	if !ok {
		return creds{}, fmt.Errorf("user %q does not exist in the guest", name)
	}

	gr, err := os.Open("/etc/group")
	if err == nil {
		defer gr.Close()
		c.groups = parseGroups(gr, name, c.gid)
	} else {
		c.groups = []int{c.gid}
	}
	return c, nil
}

// parsePasswd scans passwd-format lines for name.
func parsePasswd(r io.Reader, name string) (creds, bool) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Split(sc.Text(), ":")
		if len(fields) < 7 || fields[0] != name {
			continue
		}
		uid, err1 := strconv.Atoi(fields[2])
		gid, err2 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil {
			continue
		}
		return creds{uid: uid, gid: gid, home: fields[5], shell: fields[6]}, true
	}
	return creds{}, false
}

// parseGroups collects the supplementary group IDs listing name as a
// member, always including the primary group first.
func parseGroups(r io.Reader, name string, primary int) []int {
	groups := []int{primary}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Split(sc.Text(), ":")
		if len(fields) < 4 {
			continue
		}
		gid, err := strconv.Atoi(fields[2])
		if err != nil || gid == primary {
			continue
		}
		for _, member := range strings.Split(fields[3], ",") {
			if member == name {
				groups = append(groups, gid)
				break
			}
		}
	}
	return groups
}
