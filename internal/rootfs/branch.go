package rootfs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
)

// branchRe matches release branch names like v3.17.
var branchRe = regexp.MustCompile(`^v(\d+)\.(\d+)$`)

// ValidateBranch accepts "edge", "latest-stable" or "vMAJOR.MINOR".
func ValidateBranch(branch string) error {
	if branch == "edge" || branch == "latest-stable" || branchRe.MatchString(branch) {
		return nil
	}
	return fmt.Errorf("invalid branch %q: expected vMAJOR.MINOR, edge or latest-stable", branch)
}

// branchBefore reports whether branch is an older release than
// vMajor.Minor. edge is never before anything.
func branchBefore(branch string, major, minor int) bool {
	m := branchRe.FindStringSubmatch(branch)
	if m == nil {
		return false
	}
	bMajor, _ := strconv.Atoi(m[1])
	bMinor, _ := strconv.Atoi(m[2])
	return bMajor < major || (bMajor == major && bMinor < minor)
}

// ResolveBranch turns "latest-stable" into a concrete vX.Y branch using
// the provisioner's mirror client, so the lookup carries the same
// connection bounds as every other mirror access.
func (p *Provisioner) ResolveBranch(ctx context.Context, mirrorURL, branch string) (string, error) {
	return resolveBranch(ctx, p.Client, mirrorURL, branch)
}

// resolveBranch reads the mirror's top-level directory index and picks
// the newest vX.Y entry; branch names other than "latest-stable" pass
// through unchanged.
func resolveBranch(ctx context.Context, client *http.Client, mirrorURL, branch string) (string, error) {
	if branch != "latest-stable" {
		return branch, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mirrorURL+"/", nil)
	if err != nil {
		return "", fmt.Errorf("request mirror index: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("read mirror index: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("read mirror index: HTTP %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read mirror index: %w", err)
	}

	best, bestMajor, bestMinor := "", -1, -1
	for _, m := range regexp.MustCompile(`v(\d+)\.(\d+)`).FindAllStringSubmatch(string(body), -1) {
		major, _ := strconv.Atoi(m[1])
		minor, _ := strconv.Atoi(m[2])
		if major > bestMajor || (major == bestMajor && minor > bestMinor) {
			best, bestMajor, bestMinor = m[0], major, minor
		}
	}
	if best == "" {
		return "", fmt.Errorf("no release branches found in mirror index %s", mirrorURL)
	}
	return best, nil
}
