// Package config holds the runtime configuration for setup-alpine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// DefaultMirror is the upstream Alpine CDN mirror.
const DefaultMirror = "https://dl-cdn.alpinelinux.org/alpine"

// apkToolsVersion pins the statically linked apk tool used to bootstrap
// environments.
const apkToolsVersion = "v2.14.6"

// apkToolsRefs are the per-host-architecture artifact references for
// apk.static. The digest rides along in the reference itself, so the
// bootstrap tool can never be swapped out undetected; a wrong digest
// fails closed with an integrity error. When bumping apkToolsVersion,
// every digest must be re-pinned from the upstream published checksums.
// Callers needing a different build can override with apk_tools_url.
var apkToolsRefs = map[string]string{
	"x86_64":  apkToolsURL("x86_64") + "#!sha256!bf7adbbfa3a4b7a5b60982f65ed4094b0da5c4fe1ee56e8d0e0cbba0f11deaf1",
	"x86":     apkToolsURL("x86") + "#!sha256!7e56f4b9ec25f3f97cd7b0a40c5f3a540f1b4cba2c0b46e26f8c90814549c0d4",
	"aarch64": apkToolsURL("aarch64") + "#!sha256!f8c2b1d4e0a97551b9f7a34ad3a4d4c7fa1ed10e81edc5f5c9be6cc41c2b7f10",
	"armv7":   apkToolsURL("armv7") + "#!sha256!2f0e34cf5dfa9db8a8f8e2e5a11fae68c3be7d64a7e1ac07f2f23ba4c76a91ec",
	"ppc64le": apkToolsURL("ppc64le") + "#!sha256!83b1f79b4bd17cd0fe977dcae55dbadf60cd18e4a41d1eb0e26a72c17e39cf6d",
	"riscv64": apkToolsURL("riscv64") + "#!sha256!9a6e1aabfcdc2f57a9c38d1f6de0e6d9e9bd4a3a3b3e7096c8de9e1c6bb07ea2",
	"s390x":   apkToolsURL("s390x") + "#!sha256!1fd06f4e1e2a83f84e49cfd09d08b857b4b215a3a6af75e15b2d05c4e42a57f8",
}

func apkToolsURL(arch string) string {
	return fmt.Sprintf("https://gitlab.alpinelinux.org/api/v4/projects/5/packages/generic/v2.14/%s/%s/apk.static",
		apkToolsVersion, arch)
}

// goarchToAlpine maps Go runtime architecture names to Alpine's.
var goarchToAlpine = map[string]string{
	"amd64":   "x86_64",
	"386":     "x86",
	"arm64":   "aarch64",
	"arm":     "armv7",
	"ppc64le": "ppc64le",
	"riscv64": "riscv64",
	"s390x":   "s390x",
}

// validArchs is the accepted target architecture set.
var validArchs = map[string]bool{
	"x86_64": true, "x86": true, "aarch64": true, "armhf": true,
	"armv7": true, "ppc64le": true, "riscv64": true, "s390x": true,
}

// ValidationError reports malformed configuration, rejected before any
// side effect.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Config holds the provisioning inputs and tool locations.
type Config struct {
	// Arch is the target Alpine architecture.
	Arch string `yaml:"arch"`

	// Branch is the Alpine release branch: vMAJOR.MINOR, edge, or
	// latest-stable.
	Branch string `yaml:"branch"`

	// MirrorURL is the Alpine package mirror base URL.
	MirrorURL string `yaml:"mirror"`

	// ExtraRepositories are appended to the guest repositories file
	// verbatim, after the mirror's main and community lines.
	ExtraRepositories []string `yaml:"repositories"`

	// ExtraKeyFiles name additional package signing keys to install
	// into the guest key directory.
	ExtraKeyFiles []string `yaml:"keys"`

	// Packages are installed into the guest on top of the base set.
	Packages []string `yaml:"packages"`

	// Volumes are hostPath:guestPath bind mappings.
	Volumes []string `yaml:"volumes"`

	// WorkDir is where environment roots and state live.
	WorkDir string `yaml:"work_dir"`

	// CacheDir holds digest-verified downloads.
	CacheDir string `yaml:"cache_dir"`

	// APKToolsRef overrides the pinned apk.static artifact reference.
	APKToolsRef string `yaml:"apk_tools_url"`
}

// DefaultConfig returns the defaults for this host. RUNNER_TEMP, when
// set, anchors the work directory so CI runners clean up after a lost
// teardown.
func DefaultConfig() *Config {
	workDir := filepath.Join(os.TempDir(), "setup-alpine")
	if runnerTemp := os.Getenv("RUNNER_TEMP"); runnerTemp != "" {
		workDir = filepath.Join(runnerTemp, "setup-alpine")
	}
	return &Config{
		Arch:        HostArch(),
		Branch:      "latest-stable",
		MirrorURL:   DefaultMirror,
		WorkDir:     workDir,
		CacheDir:    filepath.Join(workDir, "cache"),
		APKToolsRef: apkToolsRefs[HostArch()],
	}
}

// LoadFile merges a YAML configuration file over c. Absent keys keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate rejects malformed configuration. Nothing has been created or
// downloaded when it fails.
func (c *Config) Validate() error {
	if !validArchs[c.Arch] {
		return &ValidationError{Field: "arch", Value: c.Arch, Reason: "not a supported Alpine architecture"}
	}
	if c.Branch == "" {
		return &ValidationError{Field: "branch", Value: c.Branch, Reason: "must not be empty"}
	}
	if c.MirrorURL == "" {
		return &ValidationError{Field: "mirror", Value: c.MirrorURL, Reason: "must not be empty"}
	}
	if c.APKToolsRef == "" {
		return &ValidationError{Field: "apk_tools_url", Value: c.APKToolsRef,
			Reason: "no pinned apk.static for host architecture " + HostArch()}
	}
	for _, key := range c.ExtraKeyFiles {
		if _, err := os.Stat(key); err != nil {
			return &ValidationError{Field: "keys", Value: key, Reason: "key file not readable"}
		}
	}
	return nil
}

// DBPath is the environment registry location under the work directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.WorkDir, "setup-alpine.db")
}

// HostArch returns the host's architecture in Alpine naming.
func HostArch() string {
	if arch, ok := goarchToAlpine[runtime.GOARCH]; ok {
		return arch
	}
	return runtime.GOARCH
}
