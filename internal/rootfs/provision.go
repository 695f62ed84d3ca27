// Package rootfs provisions minimal Alpine root filesystems: directory
// allocation, repository and key setup, and the apk bootstrap performed
// with a digest-verified apk.static tool binary.
package rootfs

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jirutka/setup-alpine/internal/apk"
	"github.com/jirutka/setup-alpine/internal/fetch"
)

// basePackages is the minimal set installed into every environment.
var basePackages = []string{"alpine-baselayout", "alpine-keys", "apk-tools", "busybox", "musl-utils"}

// releaseFiles are the identity files taken from the alpine-release
// package on branches where installing it outright would drag in a
// heavier dependency tree.
var releaseFiles = map[string]bool{
	"etc/alpine-release": true,
	"etc/os-release":     true,
	"etc/issue":          true,
}

// Environment is one provisioned Alpine root filesystem.
type Environment struct {
	// Root is the unique host path of the guest root.
	Root string

	Arch   string
	Branch string
	Mirror string

	CreatedAt time.Time
}

// Error reports which provisioning step failed. The partially created
// tree is deliberately left in place: it may still be diagnosable, and
// teardown knows how to remove it.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provision: %s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options are the caller-supplied provisioning inputs.
type Options struct {
	Arch              string
	Branch            string // already resolved, vX.Y or edge
	MirrorURL         string
	ExtraRepositories []string
	ExtraKeyFiles     []string
	Packages          []string
}

// Provisioner creates Alpine environments under WorkDir.
type Provisioner struct {
	// WorkDir is where environment roots are allocated.
	WorkDir string

	// Fetcher acquires the apk.static tool binary.
	Fetcher *fetch.Fetcher

	// APKToolsRef is the digest-carrying artifact reference for
	// apk.static, native to the host architecture.
	APKToolsRef string

	Client *http.Client

	// run executes the apk tool; replaceable in tests.
	run func(ctx context.Context, name string, args ...string) error
}

// New creates a Provisioner.
func New(workDir string, fetcher *fetch.Fetcher, apkToolsRef string) *Provisioner {
	return &Provisioner{
		WorkDir:     workDir,
		Fetcher:     fetcher,
		APKToolsRef: apkToolsRef,
		Client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 15 * time.Second}).DialContext,
			},
		},
		run: runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Provision creates and populates a new environment. Every step is
// required; the first failure aborts with the step recorded, leaving the
// directory in place for inspection or teardown.
//
// The tool binary is acquired and verified before anything is created on
// disk, so a corrupted artifact reference can never leave a directory
// behind.
func (p *Provisioner) Provision(ctx context.Context, opts Options) (*Environment, error) {
	ref, err := fetch.ParseRef(p.APKToolsRef)
	if err != nil {
		return nil, &Error{Step: "fetch apk tool", Err: err}
	}
	apkTool, err := p.Fetcher.FetchExecutable(ctx, ref)
	if err != nil {
		return nil, &Error{Step: "fetch apk tool", Err: err}
	}

	root, err := p.allocateRoot(opts.Arch, opts.Branch)
	if err != nil {
		return nil, &Error{Step: "allocate directory", Err: err}
	}
	env := &Environment{
		Root:      root,
		Arch:      opts.Arch,
		Branch:    opts.Branch,
		Mirror:    opts.MirrorURL,
		CreatedAt: time.Now(),
	}
	log.Printf("rootfs: provisioning %s/%s at %s", opts.Branch, opts.Arch, root)

	if err := writeRepositories(root, opts.MirrorURL, opts.Branch, opts.ExtraRepositories); err != nil {
		return env, &Error{Step: "write repositories", Err: err}
	}
	if err := installKeys(root, opts.ExtraKeyFiles); err != nil {
		return env, &Error{Step: "install signing keys", Err: err}
	}
	if err := copyResolvConf(root); err != nil {
		return env, &Error{Step: "copy resolver configuration", Err: err}
	}

	if err := p.installBase(ctx, apkTool, env, opts.Packages); err != nil {
		return env, &Error{Step: "install base packages", Err: err}
	}
	return env, nil
}

// allocateRoot picks the environment directory. The canonical path is
// rootfs-<arch>-<branch>; if it already exists (say from an unfinished
// earlier run), a disambiguated sibling is allocated — an existing tree
// is never reused or overwritten.
func (p *Provisioner) allocateRoot(arch, branch string) (string, error) {
	if err := os.MkdirAll(p.WorkDir, 0755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("rootfs-%s-%s", arch, branch)
	canonical := filepath.Join(p.WorkDir, name)

	if _, err := os.Lstat(canonical); os.IsNotExist(err) {
		if err := os.Mkdir(canonical, 0755); err != nil {
			return "", err
		}
		return canonical, nil
	}

	alt, err := os.MkdirTemp(p.WorkDir, name+"-")
	if err != nil {
		return "", err
	}
	log.Printf("rootfs: %s already exists, using %s", canonical, alt)
	return alt, nil
}

// writeRepositories writes /etc/apk/repositories: the mirror's main and
// community repositories for the branch, then any extra lines verbatim.
func writeRepositories(root, mirrorURL, branch string, extra []string) error {
	mirror := strings.TrimSuffix(mirrorURL, "/")
	lines := []string{
		fmt.Sprintf("%s/%s/main", mirror, branch),
		fmt.Sprintf("%s/%s/community", mirror, branch),
	}
	for _, line := range extra {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}

	dir := filepath.Join(root, "etc/apk")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "repositories"), []byte(strings.Join(lines, "\n")+"\n"), 0644)
}

// copyResolvConf copies the host DNS resolver configuration so installs
// that need the network work without further setup.
func copyResolvConf(root string) error {
	data, err := os.ReadFile("/etc/resolv.conf")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := os.MkdirAll(filepath.Join(root, "etc"), 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, "etc/resolv.conf"), data, 0644)
}

// installBase initializes the package database and installs the base set
// plus caller packages.
//
// alpine-release exists as a standalone package since v3.17. On older
// branches it is only fetched, and just the release identity files are
// unpacked from the archive, avoiding its heavier dependency tree. The
// v3.17 cutoff tracks upstream packaging history, not anything in this
// codebase.
func (p *Provisioner) installBase(ctx context.Context, apkTool string, env *Environment, packages []string) error {
	pkgs := append([]string{}, basePackages...)
	withRelease := !branchBefore(env.Branch, 3, 17)
	if withRelease {
		pkgs = append(pkgs, "alpine-release")
	}
	for _, pkg := range packages {
		if pkg = strings.TrimSpace(pkg); pkg != "" {
			pkgs = append(pkgs, pkg)
		}
	}

	args := append([]string{
		"--root", env.Root,
		"--arch", env.Arch,
		"--initdb", "--no-cache",
		"add",
	}, pkgs...)
	log.Printf("rootfs: installing %s", strings.Join(pkgs, " "))
	if err := p.run(ctx, apkTool, args...); err != nil {
		return fmt.Errorf("apk add: %w", err)
	}

	if withRelease {
		return nil
	}
	return p.unpackReleaseSubset(ctx, apkTool, env)
}

// unpackReleaseSubset fetches the alpine-release archive and extracts
// only the release identity files into the root.
func (p *Provisioner) unpackReleaseSubset(ctx context.Context, apkTool string, env *Environment) error {
	tmpDir, err := os.MkdirTemp("", "alpine-release-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	err = p.run(ctx, apkTool,
		"--root", env.Root,
		"--arch", env.Arch,
		"fetch", "--output", tmpDir, "alpine-release")
	if err != nil {
		return fmt.Errorf("apk fetch alpine-release: %w", err)
	}

	matches, err := filepath.Glob(filepath.Join(tmpDir, "alpine-release-*.apk"))
	if err != nil || len(matches) == 0 {
		return fmt.Errorf("alpine-release archive not found in %s", tmpDir)
	}

	f, err := os.Open(matches[0])
	if err != nil {
		return err
	}
	defer f.Close()

	log.Printf("rootfs: unpacking release files from %s", filepath.Base(matches[0]))
	if err := apk.Extract(f, env.Root, func(name string) bool { return releaseFiles[name] }); err != nil {
		return fmt.Errorf("unpack release files: %w", err)
	}
	return nil
}
