package binfmt

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/jirutka/setup-alpine/internal/apk"
)

// Registrar installs and registers QEMU user-mode emulators. Registration
// is a host-global side effect: at most one handler exists per target
// architecture, shared by every environment on the host.
type Registrar struct {
	// MirrorURL is the Alpine mirror base, e.g.
	// "https://dl-cdn.alpinelinux.org/alpine". The statically linked
	// emulator is downloaded from its latest-stable community repository
	// as a prebuilt native package for the host architecture.
	MirrorURL string

	// HostArch is the host's Alpine architecture name (e.g. "x86_64"),
	// used to pick the repository the emulator package comes from.
	HostArch string

	// ProcDir is the binfmt_misc mount point, normally
	// "/proc/sys/fs/binfmt_misc".
	ProcDir string

	// InstallDir is where emulator binaries are placed, normally
	// "/usr/bin".
	InstallDir string

	Client *http.Client
}

// New creates a Registrar with production paths.
func New(mirrorURL, hostArch string) *Registrar {
	return &Registrar{
		MirrorURL:  mirrorURL,
		HostArch:   hostArch,
		ProcDir:    "/proc/sys/fs/binfmt_misc",
		InstallDir: "/usr/bin",
		Client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 15 * time.Second}).DialContext,
			},
		},
	}
}

// Ensure makes binaries for targetArch executable on the host. It is a
// no-op when the architectures are execution-compatible or when a handler
// for the target is already registered; otherwise it installs the QEMU
// emulator and registers it with the kernel. Any failure here is fatal to
// provisioning, since the guest would be unusable without it.
func (r *Registrar) Ensure(ctx context.Context, targetArch string) error {
	compatible, err := Compatible(r.HostArch, targetArch)
	if err != nil {
		return err
	}
	if compatible {
		return nil
	}

	target, err := Normalize(targetArch)
	if err != nil {
		return err
	}
	desc, ok := descriptors[target]
	if !ok {
		return fmt.Errorf("no emulation descriptor for architecture %q", target)
	}

	handler := filepath.Join(r.ProcDir, "qemu-"+desc.name)
	if _, err := os.Stat(handler); err == nil {
		log.Printf("binfmt: qemu-%s already registered", desc.name)
		return nil
	}
	registerPath := filepath.Join(r.ProcDir, "register")
	if _, err := os.Stat(registerPath); err != nil {
		return fmt.Errorf("binfmt_misc is not available at %s: %w", r.ProcDir, err)
	}

	interpreter := filepath.Join(r.InstallDir, "qemu-"+desc.name)
	if _, err := os.Stat(interpreter); err != nil {
		if err := r.install(ctx, desc, interpreter); err != nil {
			return fmt.Errorf("install qemu-%s: %w", desc.name, err)
		}
	}

	line := desc.registerLine(interpreter)
	if err := os.WriteFile(registerPath, []byte(line), 0644); err != nil {
		return fmt.Errorf("register qemu-%s: %w", desc.name, err)
	}
	log.Printf("binfmt: registered qemu-%s at %s", desc.name, interpreter)
	return nil
}

// install downloads the qemu-<arch> package from the host-native
// community repository and extracts the emulator binary to dest.
func (r *Registrar) install(ctx context.Context, desc descriptor, dest string) error {
	repoURL := fmt.Sprintf("%s/latest-stable/community/%s/", r.MirrorURL, r.HostArch)
	apkName, err := r.findPackage(ctx, repoURL, "qemu-"+desc.name)
	if err != nil {
		return err
	}

	log.Printf("binfmt: downloading %s", apkName)
	resp, err := r.get(ctx, repoURL+apkName)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp("", "qemu-*.apk")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("download %s: %w", apkName, err)
	}
	tmp.Close()

	member := "usr/bin/qemu-" + desc.name
	if err := apk.ExtractFile(tmp.Name(), member, dest, 0755); err != nil {
		return fmt.Errorf("extract %s: %w", member, err)
	}
	return nil
}

// findPackage scrapes the repository index page for the newest file
// matching "<pkg>-<version>.apk".
func (r *Registrar) findPackage(ctx context.Context, repoURL, pkg string) (string, error) {
	resp, err := r.get(ctx, repoURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", fmt.Errorf("read repository index: %w", err)
	}

	// Version always starts with a digit, which separates qemu-arm from
	// qemu-arm-something packages.
	re := regexp.MustCompile(regexp.QuoteMeta(pkg) + `-[0-9][A-Za-z0-9._]*-r[0-9]+\.apk`)
	match := re.Find(body)
	if match == nil {
		return "", fmt.Errorf("package %s not found in %s", pkg, repoURL)
	}
	return string(match), nil
}

func (r *Registrar) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", url, err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("get %s: HTTP %s", url, resp.Status)
	}
	return resp, nil
}
