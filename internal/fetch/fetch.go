package fetch

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// IntegrityError reports a digest mismatch on a fetched or cached artifact.
type IntegrityError struct {
	URL  string
	Algo string
	Want string
	Got  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: %s digest of %s is %s, expected %s", e.Algo, e.URL, e.Got, e.Want)
}

// Fetcher downloads digest-verified artifacts into a local cache.
// Cache layout: {cacheDir}/{digest}/{basename}.
type Fetcher struct {
	cacheDir string
	client   *http.Client
}

// New creates a Fetcher caching into cacheDir. The HTTP client bounds the
// connection timeout; large downloads are not capped as a whole.
func New(cacheDir string) *Fetcher {
	return &Fetcher{
		cacheDir: cacheDir,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 15 * time.Second}).DialContext,
			},
		},
	}
}

// Fetch returns a local path whose content matches ref's digest.
//
// A cached file that still matches is returned without network access.
// Otherwise the artifact is downloaded, hashed while streaming to a temp
// file, verified, and atomically renamed into place. On a mismatch the
// temp file is removed and an *IntegrityError is returned; nothing is
// left in the cache marked valid.
func (f *Fetcher) Fetch(ctx context.Context, ref Ref) (string, error) {
	return f.fetch(ctx, ref, 0644)
}

// FetchExecutable is Fetch with the cached file marked executable, for
// tool binaries like apk.static.
func (f *Fetcher) FetchExecutable(ctx context.Context, ref Ref) (string, error) {
	return f.fetch(ctx, ref, 0755)
}

func (f *Fetcher) fetch(ctx context.Context, ref Ref, mode os.FileMode) (string, error) {
	dir := filepath.Join(f.cacheDir, ref.Digest)
	final := filepath.Join(dir, ref.Base())

	if _, err := os.Stat(final); err == nil {
		got, err := fileDigest(ref, final)
		if err != nil {
			return "", fmt.Errorf("hash cached %s: %w", final, err)
		}
		if got == ref.Digest {
			log.Printf("fetch: cache hit for %s", ref.Base())
			return final, nil
		}
		// Stale or corrupted cache entry, never trusted by name alone.
		log.Printf("fetch: cached %s fails verification, refetching", ref.Base())
		os.Remove(final)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	log.Printf("fetch: downloading %s", ref.URL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return "", fmt.Errorf("request %s: %w", ref.URL, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", ref.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: HTTP %s", ref.URL, resp.Status)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	h := ref.newHash()
	_, err = io.Copy(io.MultiWriter(tmp, h), resp.Body)
	tmp.Close()
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("download %s: %w", ref.URL, err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != ref.Digest {
		os.Remove(tmp.Name())
		return "", &IntegrityError{URL: ref.URL, Algo: ref.Algo, Want: ref.Digest, Got: got}
	}

	if err := os.Chmod(tmp.Name(), mode); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename into cache: %w", err)
	}
	return final, nil
}

// fileDigest hashes an existing file with the reference's algorithm.
func fileDigest(ref Ref, path string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fh.Close()

	h := ref.newHash()
	if _, err := io.Copy(h, fh); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
