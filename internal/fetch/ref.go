// Package fetch provides checksum-gated downloading with a local cache.
//
// Every artifact is named by a Ref: a URL whose fragment encodes the
// expected content digest as "!algorithm!hexdigest". A reference without
// that fragment is rejected before any network access, so there is no way
// to fetch an unverified artifact through this package.
package fetch

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"net/url"
	"path"
	"strings"
)

// Ref is a parsed artifact reference.
type Ref struct {
	// URL is the source location, without the digest fragment.
	URL string

	// Algo is the digest algorithm name (sha1, sha256 or sha512).
	Algo string

	// Digest is the expected lowercase hex digest.
	Digest string
}

// hex digest length per supported algorithm.
var digestLen = map[string]int{
	"sha1":   40,
	"sha256": 64,
	"sha512": 128,
}

// ParseRef parses a self-describing artifact reference of the form
// "https://host/path#!sha256!<hex>". It validates the shape only; the
// digest is checked against actual content by Fetcher.Fetch.
func ParseRef(raw string) (Ref, error) {
	base, frag, ok := strings.Cut(raw, "#!")
	if !ok {
		return Ref{}, fmt.Errorf("artifact reference %q: missing #!algorithm!digest fragment", raw)
	}
	algo, digest, ok := strings.Cut(frag, "!")
	if !ok {
		return Ref{}, fmt.Errorf("artifact reference %q: fragment is not algorithm!digest", raw)
	}

	want, known := digestLen[algo]
	if !known {
		return Ref{}, fmt.Errorf("artifact reference %q: unsupported digest algorithm %q", raw, algo)
	}
	if len(digest) != want || !isLowerHex(digest) {
		return Ref{}, fmt.Errorf("artifact reference %q: malformed %s digest", raw, algo)
	}

	u, err := url.Parse(base)
	if err != nil {
		return Ref{}, fmt.Errorf("artifact reference %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Ref{}, fmt.Errorf("artifact reference %q: unsupported scheme %q", raw, u.Scheme)
	}

	return Ref{URL: base, Algo: algo, Digest: digest}, nil
}

// Base returns the final path element of the reference URL, used as the
// cached file name.
func (r Ref) Base() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return path.Base(r.URL)
	}
	return path.Base(u.Path)
}

// newHash returns a fresh hash for the reference's algorithm.
func (r Ref) newHash() hash.Hash {
	switch r.Algo {
	case "sha1":
		return sha1.New()
	case "sha512":
		return sha512.New()
	default:
		return sha256.New()
	}
}

func isLowerHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
