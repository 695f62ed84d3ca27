// Package apk reads Alpine package archives (.apk files).
//
// An .apk is several gzip-compressed tar segments concatenated (signature,
// control, data). The segments carry no end-of-archive markers, so the
// whole file decompresses into a single continuous tar stream; metadata
// entries (".SIGN.*", ".PKGINFO", ...) all start with a dot and are skipped.
package apk

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	gzip "github.com/klauspost/compress/gzip"
)

// Extract unpacks package contents from r into destDir.
//
// keep selects which members to extract by their archive-relative name
// (e.g. "usr/bin/qemu-aarch64"); a nil keep extracts everything. Metadata
// entries and entries escaping destDir are always skipped.
func Extract(r io.Reader, destDir string, keep func(name string) bool) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		cleanName := filepath.Clean(hdr.Name)
		if strings.HasPrefix(cleanName, "..") || strings.HasPrefix(filepath.Base(cleanName), ".") {
			continue
		}
		if keep != nil && !keep(cleanName) {
			continue
		}
		target := filepath.Join(destDir, cleanName)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("mkdir %s: %w", cleanName, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("create %s: %w", cleanName, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("write %s: %w", cleanName, err)
			}
			f.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("symlink %s -> %s: %w", cleanName, hdr.Linkname, err)
			}
		case tar.TypeLink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			linkTarget := filepath.Join(destDir, filepath.Clean(hdr.Linkname))
			os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return fmt.Errorf("hardlink %s -> %s: %w", cleanName, hdr.Linkname, err)
			}
		}
		// Character/block devices and fifos never appear in Alpine data
		// segments; anything else is silently skipped.
	}
	return nil
}

// ExtractFile extracts a single member by name from the package at apkPath
// and writes it to destPath with the given mode. It fails if the member is
// not present.
func ExtractFile(apkPath, member, destPath string, mode os.FileMode) error {
	f, err := os.Open(apkPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", apkPath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if filepath.Clean(hdr.Name) != member || hdr.Typeflag != tar.TypeReg {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return err
		}
		// Temp file then rename, so a failed write never leaves a
		// half-extracted binary at the final path.
		tmp, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
		if err != nil {
			return fmt.Errorf("create temp file: %w", err)
		}
		if _, err := io.Copy(tmp, tr); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("write %s: %w", member, err)
		}
		tmp.Close()
		if err := os.Chmod(tmp.Name(), mode); err != nil {
			os.Remove(tmp.Name())
			return err
		}
		if err := os.Rename(tmp.Name(), destPath); err != nil {
			os.Remove(tmp.Name())
			return err
		}
		return nil
	}
	return fmt.Errorf("%s: member %s not found", apkPath, member)
}
