package rootfs

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Bundled Alpine package signing keys, mirrored from the alpine-keys
// package. They let the very first apk run verify packages before
// alpine-keys itself is installed in the guest.
//
//go:embed keys/*.rsa.pub
var bundledKeys embed.FS

// installKeys writes the bundled signing keys plus any caller-supplied
// key files into the guest's key directory.
func installKeys(root string, extraKeyFiles []string) error {
	keyDir := filepath.Join(root, "etc/apk/keys")
	if err := os.MkdirAll(keyDir, 0755); err != nil {
		return err
	}

	entries, err := fs.ReadDir(bundledKeys, "keys")
	if err != nil {
		return fmt.Errorf("read bundled keys: %w", err)
	}
	for _, e := range entries {
		data, err := bundledKeys.ReadFile("keys/" + e.Name())
		if err != nil {
			return fmt.Errorf("read bundled key %s: %w", e.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(keyDir, e.Name()), data, 0644); err != nil {
			return err
		}
	}

	for _, path := range extraKeyFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read extra key %s: %w", path, err)
		}
		if err := os.WriteFile(filepath.Join(keyDir, filepath.Base(path)), data, 0644); err != nil {
			return err
		}
	}
	return nil
}
