package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jirutka/setup-alpine/internal/config"
)

// cmdDoctor prints host capability and emulation status.
func cmdDoctor() {
	fmt.Printf("host arch:   %s\n", config.HostArch())

	cfg := config.DefaultConfig()
	fmt.Printf("work dir:    %s\n", cfg.WorkDir)
	if _, err := os.Stat(cfg.DBPath()); err == nil {
		fmt.Printf("state:       %s\n", cfg.DBPath())
	} else {
		fmt.Printf("state:       none\n")
	}

	const binfmtDir = "/proc/sys/fs/binfmt_misc"
	if _, err := os.Stat(filepath.Join(binfmtDir, "register")); err != nil {
		fmt.Println("binfmt_misc: not available (emulated architectures will not work)")
		return
	}
	fmt.Println("binfmt_misc: available")

	entries, err := os.ReadDir(binfmtDir)
	if err != nil {
		return
	}
	var handlers []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "qemu-") {
			handlers = append(handlers, entry.Name())
		}
	}
	if len(handlers) == 0 {
		fmt.Println("handlers:    none registered")
		return
	}
	for _, name := range handlers {
		interp := filepath.Join("/usr/bin", name)
		status := "binary missing"
		if _, err := os.Stat(interp); err == nil {
			status = interp
		}
		fmt.Printf("handler:     %s (%s)\n", name, status)
	}
}
