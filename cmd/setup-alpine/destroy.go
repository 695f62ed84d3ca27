package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/pflag"

	"github.com/jirutka/setup-alpine/internal/config"
	"github.com/jirutka/setup-alpine/internal/state"
	"github.com/jirutka/setup-alpine/internal/teardown"
)

// cmdDestroy tears down one environment (the newest, or --root) or all
// of them. Robust mode is the default: stragglers are evicted and a
// stuck mount leaves the directory in place rather than risking host
// data. Records are removed only for fully destroyed environments, so a
// failed teardown stays visible and retryable.
func cmdDestroy(args []string) {
	fs := pflag.NewFlagSet("destroy", pflag.ExitOnError)
	root := fs.String("root", "", "environment root (default: the newest environment)")
	all := fs.Bool("all", false, "destroy every recorded environment")
	bestEffort := fs.Bool("best-effort", false, "skip process eviction, abort on the first unmount failure")
	workDir := fs.String("work-dir", "", "state directory (default: the configured work directory)")
	fs.Parse(args)

	cfg := config.DefaultConfig()
	if *workDir != "" {
		cfg.WorkDir = *workDir
	}
	db, err := state.Open(cfg.DBPath())
	if err != nil {
		fatal(err)
	}
	defer db.Close()

	var roots []string
	switch {
	case *all:
		envs, err := db.List()
		if err != nil {
			fatal(err)
		}
		for _, env := range envs {
			roots = append(roots, env.Root)
		}
		if len(roots) == 0 {
			fmt.Println("no environments to destroy")
			return
		}
	case *root != "":
		roots = []string{*root}
	default:
		env, err := db.Latest()
		if err != nil {
			fatal(err)
		}
		roots = []string{env.Root}
	}

	mgr := teardown.NewManager()
	failed := false
	for _, r := range roots {
		if err := mgr.Destroy(r, !*bestEffort); err != nil {
			log.Printf("setup-alpine: %v", err)
			failed = true
			continue
		}
		if err := db.Delete(r); err != nil {
			log.Printf("state: forget %s: %v", r, err)
		}
		fmt.Printf("destroyed %s\n", r)
	}
	if failed {
		os.Exit(1)
	}
}
