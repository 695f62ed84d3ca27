package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/jirutka/setup-alpine/internal/chroot"
	"github.com/jirutka/setup-alpine/internal/config"
	"github.com/jirutka/setup-alpine/internal/rootfs"
	"github.com/jirutka/setup-alpine/internal/state"
)

// cmdExec runs a command inside an environment, preserving the caller's
// environment variables and working directory. The process exit code is
// the guest command's exit code.
func cmdExec(args []string) {
	fs := pflag.NewFlagSet("exec", pflag.ExitOnError)
	root := fs.String("root", "", "environment root (default: the newest environment)")
	user := fs.String("user", "root", "guest user to run as")
	workDir := fs.String("work-dir", "", "state directory (default: the configured work directory)")
	fs.Parse(args)

	command := fs.Args()
	if len(command) == 0 {
		fmt.Fprintln(os.Stderr, "usage: setup-alpine exec [--root DIR] [--user NAME] -- <command> [args...]")
		os.Exit(1)
	}

	if *root == "" {
		env, err := latestEnvironment(*workDir)
		if err != nil {
			fatal(err)
		}
		*root = env.Root
	}

	code, err := chroot.Enter(*root, *user, command[0], command[1:])
	if err != nil {
		fatal(err)
	}
	os.Exit(code)
}

// latestEnvironment returns the newest recorded environment.
func latestEnvironment(workDir string) (*rootfs.Environment, error) {
	cfg := config.DefaultConfig()
	if workDir != "" {
		cfg.WorkDir = workDir
	}
	db, err := state.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return db.Latest()
}
