package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/jirutka/setup-alpine/internal/config"
	"github.com/jirutka/setup-alpine/internal/state"
)

// cmdList prints the recorded environments, newest first.
func cmdList(args []string) {
	fs := pflag.NewFlagSet("list", pflag.ExitOnError)
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

	envs, err := db.List()
	if err != nil {
		fatal(err)
	}
	if len(envs) == 0 {
		fmt.Println("no environments")
		return
	}

	fmt.Printf("%-12s %-10s %-20s %s\n", "BRANCH", "ARCH", "CREATED", "ROOT")
	for _, env := range envs {
		fmt.Printf("%-12s %-10s %-20s %s\n",
			env.Branch, env.Arch, env.CreatedAt.Format("2006-01-02 15:04:05"), env.Root)
	}
}
