package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/pflag"

	"github.com/jirutka/setup-alpine/internal/binfmt"
	"github.com/jirutka/setup-alpine/internal/config"
	"github.com/jirutka/setup-alpine/internal/fetch"
	"github.com/jirutka/setup-alpine/internal/mount"
	"github.com/jirutka/setup-alpine/internal/rootfs"
	"github.com/jirutka/setup-alpine/internal/state"
)

// cmdProvision creates an Alpine environment: verify inputs, fetch the
// apk tool, populate the rootfs, register emulation if the architectures
// differ, then build the bind-mount graph.
func cmdProvision(args []string) {
	fs := pflag.NewFlagSet("provision", pflag.ExitOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	arch := fs.String("arch", "", "target Alpine architecture")
	branch := fs.String("branch", "", "Alpine branch (vX.Y, edge, latest-stable)")
	mirror := fs.String("mirror", "", "Alpine package mirror URL")
	repositories := fs.StringArray("repository", nil, "extra repository line (repeatable)")
	keys := fs.StringArray("key", nil, "extra signing key file (repeatable)")
	packages := fs.StringSlice("packages", nil, "packages to install on top of the base set")
	volumes := fs.StringArray("volume", nil, "hostPath:guestPath bind mapping (repeatable)")
	noMount := fs.Bool("no-mount", false, "skip bind mounts (provision only)")
	fs.Parse(args)

	cfg := config.DefaultConfig()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			fatal(err)
		}
	}
	if fs.Changed("arch") {
		cfg.Arch = *arch
	}
	if fs.Changed("branch") {
		cfg.Branch = *branch
	}
	if fs.Changed("mirror") {
		cfg.MirrorURL = *mirror
	}
	cfg.ExtraRepositories = append(cfg.ExtraRepositories, *repositories...)
	cfg.ExtraKeyFiles = append(cfg.ExtraKeyFiles, *keys...)
	cfg.Packages = append(cfg.Packages, *packages...)
	cfg.Volumes = append(cfg.Volumes, *volumes...)

	// All validation happens before any side effect.
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}
	if err := rootfs.ValidateBranch(cfg.Branch); err != nil {
		fatal(err)
	}
	vols, err := mount.ParseVolumes(cfg.Volumes)
	if err != nil {
		fatal(err)
	}

	ctx := context.Background()

	fetcher := fetch.New(cfg.CacheDir)
	prov := rootfs.New(cfg.WorkDir, fetcher, cfg.APKToolsRef)

	resolved, err := prov.ResolveBranch(ctx, cfg.MirrorURL, cfg.Branch)
	if err != nil {
		fatal(err)
	}
	env, err := prov.Provision(ctx, rootfs.Options{
		Arch:              cfg.Arch,
		Branch:            resolved,
		MirrorURL:         cfg.MirrorURL,
		ExtraRepositories: cfg.ExtraRepositories,
		ExtraKeyFiles:     cfg.ExtraKeyFiles,
		Packages:          cfg.Packages,
	})
	if env != nil {
		// Record even a partial environment so destroy can find it.
		saveEnvironment(cfg, env)
	}
	if err != nil {
		fatal(err)
	}

	registrar := binfmt.New(cfg.MirrorURL, config.HostArch())
	if err := registrar.Ensure(ctx, cfg.Arch); err != nil {
		fatal(err)
	}

	if !*noMount {
		binder := mount.NewBinder()
		workDir, err := os.Getwd()
		if err != nil {
			fatal(err)
		}
		if _, err := binder.BindStandard(env.Root, workDir); err != nil {
			fatal(err)
		}
		if _, err := binder.BindVolumes(env.Root, vols); err != nil {
			fatal(err)
		}
	}

	fmt.Println(env.Root)
}

func saveEnvironment(cfg *config.Config, env *rootfs.Environment) {
	db, err := state.Open(cfg.DBPath())
	if err != nil {
		log.Printf("state: %v", err)
		return
	}
	defer db.Close()
	if err := db.Save(env); err != nil {
		log.Printf("state: record %s: %v", env.Root, err)
	}
}
