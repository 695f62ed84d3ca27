// setup-alpine provisions ephemeral Alpine Linux chroot environments.
//
// Commands:
//
//	setup-alpine provision   Create and mount an Alpine environment
//	setup-alpine exec        Run a command inside an environment
//	setup-alpine destroy     Tear down an environment
//	setup-alpine list        List provisioned environments
//	setup-alpine doctor      Print host and emulation status
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/jirutka/setup-alpine/internal/chroot"
)

func main() {
	log.SetFlags(0)
	log.SetOutput(os.Stderr)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "provision":
		cmdProvision(os.Args[2:])
	case "exec":
		cmdExec(os.Args[2:])
	case "destroy":
		cmdDestroy(os.Args[2:])
	case "list":
		cmdList(os.Args[2:])
	case "doctor":
		cmdDoctor()
	case chroot.EnterCommand:
		// Internal re-exec entry point; never invoked by users directly.
		if err := chroot.RunHelper(os.Args[2:]); err != nil {
			fatal(err)
		}
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Usage: setup-alpine <command> [options]

Commands:
  provision   Create and mount an Alpine environment
  exec        Run a command inside an environment
  destroy     Tear down an environment
  list        List provisioned environments
  doctor      Print host and emulation status

Examples:
  setup-alpine provision --branch v3.20 --arch aarch64 --packages build-base
  setup-alpine exec -- cat /etc/alpine-release
  setup-alpine exec --user builder -- sh -c 'apk add git && git --version'
  setup-alpine destroy
  setup-alpine destroy --all --best-effort`)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "setup-alpine: %v\n", err)
	os.Exit(1)
}
