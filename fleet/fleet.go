package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fleetkv/fleetkv/fleet/command"
)

var IsDebug *bool

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	for _, cmd := range command.Commands {
		if cmd.Name() == args[0] && cmd.Runnable() {
			IsDebug = cmd.IsDebug
			cmd.Flag.Usage = func() { cmd.Usage() }
			cmd.Flag.Parse(args[1:])
			args = cmd.Flag.Args()
			if !cmd.Run(cmd, args) {
				fmt.Fprintf(os.Stderr, "\n")
				cmd.Flag.Usage()
			}
			exit()
			return
		}
	}

	fmt.Fprintf(os.Stderr, "fleet: unknown subcommand %q\nRun 'fleet help' for usage.\n", args[0])
	setExitStatus(2)
	exit()
}

func usage() {
	fmt.Fprintf(os.Stderr, "FleetKV: a distributed replicated transactional key-value store\n\n")
	fmt.Fprintf(os.Stderr, "Usage: fleet command [arguments]\n\nThe commands are:\n\n")
	for _, cmd := range command.Commands {
		fmt.Fprintf(os.Stderr, "  %-12s %s\n", cmd.Name(), cmd.Short)
	}
	fmt.Fprintf(os.Stderr, "\n")
	os.Exit(2)
}

var exitStatus = 0

func setExitStatus(n int) {
	if exitStatus < n {
		exitStatus = n
	}
}

func exit() {
	os.Exit(exitStatus)
}
