package command

import (
	"fmt"
	"runtime"

	"github.com/fleetkv/fleetkv/fleet/util"
)

var cmdVersion = &Command{
	Run:       runVersion,
	UsageLine: "version",
	Short:     "print FleetKV version",
	Long:      `Version prints the FleetKV version`,
}

func runVersion(cmd *Command, args []string) bool {
	if len(args) != 0 {
		cmd.Usage()
	}
	fmt.Printf("version %s %s %s\n", util.Version(), runtime.GOOS, runtime.GOARCH)
	return true
}
