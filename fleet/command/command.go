package command

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

var Commands = []*Command{
	cmdDistributor,
	cmdVersion,
}

type Command struct {
	// Run runs the command. It returns whether the command succeeded.
	Run func(cmd *Command, args []string) bool

	// UsageLine is the one-line usage message, starting with the name.
	UsageLine string

	// Short is the short description shown in the help listing.
	Short string

	// Long is the long message shown in 'fleet help <this-command>'.
	Long string

	// Flag is the set of flags specific to this command.
	Flag flag.FlagSet

	IsDebug *bool
}

func (c *Command) Name() string {
	name := c.UsageLine
	if i := strings.Index(name, " "); i >= 0 {
		name = name[:i]
	}
	return name
}

func (c *Command) Usage() {
	fmt.Fprintf(os.Stderr, "Example: fleet %s\n", c.UsageLine)
	fmt.Fprintf(os.Stderr, "Default Usage:\n")
	c.Flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "Description:\n")
	fmt.Fprintf(os.Stderr, "  %s\n", strings.TrimSpace(c.Long))
	os.Exit(2)
}

// Runnable reports whether the command can be run.
func (c *Command) Runnable() bool {
	return c.Run != nil
}
