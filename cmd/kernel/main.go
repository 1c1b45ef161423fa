// kernel is the command-line interface to the teaching kernel: boot a demo, format a disk image,
// or check an existing one.
package main

import (
	"context"
	"os"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/cli"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/cli/cmd"
)

var commands = []cli.Command{
	cmd.Boot(),
	cmd.Format(),
	cmd.Fsck(),
}

func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
