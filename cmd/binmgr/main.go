// Command binmgr boots a simulated multi-binary board and replays recovery
// scenarios against it.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/binmgr/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
