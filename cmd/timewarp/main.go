// Command timewarp runs and inspects peers of a replicated simulation.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/timewarp/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
