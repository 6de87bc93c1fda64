// Command offsync runs the offline-first sync gateway and its maintenance
// commands.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/offsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "offsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
