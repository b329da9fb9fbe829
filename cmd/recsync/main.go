// Command recsync keeps a local collection reconciled with a remote
// record store.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/recsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
