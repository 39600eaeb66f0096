// Command possyncd runs the offline session and sync engine of a
// point-of-sale terminal.
package main

import (
	"fmt"
	"os"

	"github.com/kimhsiao/possync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.ExitCode(err))
	}
}
