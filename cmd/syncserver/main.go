// Command syncserver runs the reference sync server.
package main

import (
	"fmt"
	"os"

	"github.com/kimhsiao/possync/internal/cli"
)

func main() {
	if err := cli.NewServerCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.ExitCode(err))
	}
}
