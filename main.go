// ABOUTME: Entry point for the mailsync CLI and MCP server
// ABOUTME: Hands arguments to the command tree and exits non-zero on failure
package main

import (
	"fmt"
	"os"

	"github.com/harperreed/mailsync/cli"
)

const version = "0.1.0"

func main() {
	if err := cli.NewApp(version).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
