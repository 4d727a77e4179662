// Command animeboard is the command-line client for the animeboard
// discussion board.
package main

import (
	"context"
	"os"

	"github.com/roach88/animeboard/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
