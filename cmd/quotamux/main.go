// Command quotamux routes work across connected AI accounts by quota headroom.
package main

import (
	"os"

	"github.com/quotaguard/quotamux/internal/cli"
)

func main() {
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
