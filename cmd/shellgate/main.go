// shellgate wraps an interactive shell with an AI agent whose commands
// pass through a risk classifier, an approval gate and an audit log.
package main

import (
	"os"

	"github.com/ppiankov/shellgate/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
