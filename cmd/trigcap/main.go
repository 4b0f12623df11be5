// Command trigcap captures one photo per trigger edge into a resumable run
// directory.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/trigcap/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
