// Command reelgate runs the video job server and its client commands.
package main

import (
	"fmt"
	"os"

	"github.com/reelgate/reelgate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
