// Command gateway is the iflow-bot multi-channel chat gateway binary.
package main

import (
	"fmt"
	"os"

	"github.com/kai648846760/iflow-bot/pkg/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
