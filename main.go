package main

import (
	"os"

	"github.com/sjadev/toolvault/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
