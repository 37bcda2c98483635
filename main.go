package main

import (
	"os"

	"github.com/okabe/himari/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
