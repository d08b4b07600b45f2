package main

import (
	"os"

	"github.com/cartlift/cartlift/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
