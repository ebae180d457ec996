package main

import (
	"os"

	"github.com/chanwire/chanwire/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
