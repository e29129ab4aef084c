package main

import (
	"os"

	"github.com/procmaster/procmaster/cmd/procmaster/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
