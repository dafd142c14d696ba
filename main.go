package main

import (
	"os"

	"github.com/mcpgate/mcpgate/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
