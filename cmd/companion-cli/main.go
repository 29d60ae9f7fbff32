package main

import (
	"os"

	"cloud-companion/companion/cmd/companion-cli/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
