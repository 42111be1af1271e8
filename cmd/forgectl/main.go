package main

import (
	"os"

	"keyforge/go-backend/cmd/forgectl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
