package main

import (
	"os"

	"gridcore/cmd/gridcore/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
