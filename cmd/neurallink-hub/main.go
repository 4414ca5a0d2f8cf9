package main

import (
	"os"

	"github.com/neurallink-protocol/neurallink-go/cmd/neurallink-hub/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
