package main

import (
	"os"

	"csdriver/cmd"
	"csdriver/internal/logging"
)

func main() {
	// Initialize logger
	if err := logging.InitLogger(); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	err := cmd.Execute()

	// Sync errors are expected when stderr is a terminal
	_ = logging.Sync()

	if err != nil {
		os.Exit(1)
	}
}
