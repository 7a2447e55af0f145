// ABOUTME: Entry point for the fdrs CLI
// ABOUTME: Loads .env if present, then hands off to the command tree

package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/fsolen/vsphere-fdrs/cmd"
)

func main() {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	if err := cmd.Execute(); err != nil {
		os.Exit(2)
	}
}
