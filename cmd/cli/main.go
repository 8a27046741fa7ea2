// Package main is the entry point for mopctl.
// mopctl is the terminal tool for submitting and following assessments on a mopplane controller.
package main

import (
	"os"

	"mopplane/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
