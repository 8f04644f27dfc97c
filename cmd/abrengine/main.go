// Package main is the entry point for the abrengine CLI.
package main

import (
	"os"

	"github.com/jmylchreest/abrengine/cmd/abrengine/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
