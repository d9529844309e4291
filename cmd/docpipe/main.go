// Package main provides the entry point for the docpipe CLI.
package main

import (
	"os"

	"github.com/fixbase/docpipe/cmd/docpipe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
