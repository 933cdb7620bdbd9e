// Package main is the entry point for toptle. It parses the command line,
// resolves the layered configuration, sets up logging and hands the command
// to the orchestrator, exiting with the code the child exited with.
package main

import (
	"os"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}
