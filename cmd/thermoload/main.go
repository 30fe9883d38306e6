package main

import (
	"os"

	"github.com/wesleyorama2/thermoload/internal/cli"
)

// Main is the entry point for the application
// It's exported to make it testable
func Main() int {
	return cli.Execute(os.Args[1:], os.Stdout, os.Stderr)
}

func main() {
	os.Exit(Main())
}
