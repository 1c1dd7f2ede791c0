// Package main is the entry point for the honeypot CLI application.
package main

import (
	"fmt"
	"os"

	"github.com/inercia/honeypot/internal/cmd"
)

func main() {
	err := cmd.Execute()
	code, printErr := cmd.ExitCode(err)
	if printErr {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
}
