// Package main is the entry point for the cowork CLI application.
package main

import (
	"fmt"
	"os"

	"github.com/inercia/cowork/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
