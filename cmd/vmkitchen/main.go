// Package main is the entry point for vmkitchen.
package main

import (
	"fmt"
	"os"

	"github.com/javanstorm/vmkitchen/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
