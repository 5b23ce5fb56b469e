// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

// Command-line entrypoint for Taskmaster.
//
// Usage:
//
//	go run . serve [flags]
//	./taskmaster serve [flags]
//
// This launches the Taskmaster control plane. See --help for options.
package main

import (
	"log"
	"os"

	"github.com/toeirei/taskmaster/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Printf("taskmaster error: %v", err)
		os.Exit(1)
	}
}
