// Package main provides the pipeline CLI entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/zerotyping/ingest-pipeline/cmd/pipeline-cli/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
