// slaflow runs the SLA violation and risk enrichment pipeline.
//
// Usage:
//
//	slaflow run                 # detection and enrichment in one process
//	slaflow detect              # raw topic -> violation topic
//	slaflow enrich              # violation topic -> risk bus
//	slaflow run --env-file prod.env --log-level debug
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
