// Command blobview loads, views and uploads repository blobs.
package main

import (
	"os"

	"github.com/kilupskalvis/blobview/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
