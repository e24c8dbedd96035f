// The main package for the crawlsvc executable.
package main

import (
	"github.com/JakeFAU/crawl-ingest/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
