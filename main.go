// The main package for the batchcrawler executable.
package main

import (
	"github.com/JakeFAU/novel-batch-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
