// The main package for the roundcrawler executable.
package main

import (
	"github.com/JakeFAU/roundcrawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
