// The main package for the citefetch executable.
package main

import (
	"github.com/JakeFAU/citefetch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
