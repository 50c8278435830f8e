// The main package for the facetrace executable.
package main

import (
	"github.com/JakeFAU/facetrace/cmd"
)

func main() {
	cmd.Execute()
}
