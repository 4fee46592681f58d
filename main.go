// The main package for the gurtd executable.
package main

import (
	"os"

	"github.com/gurtd/gurtd/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
