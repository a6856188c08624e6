// The main package for the placecrawler executable.
package main

import (
	"github.com/ategon/placecrawler/cmd"
)

func main() {
	cmd.Execute()
}
