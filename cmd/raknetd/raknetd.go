/*
raknetd runs a listener and administers it through its HTTP API.
*/
package main

import (
	"os"

	"github.com/AnotherlandServer/anotherland-sub012/cmd/raknetd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
