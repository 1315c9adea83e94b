// Command skyrangectl loads catalogs into a SkyRange database and runs the
// ranking queries against it without a server.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
