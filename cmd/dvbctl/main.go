// Command dvbctl talks to block cache nodes from the shell and can run an
// in-memory node for local testing.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
