// Command ghstars collects the most starred GitHub repositories together with
// their recent per-author commit activity and writes them to a sink.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
