// Command coevctl is a cobra+viper CLI over package coev: serve runs
// the httpgw gateway, pool-probe exercises a connection pool against a
// configured endpoint set, and stats prints a running Runtime's
// counters as JSON.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
