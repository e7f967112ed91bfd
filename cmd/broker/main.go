// Command broker is the broker's entrypoint: a cobra root command that
// starts the long-running broker process (stdio orchestrator transport
// plus the loopback HTTP listen API) and a swarm subcommand that drives
// a synchronous fleet of agents through the same protocol and prints a
// result envelope to stdout.
//
// The main/Execute split mirrors zjrosen-perles/main.go delegating to
// cmd.Execute().
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
