// Command schedulerd runs the scheduling service as a single-purpose
// daemon: one process per host, wired to its peers over Redis and gRPC.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "schedulerd",
		Short: "Lattice FaaS scheduler daemon",
		Long:  "Run the distributed scheduler for short-lived function invocations",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
