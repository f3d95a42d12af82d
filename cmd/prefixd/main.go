// Command prefixd is the control-plane daemon converting detector-reported
// DDoS events into BGP FlowSpec announcements.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes: 0 clean shutdown, 1 fatal startup error, 2 bearer auth
// configured without a token.
const (
	exitOK           = 0
	exitStartupError = 1
	exitNoBearer     = 2
)

var version = "0.4.0"

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "prefixd",
		Short:        "DDoS mitigation control plane announcing BGP FlowSpec rules",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "prefixd.yaml", "path to prefixd.yaml")

	root.AddCommand(serveCmd(), validateCmd(), versionCmd())

	// Bare invocation serves, matching how the daemon is deployed.
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe()
	}

	if err := root.Execute(); err != nil {
		os.Exit(exitStartupError)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the prefixd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("prefixd %s\n", version)
		},
	}
}
