package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lance0/prefixd/internal/config"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate prefixd.yaml, inventory.yaml and playbooks.yaml",
		Run: func(cmd *cobra.Command, args []string) {
			store, err := config.NewStore(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "prefixd: configuration invalid: %v\n", err)
				os.Exit(exitStartupError)
			}
			snap := store.Load()
			fmt.Printf("configuration valid: pop=%s mode=%s customers=%d assets=%d vectors=%d\n",
				snap.Settings.POP,
				snap.Settings.Mode,
				len(snap.Inventory.Customers),
				snap.Inventory.AssetCount(),
				len(snap.Playbooks.Vectors()),
			)
		},
	}
}
