package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "delver",
		Short: "Multi-step web research agent",
	}
	root.AddCommand(serveCmd(), migrateCmd(), researchCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
