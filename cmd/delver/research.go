package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/delverhq/delver/config"
	core "github.com/delverhq/delver/internal/agent/core"
	"github.com/delverhq/delver/internal/agent/telemetry"
	srv "github.com/delverhq/delver/internal/server"
)

func researchCmd() *cobra.Command {
	var (
		cfgPath string
		noCache bool
		pdf     bool
		asJSON  bool
	)
	research := &cobra.Command{
		Use:   "research [query]",
		Short: "Run a one-shot research query and print the report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			tel := telemetry.NewTelemetry(cfg.Telemetry)
			defer tel.Shutdown()

			agent, _, cleanup, err := srv.BuildAgent(cmd.Context(), cfg, tel)
			defer cleanup()
			if err != nil {
				return err
			}

			query := strings.Join(args, " ")
			result, err := agent.Research(cmd.Context(), query, core.ResearchOptions{
				UseCache:    !noCache,
				GeneratePDF: pdf,
			})
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Report.Markdown)
			if result.PDFPath != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "report written to %s\n", result.PDFPath)
			}
			return nil
		},
	}
	research.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches . and ./config)")
	research.Flags().BoolVar(&noCache, "no-cache", false, "skip the similar-run cache")
	research.Flags().BoolVar(&pdf, "pdf", false, "render the report to PDF")
	research.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return research
}
