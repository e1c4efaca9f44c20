package main

import (
	"github.com/spf13/cobra"

	"github.com/delverhq/delver/config"
	srv "github.com/delverhq/delver/internal/server"
)

func serveCmd() *cobra.Command {
	var cfgPath string
	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			return srv.Run(cmd.Context(), cfg)
		},
	}
	serve.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches . and ./config)")
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return serve
}
