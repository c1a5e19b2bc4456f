package main

import (
	"fmt"

	"github.com/pallet-run/palletd/internal/config"
	"github.com/pallet-run/palletd/internal/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a live dashboard of queue and worker status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "palletd.yaml", "path to palletd config file")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("status: load config: %w", err)
	}

	healthURL := fmt.Sprintf("http://%s/v1/health", cfg.Server.Bind)
	p := tea.NewProgram(tui.NewModel(healthURL), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
