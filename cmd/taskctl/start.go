package main

import (
	"github.com/spf13/cobra"

	"github.com/taskctl/taskctl/internal/httpapi"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the full server: Message Store, Command Runner, Orchestrator, PR Monitor, Relay Client",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}

	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}

	router := httpapi.NewRouter(a.runner, a.streams, log)
	exitCode = runServer(a, router)
	return nil
}
