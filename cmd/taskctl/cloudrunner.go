package main

import (
	"github.com/spf13/cobra"

	"github.com/taskctl/taskctl/internal/httpapi"
)

var cloudRunnerCmd = &cobra.Command{
	Use:   "cloud-runner",
	Short: "Run a stripped server exposing only command spawn/kill/stream endpoints, for a Relay-attached worker",
	RunE:  runCloudRunner,
}

func runCloudRunner(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}

	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}

	router := httpapi.NewCloudRunnerRouter(a.runner, log)
	exitCode = runServer(a, router)
	return nil
}
