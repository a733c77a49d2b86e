package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskctl/taskctl/internal/common/config"
	"github.com/taskctl/taskctl/internal/common/logger"
)

var rootCmd = &cobra.Command{
	Use:   "taskctl",
	Short: "Run the Execution & Workspace Core for coding-agent task orchestration",
	Long: `taskctl drives coding agents through isolated git worktrees: it spawns
Executor Adapter processes, persists their transcripts to the Message Store,
tracks pull requests, and relays session state to a remote coordinator.

With no subcommand it runs "start", the full server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(startCmd, cloudRunnerCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("taskctl dev")
	},
}

// exitCode is set by whichever subcommand ran, once its server loop has
// returned; Execute reads it back after rootCmd.Execute succeeds.
var exitCode = exitOK

// Execute runs the root command, returning a process exit code per spec's
// §6.2 CLI contract: 0 normal, 1 fatal init error, 2 configuration error.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if _, ok := err.(*configError); ok {
			return exitConfigErr
		}
		return exitFatalInit
	}
	return exitCode
}

func main() {
	os.Exit(Execute())
}

// configError marks an error as a configuration problem rather than a
// runtime initialization failure, so Execute can map it to exit code 2.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func bootstrap() (*config.Config, *logger.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, &configError{err: fmt.Errorf("load config: %w", err)}
	}

	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		return nil, nil, &configError{err: fmt.Errorf("init logger: %w", err)}
	}
	logger.SetDefault(log)

	return cfg, log, nil
}
