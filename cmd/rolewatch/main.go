package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with all subcommands attached.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)

	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(globalFlags),
		createStartCommand(globalFlags),
		createStopCommand(globalFlags),
		createForceRestartCommand(globalFlags),
		createResetAttemptsCommand(globalFlags),
		createClearTrackingCommand(globalFlags),
		createCursorsCommand(globalFlags),
		createHistoryCommand(globalFlags),
		createRoleCommand(globalFlags),
		createUserCommand(globalFlags),
		createHashTokenCommand(),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
// shared by the daemon and its remote clients.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "rolewatch",
		Short: "Role mention monitor for community chat",
		Long: `Rolewatch watches the chat channels of one organization for @role
mentions posted by admins and notifies every subscriber of the role.

Examples:
  rolewatch serve --config rolewatch.toml      # Run the monitor and control API
  rolewatch start                              # Start monitoring on a running daemon
  rolewatch status --api-url=http://remote:8080/api
  rolewatch role create ops --config rolewatch.toml`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.APIUrl, "api-url", defaultAPIUrl, "daemon control API URL")
	pf.StringVar(&flags.APIToken, "api-token", "", "admin token (default $"+tokenEnv+")")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 60*time.Second, "request timeout")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	return root
}
