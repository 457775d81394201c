package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configFile string
	serverURL  string
	token      string
}

// NewRootCommand builds the `qsign-admin` command tree.
// NewRootCommand 构建 `qsign-admin` 命令树。
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "qsign-admin",
		Short: "A CLI tool for operating the qsign key-pool service.",
		Long: `qsign-admin talks to the qsign ops API to inspect pool fill levels and to
trigger replenishment and cleanup jobs on demand. It can also validate a
configuration file offline.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to the qsign config file")
	rootCmd.PersistentFlags().StringVar(&opts.serverURL, "server", "", "ops API base URL (default: admin.server_url)")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", "", "admin bearer token (default: minted from admin.jwt_secret)")

	rootCmd.AddCommand(
		newPoolsCommand(opts),
		newReplenishCommand(opts),
		newCleanupCommand(opts),
		newValidateConfigCommand(opts),
	)
	return rootCmd
}

// Execute is the main entry point for the CLI application.
// It parses the command-line arguments and executes the appropriate command.
// If an error occurs, it prints the error and exits.
// Execute 是 CLI 应用程序的主入口点。
// 它解析命令行参数并执行相应的命令。如果发生错误，它会打印错误并退出。
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
