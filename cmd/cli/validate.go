package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/turtacn/qsign/internal/config"
)

func newValidateConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate a configuration file without contacting the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader := config.NewLoader(opts.configFile, nil)
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			catalog, err := config.NewCatalog(cfg.CryptoTokens)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			file := loader.ConfigFileUsed()
			if file == "" {
				file = "(defaults and environment only)"
			}
			fmt.Fprintf(out, "config %s is valid\n", file)
			for _, token := range catalog.Tokens() {
				fmt.Fprintf(out, "  token %d %s: %d pool(s)\n", token.ID, token.Name, len(token.Profiles))
			}
			return nil
		},
	}
}
