package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/turtacn/qsign/internal/interfaces/http/handlers"
	"github.com/turtacn/qsign/pkg/constants"
)

var cleanupJobs = []string{
	constants.JobOneTimeKeyCleanup,
	constants.JobSessionCleanup,
	constants.JobStaleReservations,
	constants.JobFailedKeySweep,
}

func newReplenishCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replenish",
		Short: "Run one replenish cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAdminClient(opts)
			if err != nil {
				return err
			}
			var report handlers.ReplenishResponse
			if err := client.do(cmd.Context(), http.MethodPost, "/api/v1/admin/replenish", &report); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "planned=%d succeeded=%d failed=%d\n", report.Planned, report.Succeeded, report.Failed)
			for _, p := range report.Pools {
				if p.ToGenerate > 0 {
					fmt.Fprintf(out, "  token %d %s: +%d\n", p.CryptoTokenID, p.ProfileName, p.ToGenerate)
				}
			}
			if report.Errors != "" {
				return fmt.Errorf("replenish finished with failures: %s", report.Errors)
			}
			return nil
		},
	}
}

func newCleanupCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "cleanup <job>",
		Short:     "Run a cleanup job now",
		Long:      "Runs one of the cleanup jobs: " + strings.Join(cleanupJobs, ", ") + ".",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: cleanupJobs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient(opts)
			if err != nil {
				return err
			}
			var report handlers.CleanupResponse
			if err := client.do(cmd.Context(), http.MethodPost, "/api/v1/admin/cleanup/"+url.PathEscape(args[0]), &report); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: examined=%d processed=%d skipped=%d failed=%d\n",
				report.Job, report.Examined, report.Processed, report.Skipped, report.Failed)
			if report.Errors != "" {
				return fmt.Errorf("cleanup finished with failures: %s", report.Errors)
			}
			return nil
		},
	}
}
