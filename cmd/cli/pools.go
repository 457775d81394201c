package cli

import (
	"fmt"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/turtacn/qsign/internal/domain/models"
)

func newPoolsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pools",
		Short: "Show the fill level of every key pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAdminClient(opts)
			if err != nil {
				return err
			}
			var resp struct {
				Pools []models.PoolStatus `json:"pools"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, "/api/v1/admin/pools", &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TOKEN\tPROFILE\tUSAGE\tALGORITHM\tDESIRED\tFREE\tIN USE\tPROVISIONING")
			for _, p := range resp.Pools {
				fmt.Fprintf(w, "%s (%d)\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
					p.CryptoTokenName, p.CryptoTokenID, p.ProfileName, p.Usage, p.KeyAlgorithm,
					p.DesiredSize, p.Free, p.InUse, p.Provisioning)
			}
			return w.Flush()
		},
	}
}
