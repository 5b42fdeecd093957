package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/dlc_downloader/internal/config"
	"github.com/italolelis/dlc_downloader/internal/telemetry"
	"github.com/spf13/cobra"
)

func newCatalogCmd(cfg *config.Config) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the assets known to the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg, &telemetry.Telemetry{})
			if err != nil {
				return err
			}

			cat, err := a.loadCatalog(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")

				return enc.Encode(cat.Assets())
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tINDEX\tSIZE\tNAME\tPATH")

			for _, asset := range cat.Assets() {
				index, size := "-", "-"
				if asset.HasIndex {
					index = fmt.Sprint(asset.NumericIndex)
				}

				if asset.Size > 0 {
					size = humanize.IBytes(uint64(asset.Size))
				}

				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", asset.Key, index, size, asset.Name, asset.RelativePath)
			}

			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the catalog as JSON")

	return cmd
}
