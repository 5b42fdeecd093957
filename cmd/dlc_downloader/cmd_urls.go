package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/italolelis/dlc_downloader/internal/config"
	"github.com/italolelis/dlc_downloader/internal/selector"
	"github.com/italolelis/dlc_downloader/internal/telemetry"
	"github.com/spf13/cobra"
)

func newURLsCmd(cfg *config.Config) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "urls [key...]",
		Short: "Print the ranked candidate URLs of assets as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if !all && len(args) == 0 {
				return fmt.Errorf("specify at least one asset key or --all")
			}

			a, err := newApp(ctx, cfg, &telemetry.Telemetry{})
			if err != nil {
				return err
			}

			cat, err := a.loadCatalog(ctx)
			if err != nil {
				return err
			}

			assets := cat.Assets()
			if !all {
				if assets, err = a.lookupAssets(args); err != nil {
					return err
				}
			}

			dump := make(map[string][]selector.Candidate, len(assets))

			for _, asset := range assets {
				candidates, err := a.selector.Candidates(ctx, asset)
				if err != nil {
					var noCandidate *selector.NoCandidateError
					if !errors.As(err, &noCandidate) {
						return err
					}

					candidates = []selector.Candidate{}
				}

				dump[asset.Key] = candidates
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")

			return enc.Encode(dump)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Dump every asset in the catalog")

	return cmd
}
