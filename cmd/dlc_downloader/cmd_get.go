package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/dlc_downloader/internal/catalog"
	"github.com/italolelis/dlc_downloader/internal/config"
	"github.com/italolelis/dlc_downloader/internal/downloader"
	"github.com/italolelis/dlc_downloader/internal/storage/sqlite"
	"github.com/italolelis/dlc_downloader/internal/telemetry"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

func newGetCmd(cfg *config.Config) *cobra.Command {
	var (
		all      bool
		noLedger bool
		noBars   bool
	)

	cmd := &cobra.Command{
		Use:   "get [key...]",
		Short: "Download assets from the best available source",
		Long: `Download one or more assets by key (e.g. dlc001), or every asset with --all.

Each asset is fetched from the highest ranked source; when a source fails the
next one resumes from the partial file where possible.`,
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

			var ledger downloader.Ledger

			if !noLedger {
				db, err := sqlite.InitDB(cfg.DBPath)
				if err != nil {
					return fmt.Errorf("failed to open ledger: %w", err)
				}
				defer db.Close()

				ledger = sqlite.NewDownloadRepository(db, cfg.ClaimLease)
			}

			dl := downloader.NewDownloader(cfg.TargetDir, cfg.MaxParallel, a.newOrchestrator(ledger, downloader.GenerateInstanceID()))

			var (
				progress *mpb.Progress
				hook     downloader.ProgressHook
				bars     = map[string]*mpb.Bar{}
				mu       sync.Mutex
			)

			if !noBars {
				progress = mpb.NewWithContext(ctx, mpb.WithOutput(os.Stderr), mpb.WithWidth(40))
				hook = func(asset catalog.Asset) func(written, total int64) {
					bar := progress.AddBar(0,
						mpb.PrependDecorators(
							decor.Name(asset.Key, decor.WCSyncSpaceR),
							decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
						),
						mpb.AppendDecorators(
							decor.OnComplete(decor.Percentage(decor.WC{W: 5}), "done"),
						),
					)

					mu.Lock()
					bars[asset.Key] = bar
					mu.Unlock()

					return func(written, total int64) {
						if total > 0 {
							bar.SetTotal(total, false)
						}

						bar.SetCurrent(written)
					}
				}
			}

			results, dlErr := dl.DownloadAll(ctx, assets, hook)

			if progress != nil {
				for i, asset := range assets {
					bar := bars[asset.Key]
					if bar == nil {
						continue
					}

					if results[i] != nil {
						bar.SetTotal(-1, true)
					} else {
						bar.Abort(false)
					}
				}

				progress.Wait()
			}

			var total int64

			for _, res := range results {
				if res == nil {
					continue
				}

				total += res.Transferred

				status := "downloaded from " + res.Source
				if res.Skipped {
					status = "already complete"
				}

				fmt.Printf("%s\t%s\t%s\n", res.Asset, humanize.IBytes(uint64(res.Bytes)), status)
			}

			fmt.Printf("transferred %s\n", humanize.IBytes(uint64(total)))

			return dlErr
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Download every asset in the catalog")
	cmd.Flags().BoolVar(&noLedger, "no-ledger", false, "Do not claim destinations in the ledger database")
	cmd.Flags().BoolVar(&noBars, "no-progress", false, "Do not draw progress bars")

	return cmd
}
