package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/dlc_downloader/internal/config"
	"github.com/italolelis/dlc_downloader/internal/storage"
	"github.com/italolelis/dlc_downloader/internal/storage/sqlite"
	"github.com/spf13/cobra"
)

func newCleanupCmd(cfg *config.Config) *cobra.Command {
	var noLedger bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete stale partial files nobody is downloading",
		RunE: func(cmd *cobra.Command, args []string) error {
			var dr storage.DownloadReadRepository

			if !noLedger {
				db, err := sqlite.InitDB(cfg.DBPath)
				if err != nil {
					return fmt.Errorf("failed to open ledger: %w", err)
				}
				defer db.Close()

				dr = sqlite.NewDownloadRepository(db, cfg.ClaimLease)
			}

			report, err := runCleanup(cmd.Context(), dr, cfg)
			if err != nil {
				return err
			}

			for _, path := range report.Removed {
				fmt.Println("removed", path)
			}

			fmt.Printf("removed %d partial files (%s), kept %d\n",
				len(report.Removed), humanize.IBytes(uint64(report.FreedBytes)), report.Kept)

			return nil
		},
	}

	cmd.Flags().DurationVar(&cfg.KeepPartialFor, "keep-for", cfg.KeepPartialFor, "Keep partial files younger than this (KEEP_PARTIAL_FOR)")
	cmd.Flags().BoolVar(&noLedger, "no-ledger", false, "Ignore ledger claims")

	return cmd
}
