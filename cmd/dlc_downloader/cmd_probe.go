package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/dlc_downloader/internal/config"
	"github.com/italolelis/dlc_downloader/internal/telemetry"
	"github.com/spf13/cobra"
)

func newProbeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Measure every enabled source and show how they rank",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg, &telemetry.Telemetry{})
			if err != nil {
				return err
			}

			ranking, outcomes := a.selector.Rank(cmd.Context())

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SOURCE\tPRIORITY\tTHRESHOLD\tTHROUGHPUT\tSAMPLED\tSTATUS")

			for _, src := range a.sources.Registry().EnabledByPriority() {
				threshold := "-"
				if src.Threshold > 0 {
					threshold = humanize.Bytes(uint64(src.Threshold)) + "/s"
				}

				o := outcomes[src.Name]

				throughput, sampled, status := "-", "-", "ok"
				if o.Err != nil {
					status = o.Err.Error()
				} else {
					throughput = humanize.Bytes(uint64(o.Sample.Throughput)) + "/s"
					sampled = humanize.IBytes(uint64(o.Sample.Bytes)) + " in " + o.Sample.Elapsed.Round(time.Millisecond).String()
				}

				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n", src.Name, src.Priority, threshold, throughput, sampled, status)
			}

			if err := w.Flush(); err != nil {
				return err
			}

			fmt.Printf("\ntier: %s\norder:", ranking.Tier)

			for _, src := range ranking.Sources {
				fmt.Printf(" %s", src.Name)
			}

			fmt.Println()

			return nil
		},
	}
}
