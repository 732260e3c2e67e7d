package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunnelmesh/oarchive/pkg/bytesize"
)

func newDisksCmd() *cobra.Command {
	var watch time.Duration
	cmd := &cobra.Command{
		Use:   "disks",
		Short: "Check the configured disks and show their free space",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Close()

			if watch > 0 {
				n.logger.Info().Dur("interval", watch).Msg("watching disks")
				n.collector.Run(cmd.Context(), watch)
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "DISK\tPATH\tSTATE\tAVAILABLE\tTOTAL")
			capacity := n.layouts.Capacity()
			for _, d := range n.layouts.AllDisks() {
				state, avail, total := "offline", "-", "-"
				if n.layouts.Online(d.ID) {
					state = "online"
				}
				if snap := capacity.Get(d.ID); snap != nil {
					avail, total = bytesize.Format(snap.AvailableBytes), bytesize.Format(snap.TotalBytes)
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Path, state, avail, total)
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVar(&watch, "watch", 0, "keep checking at this interval until interrupted")
	return cmd
}
