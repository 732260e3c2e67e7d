package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunnelmesh/oarchive/internal/oid"
	"github.com/tunnelmesh/oarchive/pkg/bytesize"
)

func newFsckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fsck <link>",
		Short: "Read every block of an object, healing corrupt fragments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link, err := oid.Parse(args[0])
			if err != nil {
				return err
			}
			n, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Close()

			report, err := n.client.Fsck(cmd.Context(), link)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "CHUNK\tBLOCKS\tERRORS\tSTATUS")
			failed := 0
			for _, c := range report.Chunks {
				status := "ok"
				if c.Err != nil {
					status = c.Err.Error()
					failed++
				}
				_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", c.ID, c.Blocks, c.Errors, status)
			}
			_ = w.Flush()
			if failed > 0 {
				return fmt.Errorf("%d of %d chunks unreadable", failed, len(report.Chunks))
			}
			return nil
		},
	}
}

func newLocateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locate <chunk-id>",
		Short: "Search every disk for the fragments of a chunk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := oid.Parse(args[0])
			if err != nil {
				return err
			}
			n, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Close()

			l, err := n.client.Locate(cmd.Context(), id)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "FRAGMENT\tDISK")
			for i, d := range l {
				_, _ = fmt.Fprintf(w, "%d\t%s\n", i, d)
			}
			return w.Flush()
		},
	}
}

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <chunk-id> <fragment>",
		Short: "Rebuild one fragment of a chunk from the others",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := oid.Parse(args[0])
			if err != nil {
				return err
			}
			frag, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid fragment number %q", args[1])
			}
			n, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Close()
			return n.client.RecoverFragment(cmd.Context(), id, frag)
		},
	}
}

func newProgressCmd() *cobra.Command {
	var abort bool
	cmd := &cobra.Command{
		Use:   "progress <data-id>",
		Short: "Show how far an interrupted store got",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := oid.Parse(args[0])
			if err != nil {
				return err
			}
			n, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Close()

			sc, err := n.client.StoreProgress(cmd.Context(), id)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chunks, %s stored since %s\n",
				sc.Object, sc.ChunksDone, bytesize.Format(sc.BytesDone), sc.Started.Format(time.RFC3339))
			if abort {
				return n.client.AbortStore(cmd.Context(), id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&abort, "abort", false, "remove the partial store")
	return cmd
}
