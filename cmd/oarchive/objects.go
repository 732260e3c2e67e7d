package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunnelmesh/oarchive/internal/archive"
	"github.com/tunnelmesh/oarchive/internal/oid"
	"github.com/tunnelmesh/oarchive/pkg/bytesize"
)

func newPutCmd() *cobra.Command {
	var retain string
	var metadata string
	cmd := &cobra.Command{
		Use:   "put <file|->",
		Short: "Store a file and print its link id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			until, err := parseRetention(retain)
			if err != nil {
				return err
			}
			n, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Close()

			in := io.Reader(cmd.InOrStdin())
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				in = f
			}
			link, err := n.client.Put(cmd.Context(), in, archive.PutOptions{Retention: until, Metadata: []byte(metadata)})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), link)
			return nil
		},
	}
	cmd.Flags().StringVar(&retain, "retain", "", "keep the object until this time (RFC 3339) or for this long (e.g. 720h)")
	cmd.Flags().StringVar(&metadata, "metadata", "", "up to 64 bytes stored with the object")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <link> [file|-]",
		Short: "Write an object to a file or stdout",
		Args:  cobra.RangeArgs(1, 2),
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

			out := cmd.OutOrStdout()
			if len(args) == 2 && args[1] != "-" {
				f, err := os.Create(args[1])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				out = f
			}
			_, err = n.client.Get(cmd.Context(), link, out)
			return err
		},
	}
}

func newRefCmd() *cobra.Command {
	var retain string
	cmd := &cobra.Command{
		Use:   "ref <link>",
		Short: "Add a reference to an object and print the new link id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link, err := oid.Parse(args[0])
			if err != nil {
				return err
			}
			until, err := parseRetention(retain)
			if err != nil {
				return err
			}
			n, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Close()

			newLink, err := n.client.Reference(cmd.Context(), link, archive.PutOptions{Retention: until})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), newLink)
			return nil
		},
	}
	cmd.Flags().StringVar(&retain, "retain", "", "retention of the new link (RFC 3339 time or duration)")
	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <link>...",
		Aliases: []string{"delete"},
		Short:   "Remove links; data is reclaimed with its last link",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Close()

			for _, arg := range args {
				link, err := oid.Parse(arg)
				if err != nil {
					return err
				}
				if err := n.client.Delete(cmd.Context(), link); err != nil {
					return fmt.Errorf("%s: %w", arg, err)
				}
			}
			return nil
		},
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <link>",
		Short: "Show an object's size, references and retention",
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

			info, err := n.client.Stat(cmd.Context(), link)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "LINK\t%s\n", info.ID)
			_, _ = fmt.Fprintf(w, "DATA\t%s\n", info.Data)
			_, _ = fmt.Fprintf(w, "SIZE\t%d (%s)\n", info.Size, bytesize.Format(info.Size))
			_, _ = fmt.Fprintf(w, "CHUNKS\t%d\n", info.Chunks)
			_, _ = fmt.Fprintf(w, "LAYOUT\t%d+%d\n", info.DataFrags, info.ParityFrags)
			_, _ = fmt.Fprintf(w, "REFS\t%d of %d\n", info.RefCount, info.MaxRefCount)
			_, _ = fmt.Fprintf(w, "CREATED\t%s\n", info.Created.Format("2006-01-02 15:04:05"))
			retention := "-"
			if !info.Retention.IsZero() {
				retention = info.Retention.Format(time.RFC3339)
			}
			_, _ = fmt.Fprintf(w, "RETAINED UNTIL\t%s\n", retention)
			if len(info.Metadata) > 0 {
				_, _ = fmt.Fprintf(w, "METADATA\t%q\n", info.Metadata)
			}
			_, _ = fmt.Fprintf(w, "CONTENT HASH\t%s\n", hex.EncodeToString(info.ContentHash))
			return w.Flush()
		},
	}
}

func newRetainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retain <link> <time|duration>",
		Short: "Set how long an object is protected from removal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			link, err := oid.Parse(args[0])
			if err != nil {
				return err
			}
			until, err := parseRetention(args[1])
			if err != nil {
				return err
			}
			n, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Close()
			return n.client.SetRetention(cmd.Context(), link, until)
		},
	}
}

// parseRetention accepts an RFC 3339 time or a duration from now. Empty
// means no retention.
func parseRetention(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("retention %q is neither an RFC 3339 time nor a duration", s)
	}
	return time.Now().Add(d), nil
}
