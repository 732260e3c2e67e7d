// oarchive stores, references and repairs erasure-coded objects on a set
// of local disks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile         string
	logLevel        string
	metricsTextfile string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "oarchive",
		Short: "oarchive - erasure-coded object archive",
		Long: `oarchive splits objects into chunks, erasure codes every block of a
chunk into data and parity fragments and spreads the fragments over the
configured disks. Any parity-many fragments of a block may be lost.

Objects are addressed by link ids. Referencing an object creates a second
link to the same data; the data is reclaimed when its last link is removed.

EXAMPLES:

  oarchive put backup.tar            # prints the link id
  oarchive get <link> restored.tar
  oarchive ref <link>                # prints a second link id
  oarchive rm <link>
  oarchive fsck <link>               # verify and heal every block

For more help on any command, use: oarchive <command> --help`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
		Version: fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides the config file)")
	rootCmd.PersistentFlags().StringVar(&metricsTextfile, "metrics-textfile", "", "write metrics to this file on exit")

	rootCmd.AddCommand(
		newPutCmd(),
		newGetCmd(),
		newRefCmd(),
		newRmCmd(),
		newStatCmd(),
		newRetainCmd(),
		newFsckCmd(),
		newLocateCmd(),
		newRecoverCmd(),
		newProgressCmd(),
		newDisksCmd(),
	)
	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
