// Command pcachectl is the thin CLI surface named in spec §6: it
// wires the setup/status/cache/queue/maintenance/add/read/monitor and
// scheduler-lifecycle verbs to the core partitioncache packages.
// Argument parsing and environment loading are the only things it
// owns; everything else delegates to internal/*.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/MPoppinga/PartitionCache-sub000/internal/config"
	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "pcachectl",
	Short: "operate a PartitionCache deployment",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv-style file with partitioncache.* keys")
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
}

// loadConfig is called by every leaf command exactly once, never
// cached across invocations (config.Load's own contract).
func loadConfig() (*config.Config, error) {
	return config.Load(envFile)
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

// exitCode maps an error to spec §6's exit-code policy: 0 success,
// non-zero for configuration error, connectivity error, validation
// failure, or runtime failure. Only ConfigError/ConnectivityError are
// distinguished by kind; everything else is a generic runtime failure.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	kind, ok := pcerrors.ClassifyKind(err)
	if !ok {
		return 1
	}
	switch kind {
	case pcerrors.KindConfig:
		return 2
	case pcerrors.KindConnectivity:
		return 3
	default:
		return 1
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(exitCode(err))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fail(err)
	}
}
