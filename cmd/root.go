// Package cmd wires the CLI: configuration, logging and the run surface
// of the execution core.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/netvolve/netvolve/internal/config"
	"github.com/netvolve/netvolve/internal/observability"
)

var (
	cfgFile string
	cfg     config.Config
)

// Sentinel errors mapped to process exit codes by Execute.
var (
	// errConfigRejected means the run never started: bad flags, unreadable
	// input file, invalid configuration.
	errConfigRejected = errors.New("configuration rejected")

	// errInvalidResults means at least one experiment ended Invalid.
	errInvalidResults = errors.New("at least one experiment ended invalid")
)

var rootCmd = &cobra.Command{
	Use:     "netvolve",
	Short:   "netvolve runs multi-agent network simulation experiments.",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			observability.InitializeLogger(config.Defaults().Logger)
			return fmt.Errorf("%w: %v", errConfigRejected, err)
		}
		observability.InitializeLogger(cfg.Logger)
		observability.GetLogger().Debug("starting netvolve", zap.String("version", Version))
		return nil
	},
}

// Execute runs the CLI and exits with 0 when every experiment finished,
// 1 when at least one ended invalid, and 2 when the configuration was
// rejected.
func Execute() {
	err := rootCmd.Execute()
	observability.Sync()
	switch {
	case err == nil:
		return
	case errors.Is(err, errConfigRejected):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	case errors.Is(err, errInvalidResults):
		os.Exit(1)
	default:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}
