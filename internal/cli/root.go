package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"arbwatch/internal/app"
	"arbwatch/internal/config"
	"arbwatch/internal/logging"
	"arbwatch/internal/service"
)

// exitBusy is returned to cron-style callers when another process holds the refresh lock (EX_TEMPFAIL).
const exitBusy = 75

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "arbwatch",
	Short: "Detect cross-exchange crypto arbitrage from aggregator and direct exchange prices",
	Long: `arbwatch polls a ticker aggregator and one directly queried exchange, converts every
price into a single quote currency and ranks, per asset, the cheapest buy against the
dearest sell after taker fees. The latest snapshot is cached and served as JSON on
/api/latest; 'run' refreshes and serves in one process, 'refresh' suits external schedulers.

Configuration is read from ./config.yaml unless --config is given. Any key can be
overridden from the environment with the ARBWATCH_ prefix, e.g. ARBWATCH_CACHE_BACKEND=redis.`,
	Example: `  arbwatch run --config /etc/arbwatch/config.yaml
  arbwatch refresh --log-level debug
  arbwatch export --csv spreads.csv --png spreads.png`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadApp,
}

func loadApp(cmd *cobra.Command, args []string) error {
	if appHandle != nil || cmd == versionCmd {
		return nil
	}

	if logLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(logLevel)); err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
		}
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	appHandle = app.NewApp(cfg, logging.NewLogger(cfg.Logging))
	return nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "arbwatch: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, service.ErrCycleInProgress) {
		return exitBusy
	}
	return 1
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "YAML or TOML config file (default ./config.yaml)")
	flags.StringVar(&logLevel, "log-level", "", "Log level override: trace, debug, info, warn or error")

	rootCmd.AddCommand(runCmd, refreshCmd, serveCmd, showCmd, exportCmd, versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("arbwatch: command ran before its configuration was loaded")
	}
	return appHandle
}
