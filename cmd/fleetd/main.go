package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/SiriusScan/go-fleet/fleet/config"
	"github.com/SiriusScan/go-fleet/fleet/slogger"
)

var (
	cfg config.Config

	flagConfigFilePath string
	flagVerbose        bool
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", os.Getenv("FLEET_CONFIG"), "config file (YAML); FLEET_* variables override it")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "debug logging")
	rootCmd.PersistentPreRunE = initFleet

	rootCmd.AddCommand(serveCmd, hostCmd, taskCmd, execCmd, checkCmd, eventsCmd, snapshotCmd, findingsCmd, dbCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "fleetd",
	Short:         "Coordinate scans across a fleet of SSH hosts",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("fleetd: version info not available")
			return
		}
		fmt.Printf("fleetd: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			}
		}
	},
}

func initFleet(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(flagConfigFilePath)
	if err != nil {
		return err
	}
	initLogging(cfg, flagVerbose)
	slog.Debug("Configuration loaded", "config", flagConfigFilePath, "default_region", cfg.DefaultRegion)
	return nil
}

// initLogging applies the configured level; --verbose raises it to debug.
func initLogging(c config.Config, verbose bool) {
	slogger.Init(c.Log.Level, c.Log.Format)
	if verbose {
		slogger.SetLevel("debug")
	}
}

// withApp builds the coordinator for one command and closes it afterwards.
func withApp(fn func(a *app) error) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
