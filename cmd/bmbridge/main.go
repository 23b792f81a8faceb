package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd runs the bridge when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bmbridge",
	Short: "BM6/BM7 battery monitor to MQTT bridge",
	Long: `Polls BM6 and BM7 Bluetooth battery monitors and publishes their readings
to MQTT with Home Assistant discovery:

- Periodic poll of every registered monitor (voltage, state of charge, temperature)
- Scan and Update buttons plus a bridge status sensor in Home Assistant
- Device registry kept as retained MQTT messages
- Optional InfluxDB sink for readings`,
	Version: formatVersion(version),
	RunE:    runBridge,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the config file (YAML or JSON)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().Bool("verbose", false, "Shortcut for --log-level=debug")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
	rootCmd.SetVersionTemplate(fmt.Sprintf("bmbridge {{.Version}} (commit %s, built %s)\n", commit, date))
}
