package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/bmbridge/internal/device"
	"github.com/srg/bmbridge/internal/devicefactory"
	"github.com/srg/bmbridge/internal/transport"
	"golang.org/x/term"
)

// newTransport opens the radio backend; replaced in tests.
var newTransport = devicefactory.New

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BM6/BM7 monitors",
	Long: `Listen for advertisements and list the battery monitors in range.

This command does not connect to the broker. Use it to find the addresses
to register, or to check that the adapter sees a monitor at all.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
)

// scanRow is one line of scan output.
type scanRow struct {
	Address string `json:"address"`
	Model   string `json:"model"`
	Name    string `json:"name"`
	RSSI    int    `json:"rssi"`
}

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (defaults to scanMs from the config)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := configureLogger(cmd, cfg)

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	window := scanDuration
	if window <= 0 {
		window = cfg.ScanWindow()
	}

	backend, err := devicefactory.ParseBackend(cfg.Backend)
	if err != nil {
		return err
	}
	t, _, err := newTransport(backend, cfg.Adapter, logger)
	if err != nil {
		return fmt.Errorf("failed to open BLE adapter: %w", err)
	}
	defer func() { _ = t.Shutdown() }()

	ctx, stop := notifyContext(cmd.Context())
	defer stop()

	out := cmd.OutOrStdout()
	var progress *ProgressPrinter
	if isTerminal(out) {
		progress = NewCountdownProgressPrinter(out, "Scanning for battery monitors", "Scanning", window)
		progress.Start()
	}
	advs, err := t.Scan(ctx, window)
	if progress != nil {
		progress.Stop()
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("scan failed: %w", err)
	}

	transport.SortAdvertisements(advs)
	rows := make([]scanRow, 0, len(advs))
	for _, a := range advs {
		model := a.Model()
		rows = append(rows, scanRow{
			Address: device.NormalizeAddress(a.Address),
			Model:   model.DisplayName(),
			Name:    a.Name,
			RSSI:    a.RSSI,
		})
	}

	if scanFormat == "json" {
		return displayScanJSON(out, rows)
	}
	return displayScanTable(out, rows)
}

func displayScanTable(out io.Writer, rows []scanRow) error {
	if len(rows) == 0 {
		_, err := color.New(color.FgYellow).Fprintln(out, "No battery monitors discovered")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tMODEL\tNAME\tRSSI")
	for _, r := range rows {
		name := r.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d dBm\n", r.Address, r.Model, name, r.RSSI)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := color.New(color.Bold).Fprintf(out, "\n%d monitor(s) found\n", len(rows))
	return err
}

func displayScanJSON(out io.Writer, rows []scanRow) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(rows)
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
