package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blepm/pkg/connection"
)

// devicesCmd represents the devices command
var devicesCmd = &cobra.Command{
	Use:   "devices <target>...",
	Short: "Connect for a while and list the devices that came up",
	Long: `Connects to the devices matching the targets, waits, then lists the
connected devices in connection order together with those still connecting.

Examples:
  blepm devices Scale-A Scale-B --wait 15s
  blepm devices @AA:BB:CC:DD:EE:FF --format json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDevices,
}

var (
	devicesWait   time.Duration
	devicesFormat string
)

func init() {
	devicesCmd.Flags().DurationVar(&devicesWait, "wait", 10*time.Second, "How long to wait for connections")
	devicesCmd.Flags().StringVar(&devicesFormat, "format", "table", "Output format (table, json)")
}

// deviceRow is one line of devices output.
type deviceRow struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	State      string `json:"state"`
	Capability string `json:"capability"`
}

func rowsOf(peripherals []*connection.Peripheral) []deviceRow {
	rows := make([]deviceRow, 0, len(peripherals))
	for _, p := range peripherals {
		rows = append(rows, deviceRow{
			Name:       p.Name(),
			Address:    p.Address(),
			State:      p.State().String(),
			Capability: p.Capability().String(),
		})
	}
	return rows
}

func runDevices(cmd *cobra.Command, args []string) error {
	filters, err := parseTargets(args)
	if err != nil {
		return err
	}
	if devicesFormat != "table" && devicesFormat != "json" {
		return fmt.Errorf("invalid format %q (must be table or json)", devicesFormat)
	}

	cmd.SilenceUsage = true

	ctx, cancel := interruptible(cmd.Context(), cmd.ErrOrStderr())
	defer cancel()

	a, err := startApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.Connect(filters...); err != nil {
		return err
	}

	wait, stop := context.WithTimeout(ctx, devicesWait)
	defer stop()
	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Connecting to "+strings.Join(args, ", "), "Waiting")
	progress.Start()
	<-wait.Done()
	progress.Stop()

	rows := rowsOf(a.manager.ConnectedDevices())
	rows = append(rows, rowsOf(a.manager.Connecting())...)
	if devicesFormat == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	return displayDevicesTable(cmd.OutOrStdout(), rows)
}

func displayDevicesTable(out io.Writer, rows []deviceRow) error {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No devices connected")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tSTATE\tCAPABILITY")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, r := range rows {
		name := r.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, r.Address, r.State, r.Capability)
	}
	return w.Flush()
}

