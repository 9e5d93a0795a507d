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

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blepm",
	Short: "Bluetooth Low Energy peripheral manager",
	Long: `Bluetooth Low Energy (BLE) peripheral manager that:

- Connects to peripherals matching name and/or address filters
- Keeps them connected across radio power cycles
- Delivers commands with acknowledgment and retry
- Streams discovery, connection and reply events

Targets are written as "name", "name@address" or "@address".`,
	Version: formatVersion(version),
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
	rootCmd.SetVersionTemplate(fmt.Sprintf("blepm {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(radioCmd)

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Verbose output (same as --log-level debug)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
