package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blepm/internal/radio"
)

// radioCmd represents the radio command
var radioCmd = &cobra.Command{
	Use:   "radio [on|off]",
	Short: "Show or switch the Bluetooth radio power",
	Long: `Without arguments prints whether the configured radio is powered and
usable. With on or off switches the adapter power (BlueZ only).

Examples:
  blepm radio
  blepm radio off`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE:      runRadio,
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func runRadio(cmd *cobra.Command, args []string) error {
	var power *bool
	if len(args) == 1 {
		switch args[0] {
		case "on", "off":
			on := args[0] == "on"
			power = &on
		default:
			return fmt.Errorf("invalid radio state %q (must be on or off)", args[0])
		}
	}

	cmd.SilenceUsage = true

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	src, err := openRadio(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open radio: %w", err)
	}
	defer src.Close()

	out := cmd.OutOrStdout()
	if power == nil {
		fmt.Fprintf(out, "radio:       %s\n", cfg.Radio)
		fmt.Fprintf(out, "adapter:     %s\n", cfg.Adapter)
		fmt.Fprintf(out, "powered:     %s\n", onOff(src.Enabled()))
		fmt.Fprintf(out, "permissions: %s\n", map[bool]string{true: "granted", false: "denied"}[src.Granted()])
		return nil
	}

	sw, ok := src.(radio.Switch)
	if !ok {
		return fmt.Errorf("radio %q cannot be switched", cfg.Radio)
	}
	if err := sw.SetPowered(*power); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s powered %s\n", cfg.Adapter, onOff(*power))
	return nil
}
