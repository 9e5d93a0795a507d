package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blepm/pkg/manager"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect <target>...",
	Short: "Connect to devices and stream their events",
	Long: `Connects to every device matching a target and prints discovery,
connection, reply and disconnection events until interrupted.

Examples:
  # Keep one scale connected
  blepm connect Scale-A

  # Any device named Scale-A or Scale-B, but only one of them
  blepm connect Scale-A Scale-B --one

  # Exact device, stop after a minute
  blepm connect Scale-A@AA:BB:CC:DD:EE:FF --timeout 1m`,
	Args: cobra.MinimumNArgs(1),
	RunE: runConnect,
}

var (
	connectOne     bool
	connectTimeout time.Duration
)

func init() {
	connectCmd.Flags().BoolVar(&connectOne, "one", false, "Connect to a single device matching any target")
	connectCmd.Flags().DurationVar(&connectTimeout, "timeout", 0, "Stop after this long; default runs until Ctrl+C")
}

func runConnect(cmd *cobra.Command, args []string) error {
	filters, err := parseTargets(args)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := interruptible(cmd.Context(), cmd.ErrOrStderr())
	defer cancel()
	if connectTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	a, err := startApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if connectOne {
		err = a.manager.ConnectOnlyOne(filters...)
	} else {
		err = a.manager.Connect(filters...)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-a.events.Events():
			if !ok {
				return nil
			}
			if ev.Kind == manager.EventConnected {
				ev.Peripheral.SubscribeToReplies(a.events.ReplyListener())
			}
			printEvent(out, ev)
		}
	}
}
