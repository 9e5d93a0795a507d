package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blepm/internal/device"
	"github.com/srg/blepm/pkg/manager"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <target> <hex-data>",
	Short: "Send a command and wait for its acknowledgment",
	Long: `Connects to the first device matching the target, sends the command
through the delivery queue and waits for the reply carrying the command type.
The command is retried until acknowledged or the attempts run out.

Examples:
  # Command type defaults to the first byte
  blepm send Scale-A "0A 01"

  # Explicit type, no acknowledgment
  blepm send Scale-A@AA:BB:CC:DD:EE:FF 01FF --type 0x0A --raw`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

var (
	sendType    string
	sendRaw     bool
	sendTimeout time.Duration
)

func init() {
	sendCmd.Flags().StringVar(&sendType, "type", "", "Command type byte (e.g. 10, 0x0A); default is the first data byte")
	sendCmd.Flags().BoolVar(&sendRaw, "raw", false, "Write once without waiting for an acknowledgment")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "Overall timeout, connection included")
}

func parsePacket(typ, data string) (device.Packet, error) {
	packet, err := device.ParseHexPacket(0, data)
	if err != nil {
		return device.Packet{}, err
	}
	if typ == "" {
		return device.NewPacket(packet.Bytes()[0], packet.Bytes()), nil
	}
	tag, err := strconv.ParseUint(typ, 0, 8)
	if err != nil {
		return device.Packet{}, fmt.Errorf("invalid command type %q: must be a byte", typ)
	}
	return device.NewPacket(byte(tag), packet.Bytes()), nil
}

func runSend(cmd *cobra.Command, args []string) error {
	filters, err := parseTargets(args[:1])
	if err != nil {
		return err
	}
	packet, err := parsePacket(sendType, args[1])
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx, cancel := interruptible(cmd.Context(), cmd.ErrOrStderr())
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, sendTimeout)
	defer cancelTimeout()

	a, err := startApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Sending %s to %s", packet, filters[0]), "Connecting", "Done")
	progress.Start()
	defer progress.Stop()
	phase := progress.Callback()

	if err := a.manager.ConnectOnlyOne(filters...); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("send to %s: %w", filters[0], ctx.Err())
		case ev, ok := <-a.events.Events():
			if !ok {
				return fmt.Errorf("send to %s: %w", filters[0], context.Canceled)
			}
			switch ev.Kind {
			case manager.EventConnected:
				if sendRaw {
					phase("Done")
					if err := ev.Peripheral.Write(packet); err != nil {
						return err
					}
					fmt.Fprintf(out, "sent %s to %s\n", packet, ev.Identity)
					return nil
				}
				phase("Waiting for reply")
				ev.Peripheral.SubscribeToReplies(a.events.ReplyListener())
				ev.Peripheral.Set(packet)
			case manager.EventReply:
				if tag, ok := ev.Peripheral.Capability().Tag(ev.Payload); ok && tag == packet.Type() {
					phase("Done")
					fmt.Fprintf(out, "%s acknowledged by %s: %s\n", packet, ev.Identity, device.NewPacket(0, ev.Payload).Hex())
					return nil
				}
			case manager.EventCommandTimeout:
				if ev.Packet.Equal(packet) {
					phase("Done")
					return fmt.Errorf("%w: %w", ErrNoReply, ev.Err)
				}
			case manager.EventConnectFailed, manager.EventDisconnected:
				phase("Connecting")
				a.logger.WithField("event", ev.String()).Info("Reconnecting")
				if err := a.manager.ConnectOnlyOne(filters...); err != nil {
					return err
				}
			}
		}
	}
}
