package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blepm/internal/device"
	"github.com/srg/blepm/internal/radio"
	"github.com/srg/blepm/pkg/config"
	"github.com/srg/blepm/pkg/manager"
)

// Backend constructors; tests swap them for fakes.
var (
	openTransport = func(cfg *config.Config, logger *logrus.Logger) (device.Transport, error) {
		return cfg.OpenTransport(logger)
	}
	openRadio = func(cfg *config.Config, logger *logrus.Logger) (radio.Source, error) {
		return cfg.OpenRadio(logger)
	}
)

// app is a started Manager with an event stream attached.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	radio   radio.Source
	manager *manager.Manager
	events  *manager.EventStream
}

func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	logger.SetOutput(cmd.ErrOrStderr())
	return cfg, logger, nil
}

func startApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	src, err := openRadio(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open radio: %w", err)
	}
	transport, err := openTransport(cfg, logger)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("failed to open transport: %w", err)
	}
	opts, err := cfg.ManagerOptions(src, logger)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	m, err := manager.New(transport, opts)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	rt := &app{
		cfg:     cfg,
		logger:  logger,
		radio:   src,
		manager: m,
		events:  manager.NewEventStream(cfg.EventBuffer),
	}
	m.Start(ctx)
	m.AddSubscriber(rt.events)
	return rt, nil
}

// Close disconnects everything and releases the radio.
func (rt *app) Close() {
	rt.manager.Close()
	rt.events.Close()
	if dropped := rt.events.Dropped(); dropped > 0 {
		rt.logger.WithField("dropped", dropped).Warn("Events were dropped")
	}
	if err := rt.radio.Close(); err != nil {
		rt.logger.WithError(err).Debug("Failed to close radio")
	}
}

func parseTargets(args []string) ([]device.TargetFilter, error) {
	filters := make([]device.TargetFilter, 0, len(args))
	for _, arg := range args {
		f, err := device.ParseTargetFilter(arg)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

// interruptible returns a context cancelled by Ctrl+C or SIGTERM.
func interruptible(parent context.Context, out io.Writer) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			fmt.Fprintln(out, "\nCtrl+C pressed, disconnecting...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

var (
	discoveredColor = color.New(color.FgCyan)
	connectedColor  = color.New(color.FgGreen, color.Bold)
	droppedColor    = color.New(color.FgYellow)
	failedColor     = color.New(color.FgRed)
	replyColor      = color.New(color.FgWhite)
)

func printEvent(w io.Writer, ev manager.Event) {
	c := replyColor
	switch ev.Kind {
	case manager.EventDiscovered:
		c = discoveredColor
	case manager.EventConnected:
		c = connectedColor
	case manager.EventDisconnected:
		c = droppedColor
	case manager.EventConnectFailed, manager.EventCommandTimeout:
		c = failedColor
	}
	c.Fprintf(w, "%s %s\n", ev.Time.Format("15:04:05.000"), ev)
}
