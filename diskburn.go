// Command diskburn writes a disk image to a device. The actual write runs
// in a helper child process, spawned with elevated privileges and
// coordinated over a local IPC channel, so the rest of the program never
// runs as root.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/pcekm/diskburn/internal/coordinator"
	"github.com/pcekm/diskburn/internal/elevate"
	"github.com/pcekm/diskburn/internal/ident"
	"github.com/pcekm/diskburn/internal/ipc"
	ipcclient "github.com/pcekm/diskburn/internal/ipc/client"
	"github.com/pcekm/diskburn/internal/observability"
	"github.com/pcekm/diskburn/internal/tui"
	"github.com/pcekm/diskburn/internal/writer"
)

// Flags.
var (
	imagePath  = pflag.StringP("image", "i", "", "Image file to write.")
	devicePath = pflag.StringP("device", "d", "", "Device to write the image to.")
	noElevate  = pflag.Bool("no-elevate", false, "Spawn the writer child without privilege elevation.")
	plain      = pflag.Bool("plain", false, "Line-oriented output instead of the progress display.")
	configPath = pflag.String("config", "", "Optional TOML config file.")
	logLevel   = pflag.String("log-level", "", "Log level (trace, debug, info, warn, error).")
)

func main() {
	// The launcher environment is the writer-child sentinel: when it's
	// present this process is the helper, not the CLI.
	if os.Getenv(ident.EnvServerID) != "" {
		os.Exit(writerMain())
	}

	pflag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *noElevate {
		cfg.Elevate = false
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := observability.InitLogger("diskburn", cfg.LogLevel)

	if *imagePath == "" || *devicePath == "" {
		pflag.Usage()
		os.Exit(1)
	}

	if err := run(context.Background(), cfg, logger); err != nil {
		if errors.Is(err, coordinator.ErrElevationDeclined) {
			logger.Warn().Msg("cancelled: elevation declined")
		} else {
			logger.Error().Err(err).Msg("write failed")
		}
		os.Exit(1)
	}
}

// writerMain runs the privileged helper side.
func writerMain() int {
	logger := observability.InitLogger("diskburn-writer", os.Getenv("DISKBURN_LOG_LEVEL"))
	id, err := ident.FromEnv()
	if err != nil {
		logger.Error().Err(err).Msg("bad writer environment")
		return 1
	}
	if err := writer.Run(context.Background(), id, writer.Options{Logger: logger}); err != nil {
		logger.Error().Err(err).Msg("writer failed")
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	id, err := ident.New()
	if err != nil {
		return err
	}

	var elevator elevate.Elevator
	if cfg.Elevate {
		elevator, err = elevate.NewDefault()
		if err != nil {
			return err
		}
	}

	progressCh := make(chan writer.Progress, 16)
	doneCh := make(chan struct{}, 1)
	onEvent := func(name string, payload json.RawMessage) {
		switch name {
		case writer.EventProgress:
			var p writer.Progress
			if err := json.Unmarshal(payload, &p); err != nil {
				logger.Debug().Err(err).Msg("bad progress payload")
				return
			}
			select {
			case progressCh <- p:
			default: // display lagging; skip intermediate updates
			}
		case writer.EventDone:
			select {
			case doneCh <- struct{}{}:
			default:
			}
		}
	}

	coord := coordinator.New(coordinator.Options{
		Identity:    id,
		AppName:     cfg.AppName,
		InstallRoot: cfg.InstallRoot,
		Elevate:     cfg.Elevate,
		Elevator:    elevator,
		Events:      []string{writer.EventProgress, writer.EventDone},
		OnEvent:     onEvent,
		Logger:      logger,
		Metrics:     coordinator.NewPrometheusMetrics(""),
	})
	defer coord.Terminate()

	type runResult struct {
		sess *coordinator.Session
		err  error
	}
	resCh := make(chan runResult, 1)
	go func() {
		sess, err := coord.Run(ctx)
		resCh <- runResult{sess, err}
	}()

	if err := sendStart(ctx, id, logger); err != nil {
		return err
	}

	var sess *coordinator.Session
	select {
	case res := <-resCh:
		if res.err != nil {
			return res.err
		}
		sess = res.sess
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := sess.Emit(writer.EventWrite, writer.Request{Image: *imagePath, Device: *devicePath}); err != nil {
		return err
	}

	if *plain {
		return watchPlain(ctx, coord, progressCh, doneCh, logger)
	}
	return watchTUI(ctx, coord, progressCh, doneCh)
}

// sendStart connects as the application client and asks the coordinator to
// spawn the child. The server comes up concurrently on the Run goroutine,
// so dialing retries briefly.
func sendStart(ctx context.Context, id ident.Identity, logger zerolog.Logger) error {
	deadline := time.Now().Add(5 * time.Second)
	for {
		cli, err := ipcclient.Dial(ctx, id, logger)
		if err == nil {
			defer cli.Close()
			return cli.Emit(ipc.EventStart, nil)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("connecting to session socket: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func watchPlain(ctx context.Context, coord *coordinator.Coordinator, progressCh <-chan writer.Progress, doneCh <-chan struct{}, logger zerolog.Logger) error {
	for {
		select {
		case p := <-progressCh:
			logger.Info().Int("percentage", p.Percentage).Int64("bytes", p.Bytes).Int64("total", p.Total).Msg("progress")
		case <-doneCh:
			logger.Info().Msg("write complete")
			return nil
		case <-coord.Done():
			return coord.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func watchTUI(ctx context.Context, coord *coordinator.Coordinator, progressCh <-chan writer.Progress, doneCh <-chan struct{}) error {
	prog := tea.NewProgram(tui.New(fmt.Sprintf("Writing %s to %s", *imagePath, *devicePath)))
	go func() {
		for {
			select {
			case p := <-progressCh:
				prog.Send(tui.ProgressMsg{Percentage: p.Percentage, Bytes: p.Bytes, Total: p.Total})
			case <-doneCh:
				prog.Send(tui.DoneMsg{})
				return
			case <-coord.Done():
				prog.Send(tui.DoneMsg{Err: coord.Err()})
				return
			case <-ctx.Done():
				prog.Send(tui.DoneMsg{Err: ctx.Err()})
				return
			}
		}
	}()
	final, err := prog.Run()
	if err != nil {
		return err
	}
	return final.(tui.Model).Err()
}
