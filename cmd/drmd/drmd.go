package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/drmd/pkg/command"
	"github.com/tigerbot-team/drmd/pkg/config"
	"github.com/tigerbot-team/drmd/pkg/controller"
	"github.com/tigerbot-team/drmd/pkg/feed"
	"github.com/tigerbot-team/drmd/pkg/hardware"
	"github.com/tigerbot-team/drmd/pkg/screen"
	"github.com/tigerbot-team/drmd/pkg/status"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", config.DefaultPath, "YAML configuration file")
		logLevel   = flag.String("log-level", "", "Log level: error, warn, info or debug (overrides the config file)")
		dummy      = flag.Bool("dummy", false, "Use simulated pins and sensor instead of the real hardware")
	)
	flag.Parse()

	fmt.Println("---- DRMD ----")

	cfg, err := loadConfig(*configPath, *configPath != config.DefaultPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Bad configuration:", err)
		return 1
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	level, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger := setupLogger(level)

	var hw *hardware.Hardware
	if *dummy {
		hw = hardware.NewDummy(cfg)
	} else if hw, err = hardware.New(cfg); err != nil {
		logger.Error("Hardware initialisation failed", "err", err)
		return 1
	}
	if err := hw.Configure(); err != nil {
		logger.Error("Failed to configure lines", "err", err)
		_ = hw.Shutdown()
		return 1
	}

	board := status.NewBoard()
	ctrl := controller.New(cfg, hw, command.NewInterpreter(os.Stdin, os.Stdout), controller.Options{
		Board:  board,
		Logger: logger,
		Out:    os.Stdout,
	})

	// Cancelling the context shuts down everything regardless of mode.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registerSignalHandlers(ctrl, cancel, logger)

	if cfg.Display.Framebuffer != "" {
		go screen.LoopUpdatingScreen(ctx, cfg.Display.Framebuffer, board)
	}
	if cfg.Feed.Listen != "" {
		go func() {
			if err := feed.ListenAndServe(ctx, cfg.Feed.Listen, logger, board); err != nil {
				logger.Error("Status feed failed", "err", err)
			}
		}()
	}

	fmt.Println(command.Usage)
	err = ctrl.Run(ctx)
	cancel()
	// Let the screen blank itself.
	time.Sleep(100 * time.Millisecond)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Control loop failed", "err", err)
		return 1
	}
	return 0
}

// loadConfig falls back to the defaults when the default file is missing.
// A file named on the command line must exist.
func loadConfig(path string, explicit bool) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil && !explicit && os.IsNotExist(errors.Cause(err)) {
		cfg = config.Default()
		return cfg, cfg.Validate()
	}
	return cfg, err
}

// registerSignalHandlers routes Ctrl-C into the controller's cancellation
// path.  SIGTERM stops the whole process whatever it is doing.
func registerSignalHandlers(ctrl *controller.Controller, cancel context.CancelFunc, logger *slog.Logger) {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		for s := range signals {
			logger.Debug("Signal", "signal", s, "mode", ctrl.Mode())
			if s == syscall.SIGTERM {
				cancel()
			}
			ctrl.Interrupt()
		}
	}()
}
