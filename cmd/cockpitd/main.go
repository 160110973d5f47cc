package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-cockpit/internal/accelerator"
	"github.com/loqalabs/loqa-cockpit/internal/config"
	"github.com/loqalabs/loqa-cockpit/internal/features"
	"github.com/loqalabs/loqa-cockpit/internal/pipeline"
	"github.com/loqalabs/loqa-cockpit/internal/runtime"
	"gopkg.in/natefinch/lumberjack.v2"
)

var version = "0.1.0-dev"

const defaultConfigPath = "cockpit.yaml"

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cockpitd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath  string
		audioRef    string
		serve       bool
		showVersion bool
	)
	fs.StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")
	fs.StringVar(&audioRef, "audio", "", "Audio reference to recognize (defaults to pipeline.audio_ref)")
	fs.BoolVar(&serve, "serve", false, "Run the cockpit daemon instead of a single recognition")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if showVersion {
		fmt.Fprintln(stdout, version)
		return 0
	}

	explicit := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	if !explicit {
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			configPath = ""
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(stderr, nil)).Error("failed to load config", slog.String("error", err.Error()))
		return 1
	}

	if serve {
		logger, closeLog := newLogger(cfg.Telemetry, stdout)
		defer closeLog()
		return serveDaemon(ctx, cfg, logger)
	}

	// One-shot output goes to stdout, so logs move to stderr.
	logger, closeLog := newLogger(cfg.Telemetry, stderr)
	defer closeLog()
	if audioRef == "" {
		audioRef = cfg.Pipeline.AudioRef
	}
	label, err := recognizeOnce(ctx, cfg, audioRef, logger)
	if err != nil {
		logger.Error("recognition failed", slog.String("audio_ref", audioRef), slog.String("error", err.Error()))
		return 1
	}
	printResult(stdout, label)
	return 0
}

func serveDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := runtime.New(cfg, logger)
	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

func recognizeOnce(ctx context.Context, cfg config.Config, audioRef string, logger *slog.Logger) (string, error) {
	device, err := accelerator.New(cfg.Accelerator, logger)
	if err != nil {
		return "", err
	}
	extractor, err := features.New(cfg.Features)
	if err != nil {
		_ = device.Close()
		return "", err
	}
	p, err := pipeline.New(extractor, device, pipeline.WithLogger(logger))
	if err != nil {
		_ = device.Close()
		return "", err
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Pipeline.TimeoutMS)*time.Millisecond)
	defer cancel()
	return p.ProcessCommand(ctx, audioRef)
}

func printResult(w io.Writer, label string) {
	const title = "=== Flight Cockpit Recognition Result ==="
	fmt.Fprintln(w, title)
	fmt.Fprintf(w, "Recognized Command: %s\n", label)
	fmt.Fprintln(w, strings.Repeat("=", len(title)))
}

// newLogger writes JSON logs to w, or to a rotating file when one is
// configured.
func newLogger(cfg config.TelemetryConfig, w io.Writer) (*slog.Logger, func()) {
	closeFn := func() {}
	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			Compress:   true,
		}
		w = rotator
		closeFn = func() { _ = rotator.Close() }
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})
	return slog.New(handler), closeFn
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
