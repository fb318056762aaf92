package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/offline"
	"github.com/loqalabs/loqa-scribe/internal/runtime"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

var version = "0.1.0-dev"

const defaultConfigPath = "loqa-scribe.yaml"

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [flags] [serve | devices | transcribe [-json] <file.wav> | ctl <command>]\n\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Usage = usage
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	if configPath == defaultConfigPath && !explicitFlag("config") {
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			configPath = ""
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Telemetry, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "devices":
		err = listDevices(ctx, cfg, os.Stdout)
	case "transcribe":
		err = transcribe(ctx, cfg, logger, args, os.Stdout)
	case "ctl":
		err = ctl(ctx, cfg, logger, args, os.Stdout)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error(cmd+" failed", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}

func explicitFlag(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	rt := runtime.New(cfg, logger)
	if err := rt.Start(ctx); err != nil {
		time.Sleep(1 * time.Second)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func listDevices(ctx context.Context, cfg config.Config, out io.Writer) error {
	driver, err := capture.NewDriver(cfg.Capture)
	if err != nil {
		return err
	}
	defer driver.Close()

	devices, err := capture.Devices(ctx, driver)
	if err != nil {
		return err
	}
	for _, d := range devices {
		marker := " "
		if d.IsDefault {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s\n", marker, d.DisplayName())
	}
	if sys, err := capture.FindSystemAudioDevice(ctx, driver); err == nil && sys != "" {
		fmt.Fprintf(out, "\nsystem audio: %s\n", sys)
	}
	return nil
}

func transcribe(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "Print the full report as JSON")
	chunkMS := fs.Int("chunk-ms", cfg.Chunker.ChunkDurationMS, "Chunk duration in milliseconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("transcribe needs exactly one WAV file")
	}
	cfg.Chunker.ChunkDurationMS = *chunkMS

	recognizer, err := stt.NewRecognizer(cfg.STT)
	if err != nil {
		return err
	}
	defer recognizer.Close()

	report, err := offline.NewTranscriber(cfg, recognizer, logger).TranscribeFile(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	for _, r := range report.Results {
		if r.Text == "" {
			continue
		}
		fmt.Fprintf(out, "[%d] %s (%.2f)\n", r.SequenceID, r.Text, r.Confidence)
	}
	return nil
}
