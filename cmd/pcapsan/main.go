package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"PcapSanitizer/internal/arena"
	"PcapSanitizer/internal/batch"
	"PcapSanitizer/internal/config"
	"PcapSanitizer/internal/engine/manager"
	"PcapSanitizer/internal/model"
	"PcapSanitizer/internal/notification"
	"PcapSanitizer/internal/pkg/logging"
	"PcapSanitizer/internal/report"
	"PcapSanitizer/pkg/pcap"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	configPath string
	outDir     string
	stages     []string
	watchDir   string
	logLevel   string
	analyzer   string
}

func parseFlags(args []string, stderr io.Writer) (*options, []string, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("pcapsan", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: pcapsan [flags] <capture|dir>...\n\n")
		fs.PrintDefaults()
	}
	fs.StringVarP(&opts.configPath, "config", "c", "", "YAML or TOML configuration file")
	fs.StringVarP(&opts.outDir, "out", "o", "sanitized", "Directory for sanitized captures")
	fs.StringSliceVarP(&opts.stages, "stages", "s", nil, "Stages to run (dedup,anonymize,mask); default from config")
	fs.StringVarP(&opts.watchDir, "watch", "w", "", "Keep running and sanitize captures that appear in this directory")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	fs.StringVar(&opts.analyzer, "analyzer", "", "TLS analyzer override (tshark or native)")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() == 0 && opts.watchDir == "" {
		fs.Usage()
		return nil, nil, fmt.Errorf("no input captures given")
	}
	return opts, fs.Args(), nil
}

func loadConfig(opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(opts.configPath); err != nil {
			return nil, err
		}
	}
	if len(opts.stages) > 0 {
		cfg.Pipeline.Stages = opts.stages
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.analyzer != "" {
		cfg.Mask.Marker.Analyzer = opts.analyzer
	}
	return cfg, cfg.Validate()
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, inputs, err := parseFlags(args, stderr)
	if err != nil {
		return 2
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "pcapsan: %v\n", err)
		return 2
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "pcapsan: %v\n", err)
		return 2
	}
	defer logger.Sync()

	scratch := arena.Default()
	if cfg.Pipeline.ScratchDir != "" {
		scratch = arena.New(cfg.Pipeline.ScratchDir, logger)
	}
	scratch.SetLogger(logger)
	defer scratch.Sweep()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
		// A second signal sweeps the scratch space and terminates.
		arena.InstallExitHook(scratch)
	}()

	mgr, err := manager.NewManager(cfg, manager.WithLogger(logger), manager.WithArena(scratch))
	if err != nil {
		logger.Error("Failed to create pipeline", zap.Error(err))
		return 2
	}
	defer mgr.Close()

	writers, err := report.Open(ctx, cfg.Report, logger)
	if err != nil {
		logger.Error("Failed to open result sinks", zap.Error(err))
		return 2
	}
	defer report.CloseAll(writers, logger)

	runner := batch.NewRunner(mgr, batch.Options{
		Stages:     cfg.Pipeline.Stages,
		Extensions: cfg.Pipeline.AllowedExtensions,
		OutputExt:  outputExt(cfg.Pipeline.OutputFormat),
		Writers:    writers,
		Notifier:   notification.NewEmailNotifier(cfg.SMTP),
		Logger:     logger,
	})

	failed := 0
	if len(inputs) > 0 {
		reports, err := runner.RunFiles(ctx, inputs, opts.outDir)
		printReports(stdout, reports)
		for _, r := range reports {
			if !r.Result.Success {
				failed++
			}
		}
		if err != nil {
			logger.Error("Batch aborted", zap.Error(err))
			return 1
		}
	}

	if opts.watchDir != "" {
		settle, _ := cfg.Watch.SettleDuration()
		if err := runner.Watch(ctx, opts.watchDir, opts.outDir, settle); err != nil {
			logger.Error("Watch failed", zap.Error(err))
			return 1
		}
	}

	if failed > 0 {
		return 1
	}
	return 0
}

func outputExt(format string) string {
	f, override, err := pcap.ParseFormat(format)
	if err != nil || !override {
		return ""
	}
	return f.Extension()
}

func printReports(w io.Writer, reports []*model.FileReport) {
	for _, r := range reports {
		res := r.Result
		if res.Success {
			fmt.Fprintf(w, "ok    %s -> %s (%d ms)\n", res.InputPath, res.OutputPath, res.DurationMs)
			continue
		}
		fmt.Fprintf(w, "FAIL  %s: %s\n", res.InputPath, describe(res.Error))
	}
}

func describe(e *model.ErrorInfo) string {
	if e == nil {
		return "unknown error"
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s in stage %s: %s", e.Kind, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
