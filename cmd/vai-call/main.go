// Command vai-call places a voice call with the realtime support agent from
// the terminal, prints the live transcript and the post-call analysis, or
// analyzes an uploaded transcript file.
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

	"github.com/vango-go/vai-call/internal/dotenv"
	"github.com/vango-go/vai-call/internal/telemetry"
	"github.com/vango-go/vai-call/pkg/audio/capture"
	"github.com/vango-go/vai-call/pkg/audio/playback"
	"github.com/vango-go/vai-call/pkg/config"
	"github.com/vango-go/vai-call/pkg/metrics"
)

var version = "dev"

const tracerName = "github.com/vango-go/vai-call"

type options struct {
	configPath     string
	envFile        string
	endpoint       string
	upload         string
	transcriptOut  string
	recordWAV      string
	recordAgentWAV string
	listDevices    bool
	meter          bool
	serveNATS      bool
	serveBackend   string
}

type appDeps struct {
	loadConfig   func(path string) (config.Config, error)
	newDevice    func(cfg config.AudioConfig, logger *slog.Logger) capture.Device
	newOutput    func(cfg config.AudioConfig, logger *slog.Logger) playback.Output
	listDevices  func() ([]capture.DeviceInfo, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultAppDeps() appDeps {
	return appDeps{
		loadConfig:  config.Load,
		newDevice:   newDevice,
		newOutput:   newOutput,
		listDevices: capture.ListDevices,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func parseOptions(args []string, stderr io.Writer) (options, error) {
	var opt options
	fs := flag.NewFlagSet("vai-call", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opt.configPath, "config", "", "YAML or JSON config file (or VAI_CALL_CONFIG)")
	fs.StringVar(&opt.envFile, "env-file", ".env", "dotenv file loaded before reading the environment; missing is fine")
	fs.StringVar(&opt.endpoint, "endpoint", "", "agent URL, overrides agent.url (http(s):// or ws(s)://)")
	fs.StringVar(&opt.upload, "upload", "", "analyze a transcript JSON file instead of placing a call")
	fs.StringVar(&opt.transcriptOut, "transcript-out", "", "write the final transcript as JSON to this path")
	fs.StringVar(&opt.recordWAV, "record-wav", "", "record microphone audio to this WAV file")
	fs.StringVar(&opt.recordAgentWAV, "record-agent-wav", "", "record agent audio to this WAV file")
	fs.BoolVar(&opt.listDevices, "list-devices", false, "list microphone devices and exit")
	fs.BoolVar(&opt.meter, "meter", false, "print microphone and agent levels during the call")
	fs.BoolVar(&opt.serveNATS, "serve-nats", false, "answer analysis requests on analysis.nats_subject instead of placing a call")
	fs.StringVar(&opt.serveBackend, "serve-backend", config.AnalyzerGemini, "analyzer behind -serve-nats: gemini or http")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if opt.upload != "" && opt.serveNATS {
		return options{}, errors.New("-upload and -serve-nats are mutually exclusive")
	}
	opt.serveBackend = strings.ToLower(strings.TrimSpace(opt.serveBackend))
	switch opt.serveBackend {
	case config.AnalyzerGemini, config.AnalyzerHTTP:
	default:
		return options{}, errors.New("-serve-backend must be gemini or http")
	}
	return opt, nil
}

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, deps appDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	if deps.loadConfig == nil || deps.newDevice == nil || deps.newOutput == nil || deps.listDevices == nil {
		fmt.Fprintln(stderr, "vai-call: missing dependency")
		return 1
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		fmt.Fprintln(stderr, "vai-call: missing signal dependency")
		return 1
	}

	opt, err := parseOptions(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "vai-call: %v\n", err)
		return 2
	}

	if err := dotenv.LoadFile(opt.envFile); err != nil {
		fmt.Fprintf(stderr, "vai-call: %v\n", err)
		return 1
	}

	if opt.listDevices {
		if err := printDevices(stdout, deps.listDevices); err != nil {
			fmt.Fprintf(stderr, "vai-call: list devices: %v\n", err)
			return 1
		}
		return 0
	}

	cfg, err := deps.loadConfig(opt.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "vai-call: load config: %v\n", err)
		return 1
	}
	if opt.endpoint != "" {
		cfg.Agent.URL = opt.endpoint
	}
	level, err := cfg.Level()
	if err != nil {
		fmt.Fprintf(stderr, "vai-call: %v\n", err)
		return 1
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := run(ctx, opt, cfg, stdin, stdout, stderr, logger, deps); err != nil {
		fmt.Fprintf(stderr, "vai-call: %v\n", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, opt options, cfg config.Config, stdin io.Reader, stdout, stderr io.Writer, logger *slog.Logger, deps appDeps) error {
	tp, shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, version, stderr, logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()
	tracer := tp.Tracer(tracerName)

	m := metrics.New("vai_call")
	if addr := cfg.Telemetry.MetricsAddr; addr != "" {
		stopMetrics, err := serveMetrics(addr, m, logger)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	if opt.serveNATS {
		return runResponder(ctx, opt, cfg, m, tracer, logger)
	}

	analyzer, closeAnalyzer, err := buildAnalyzer(ctx, cfg, cfg.Analysis.Analyzer, m, tracer)
	if err != nil {
		return fmt.Errorf("analyzer: %w", err)
	}
	defer closeAnalyzer()

	app := &callApp{
		opt:      opt,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		tracer:   tracer,
		analyzer: analyzer,
		stdin:    stdin,
		stdout:   stdout,
		deps:     deps,
	}
	if opt.upload != "" {
		return app.runUpload(ctx)
	}
	return app.runCall(ctx)
}

func printDevices(w io.Writer, list func() ([]capture.DeviceInfo, error)) error {
	devices, err := list()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Fprintln(w, "no input devices found")
		return nil
	}
	for _, d := range devices {
		mark := " "
		if d.Default {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %s\n", mark, d.Name)
	}
	return nil
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr, defaultAppDeps()))
}
