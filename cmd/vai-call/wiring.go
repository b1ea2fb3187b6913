package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-call/pkg/analysis"
	"github.com/vango-go/vai-call/pkg/audio/capture"
	"github.com/vango-go/vai-call/pkg/audio/playback"
	"github.com/vango-go/vai-call/pkg/config"
	"github.com/vango-go/vai-call/pkg/metrics"
)

const natsConnectTimeout = 5 * time.Second

func newDevice(cfg config.AudioConfig, logger *slog.Logger) capture.Device {
	if cfg.CaptureBackend == config.CaptureCommand {
		command := cfg.CaptureCommand
		if command == "" {
			command = capture.DefaultFFmpegCommand(cfg.CaptureDevice)
		}
		return capture.NewCommandDevice(command, logger)
	}
	return capture.NewMalgoDevice(cfg.CaptureDevice)
}

func newOutput(cfg config.AudioConfig, logger *slog.Logger) playback.Output {
	switch cfg.PlaybackBackend {
	case config.PlaybackFFPlay:
		return playback.NewFFPlayOutput(cfg.FFPlayPath, cfg.Volume, logger)
	case config.PlaybackDiscard:
		return &playback.DiscardOutput{}
	default:
		return playback.NewOtoOutput()
	}
}

// buildAnalyzer returns the analyzer named by kind wrapped with metrics and
// tracing, or nil for "none". The returned func releases its connections.
func buildAnalyzer(ctx context.Context, cfg config.Config, kind string, m *metrics.Metrics, tracer trace.Tracer) (analysis.Analyzer, func(), error) {
	noop := func() {}
	var (
		a       analysis.Analyzer
		closeFn = noop
	)
	switch kind {
	case config.AnalyzerNone, "":
		return nil, noop, nil
	case config.AnalyzerHTTP:
		a = analysis.NewHTTPAnalyzer(cfg.AnalysisURL(), cfg.Agent.APIKey, nil)
	case config.AnalyzerGemini:
		g, err := analysis.NewGeminiAnalyzer(ctx, analysis.GeminiConfig{
			APIKey:   cfg.Analysis.GeminiAPIKey,
			Project:  cfg.Analysis.GeminiProject,
			Location: cfg.Analysis.GeminiLocation,
			Model:    cfg.Analysis.GeminiModel,
		})
		if err != nil {
			return nil, noop, err
		}
		a = g
	case config.AnalyzerNATS:
		conn, err := analysis.ConnectNATS(cfg.Analysis.NATSURL, "vai-call", natsConnectTimeout)
		if err != nil {
			return nil, noop, err
		}
		a = analysis.NewNATSAnalyzer(conn, cfg.Analysis.NATSSubject)
		closeFn = conn.Close
	default:
		return nil, noop, fmt.Errorf("unknown analyzer %q", kind)
	}
	return analysis.Instrument(a, kind, m, tracer), closeFn, nil
}

// runResponder answers analysis requests over NATS until ctx is done.
func runResponder(ctx context.Context, opt options, cfg config.Config, m *metrics.Metrics, tracer trace.Tracer, logger *slog.Logger) error {
	if cfg.Analysis.NATSURL == "" {
		return errors.New("-serve-nats requires analysis.nats_url (VAI_CALL_NATS_URL)")
	}
	backend, closeBackend, err := buildAnalyzer(ctx, cfg, opt.serveBackend, m, tracer)
	if err != nil {
		return fmt.Errorf("analyzer: %w", err)
	}
	defer closeBackend()

	conn, err := analysis.ConnectNATS(cfg.Analysis.NATSURL, "vai-call-analyzer", natsConnectTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	responder, err := analysis.ServeNATS(ctx, conn, cfg.Analysis.NATSSubject, backend, logger)
	if err != nil {
		return err
	}
	logger.Info("serving analysis requests", "subject", cfg.Analysis.NATSSubject, "backend", opt.serveBackend)

	<-ctx.Done()
	responder.Close()
	logger.Info("analysis responder stopped")
	return nil
}

// serveMetrics exposes the registry at /metrics. The listener is bound before
// returning so address errors surface at startup.
func serveMetrics(addr string, m *metrics.Metrics, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
