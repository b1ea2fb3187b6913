package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-call/pkg/analysis"
	"github.com/vango-go/vai-call/pkg/audio"
	"github.com/vango-go/vai-call/pkg/audio/capture"
	"github.com/vango-go/vai-call/pkg/audio/playback"
	"github.com/vango-go/vai-call/pkg/audio/wavrec"
	"github.com/vango-go/vai-call/pkg/config"
	"github.com/vango-go/vai-call/pkg/live/protocol"
	"github.com/vango-go/vai-call/pkg/live/session"
	"github.com/vango-go/vai-call/pkg/live/transcript"
	"github.com/vango-go/vai-call/pkg/live/transport"
	"github.com/vango-go/vai-call/pkg/metrics"
)

const (
	stopTimeout   = 10 * time.Second
	meterInterval = 500 * time.Millisecond
	meterWidth    = 20
)

type callApp struct {
	opt      options
	cfg      config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	analyzer analysis.Analyzer
	stdin    io.Reader
	stdout   io.Writer
	deps     appDeps

	outMu sync.Mutex
}

func (a *callApp) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.stdout, format, args...)
}

func (a *callApp) sessionConfig() session.Config {
	sc := protocol.DefaultSessionConfig()
	sc.InputAudioTranscription.Model = a.cfg.Agent.TranscriptionModel
	sc.Voice = a.cfg.Agent.Voice
	sc.Instructions = a.cfg.Agent.Instructions
	return session.Config{
		Session:           sc,
		PlaybackRate:      a.cfg.Audio.SampleRate,
		AmplitudeInterval: a.cfg.Audio.AmplitudeInterval,
		AnalysisTimeout:   a.cfg.Analysis.Timeout,
	}
}

func (a *callApp) newController(deps session.Deps) *session.Controller {
	deps.Analyzer = a.analyzer
	deps.Metrics = a.metrics
	deps.Tracer = a.tracer
	return session.New(deps, a.sessionConfig(), a.logger)
}

// runUpload analyzes a transcript file without placing a call.
func (a *callApp) runUpload(ctx context.Context) error {
	f, err := os.Open(a.opt.upload)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	ctrl := a.newController(session.Deps{})
	if err := ctrl.LoadTranscript(f); err != nil {
		return fmt.Errorf("load transcript: %w", err)
	}
	entries := ctrl.Transcript()
	a.printf("Loaded %d transcript entries from %s\n", len(entries), a.opt.upload)
	for _, e := range entries {
		a.printEntry(e)
	}
	if err := a.writeTranscript(entries); err != nil {
		return err
	}
	return a.printAnalysis(ctx, ctrl)
}

// runCall places one call and blocks until the user ends it, the call fails
// or ctx is cancelled.
func (a *callApp) runCall(ctx context.Context) error {
	audioCfg := a.cfg.Audio
	pipeline := capture.New(a.deps.newDevice(audioCfg, a.logger), capture.Config{
		Format:        audio.Format{SampleRate: audioCfg.SampleRate, Channels: audioCfg.Channels},
		FrameDuration: audioCfg.FrameDuration,
		QueueFrames:   audioCfg.CaptureQueue,
	}, a.logger, a.metrics)
	player := playback.New(a.deps.newOutput(audioCfg, a.logger), playback.Config{
		Channels:      1,
		MaxBuffer:     audioCfg.MaxBuffer,
		Prebuffer:     audioCfg.Prebuffer,
		PrebufferWait: audioCfg.PrebufferWait,
	}, a.logger, a.metrics)

	deps := session.Deps{
		Dial: session.DialTransport(transport.Config{
			URL:              a.cfg.Agent.URL,
			APIKey:           a.cfg.Agent.APIKey,
			HandshakeTimeout: a.cfg.Agent.HandshakeTimeout,
			WriteTimeout:     a.cfg.Agent.WriteTimeout,
			PingInterval:     a.cfg.Agent.PingInterval,
			AudioQueue:       a.cfg.Agent.AudioQueue,
		}, a.logger, a.metrics),
		Capture: pipeline,
		Player:  player,
	}

	var recorders []*wavrec.Recorder
	defer func() {
		for _, r := range recorders {
			if err := r.Close(); err != nil {
				a.logger.Warn("closing recording failed", "error", err)
			}
		}
	}()
	if a.opt.recordWAV != "" {
		r, err := wavrec.Create(a.opt.recordWAV, pipeline.Format())
		if err != nil {
			return err
		}
		recorders = append(recorders, r)
		deps.MicRecorder = r
	}
	if a.opt.recordAgentWAV != "" {
		r, err := wavrec.Create(a.opt.recordAgentWAV, audio.Format{SampleRate: audioCfg.SampleRate, Channels: 1})
		if err != nil {
			return err
		}
		recorders = append(recorders, r)
		deps.AgentRecorder = r
	}

	ctrl := a.newController(deps)
	printerDone := make(chan struct{})
	quit := make(chan struct{})
	ended := make(chan struct{}, 1)
	go a.printUpdates(ctrl, quit, ended, printerDone)

	if err := ctrl.Start(ctx); err != nil {
		close(quit)
		<-printerDone
		return fmt.Errorf("start call: %w", err)
	}
	a.printf("Call started with %s. Press Enter to end the call.\n", a.cfg.Agent.URL)

	select {
	case <-waitForEnter(a.stdin):
	case <-ended:
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	res, err := ctrl.Stop(stopCtx)
	cancel()
	close(quit)
	<-printerDone
	if err != nil {
		return fmt.Errorf("stop call: %w", err)
	}

	if res.Cause != nil {
		a.printf("Call ended: %v\n", res.Cause)
	}
	a.printf("Call lasted %s with %d transcript entries.\n", res.Duration.Round(time.Second), len(res.Entries))
	for _, r := range recorders {
		a.logger.Info("recording saved", "duration", r.Duration())
	}
	if files := ctrl.GroundingFiles(); len(files) > 0 {
		a.printf("Grounding files:\n")
		for _, f := range files {
			a.printf("  - %s\n", f.Name)
		}
	}
	if err := a.writeTranscript(res.Entries); err != nil {
		return err
	}
	return a.printAnalysis(ctx, ctrl)
}

// printUpdates renders controller updates until quit is closed, then drains
// what is already queued. A transition back to idle is reported on ended.
func (a *callApp) printUpdates(ctrl *session.Controller, quit <-chan struct{}, ended chan<- struct{}, done chan<- struct{}) {
	defer close(done)
	var lastMeter time.Time
	handle := func(u session.Update) {
		switch u.Kind {
		case session.UpdateEntry:
			a.printEntry(u.Entry)
		case session.UpdateGrounding:
			for _, f := range u.Files {
				a.printf("  [grounding] %s\n", f.Name)
			}
		case session.UpdateError:
			a.printf("  [error] %v\n", u.Err)
		case session.UpdateState:
			if u.State == session.StateIdle {
				select {
				case ended <- struct{}{}:
				default:
				}
			}
		case session.UpdateAmplitude:
			if a.opt.meter && time.Since(lastMeter) >= meterInterval {
				lastMeter = time.Now()
				a.printf("  mic %s  agent %s\n", meterBar(u.Amplitude[0].Value), meterBar(u.Amplitude[1].Value))
			}
		}
	}

	updates := ctrl.Updates()
	for {
		select {
		case u := <-updates:
			handle(u)
		case <-quit:
			for {
				select {
				case u := <-updates:
					if u.Kind != session.UpdateAmplitude && u.Kind != session.UpdateAnalysis {
						handle(u)
					}
				default:
					return
				}
			}
		}
	}
}

func (a *callApp) printEntry(e transcript.Entry) {
	a.printf("[%s] %s: %s\n", e.Timestamp, e.Speaker, e.Text)
}

func (a *callApp) writeTranscript(entries []transcript.Entry) error {
	if a.opt.transcriptOut == "" {
		return nil
	}
	f, err := os.Create(a.opt.transcriptOut)
	if err != nil {
		return fmt.Errorf("create transcript file: %w", err)
	}
	if err := transcript.Encode(f, entries); err != nil {
		f.Close()
		return fmt.Errorf("write transcript: %w", err)
	}
	return f.Close()
}

func (a *callApp) printAnalysis(ctx context.Context, ctrl *session.Controller) error {
	if a.analyzer == nil {
		return nil
	}
	a.printf("Analyzing call...\n")
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Analysis.Timeout)
	defer cancel()
	out, err := ctrl.WaitAnalysis(waitCtx)
	if errors.Is(err, session.ErrNoAnalysis) {
		a.printf("Nothing to analyze.\n")
		return nil
	}
	if err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	a.printf("%s\n", data)
	return nil
}

// waitForEnter fires when a line is read from r. EOF never fires, so a
// closed stdin leaves the call running until a signal arrives.
func waitForEnter(r io.Reader) <-chan struct{} {
	ch := make(chan struct{})
	if r == nil {
		return ch
	}
	go func() {
		if _, err := bufio.NewReader(r).ReadString('\n'); err == nil {
			close(ch)
		}
	}()
	return ch
}

func meterBar(v float64) string {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	n := int(v*meterWidth + 0.5)
	return "[" + strings.Repeat("#", n) + strings.Repeat(" ", meterWidth-n) + "]"
}
