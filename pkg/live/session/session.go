// Package session runs one voice call at a time: it wires microphone capture
// to the agent connection, routes agent audio to playback, assembles the
// transcript and hands the finished call to an analyzer.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vango-go/vai-call/pkg/analysis"
	"github.com/vango-go/vai-call/pkg/audio"
	"github.com/vango-go/vai-call/pkg/audio/capture"
	"github.com/vango-go/vai-call/pkg/audio/playback"
	"github.com/vango-go/vai-call/pkg/core"
	"github.com/vango-go/vai-call/pkg/live/protocol"
	"github.com/vango-go/vai-call/pkg/live/transcript"
	"github.com/vango-go/vai-call/pkg/live/transport"
	"github.com/vango-go/vai-call/pkg/metrics"
)

// ErrNoAnalysis is returned by WaitAnalysis when no analysis has been started.
var ErrNoAnalysis = errors.New("no analysis in progress")

// State is the controller lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Transport is the agent connection used by a session.
type Transport interface {
	Events() <-chan protocol.ServerEvent
	StartSession(ctx context.Context, cfg protocol.SessionConfig) error
	SendAudioFrame(f audio.Frame) error
	ClearInputBuffer() error
	Close() error
}

// DialFunc opens a new agent connection.
type DialFunc func(ctx context.Context) (Transport, error)

// DialTransport returns a DialFunc backed by transport.Dial.
func DialTransport(cfg transport.Config, logger *slog.Logger, m *metrics.Metrics) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		conn, err := transport.Dial(ctx, cfg, logger, m)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Recorder receives a copy of call audio.
type Recorder interface {
	Write(f audio.Frame) error
}

// GroundingFile is a knowledge-base source the agent reported using.
type GroundingFile struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Deps are the collaborators of a Controller. Dial, Capture and Player are
// required.
type Deps struct {
	Dial     DialFunc
	Capture  *capture.Pipeline
	Player   *playback.Player
	Analyzer analysis.Analyzer
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
	Clock    func() time.Time

	// MicRecorder and AgentRecorder, when set, receive every captured and
	// every played frame. The caller owns and closes them.
	MicRecorder   Recorder
	AgentRecorder Recorder
}

// Config tunes a Controller.
type Config struct {
	Session           protocol.SessionConfig
	PlaybackRate      int
	AmplitudeInterval time.Duration
	AnalysisTimeout   time.Duration
	UpdateBuffer      int
}

func (c Config) withDefaults() Config {
	if c.Session.TurnDetection == nil && c.Session.InputAudioTranscription == nil {
		def := protocol.DefaultSessionConfig()
		def.Voice = c.Session.Voice
		def.Instructions = c.Session.Instructions
		c.Session = def
	}
	if c.PlaybackRate <= 0 {
		c.PlaybackRate = audio.DefaultSampleRate
	}
	if c.AmplitudeInterval <= 0 {
		c.AmplitudeInterval = 50 * time.Millisecond
	}
	if c.AnalysisTimeout <= 0 {
		c.AnalysisTimeout = 2 * time.Minute
	}
	if c.UpdateBuffer <= 0 {
		c.UpdateBuffer = 256
	}
	return c
}

// Result describes a finished call.
type Result struct {
	SessionID string
	Entries   []transcript.Entry
	Duration  time.Duration
	// Cause is set when the call ended because of a fatal error.
	Cause error
}

// Controller owns the session state machine. All methods are safe for
// concurrent use.
type Controller struct {
	deps    Deps
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	clock   func() time.Time

	assembler *transcript.Assembler
	updates   chan Update

	mu          sync.Mutex
	state       State
	cancelStart context.CancelFunc
	stopAsked   bool
	startDone   chan struct{}
	stopDone    chan struct{}
	active      *call
	lastResult  Result
	grounding   []GroundingFile

	localAmp  amplitudeCell
	remoteAmp amplitudeCell

	anMu sync.Mutex
	an   *analysisRun
}

// call is the resources of one active session.
type call struct {
	id      string
	conn    Transport
	capture *capture.Handle
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

type analysisRun struct {
	done      chan struct{}
	analytics *analysis.Analytics
	err       error
}

// New creates an idle controller.
func New(deps Deps, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	cfg = cfg.withDefaults()
	return &Controller{
		deps:      deps,
		cfg:       cfg,
		logger:    logger.With("component", "session"),
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		clock:     deps.Clock,
		assembler: transcript.New(deps.Clock),
		updates:   make(chan Update, cfg.UpdateBuffer),
	}
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns the entries assembled so far.
func (c *Controller) Transcript() []transcript.Entry {
	return c.assembler.Entries()
}

// PendingAgentText returns the agent text buffered for the current turn.
func (c *Controller) PendingAgentText() string {
	return c.assembler.Pending()
}

// GroundingFiles returns the sources reported during the current or last call.
func (c *Controller) GroundingFiles() []GroundingFile {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]GroundingFile, len(c.grounding))
	copy(out, c.grounding)
	return out
}

// Amplitude returns the latest sample for source, or a zero value when no
// call is active.
func (c *Controller) Amplitude(source audio.Source) audio.AmplitudeSample {
	switch source {
	case audio.Local:
		return c.localAmp.load(source)
	case audio.Remote:
		return c.remoteAmp.load(source)
	default:
		return audio.AmplitudeSample{Source: source}
	}
}

// Start begins a call: dial, configure the session, open the microphone and
// the speaker. On failure everything opened so far is released and the
// controller is idle again.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return core.NewStateError("session.start", "cannot start while %s", state)
	}
	startCtx, cancel := context.WithCancel(ctx)
	c.state = StateStarting
	c.cancelStart = cancel
	c.stopAsked = false
	c.startDone = make(chan struct{})
	c.grounding = nil
	c.lastResult = Result{}
	c.mu.Unlock()

	c.assembler.Reset()
	c.emit(Update{Kind: UpdateState, State: StateStarting})

	id := uuid.NewString()
	startCtx, span := c.tracer.Start(startCtx, "session.start", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	cl, err := c.acquire(startCtx, id)

	c.mu.Lock()
	if err == nil && c.stopAsked {
		err = core.NewStateError("session.start", "call stopped while starting")
	}
	if err != nil {
		c.mu.Unlock()
		if cl != nil {
			c.release(cl)
		}
		c.mu.Lock()
		c.state = StateIdle
		c.cancelStart = nil
		close(c.startDone)
		c.mu.Unlock()
		cancel()

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordSessionFailed()
		c.metrics.RecordError("session", errKind(err))
		c.logger.Warn("call failed to start", "session_id", id, "error", err)
		c.emit(Update{Kind: UpdateState, State: StateIdle, Err: err})
		return err
	}

	// The call outlives the start context.
	cancel()
	cl.ctx, cl.cancel = context.WithCancel(context.Background())
	cl.done = make(chan struct{})
	c.state = StateActive
	c.active = cl
	c.cancelStart = nil
	close(c.startDone)
	c.mu.Unlock()

	go c.loop(cl)

	c.metrics.RecordSessionStart()
	c.logger.Info("call started", "session_id", id)
	c.emit(Update{Kind: UpdateState, State: StateActive})
	return nil
}

// acquire opens the call's resources in order. On error it returns the
// partially built call so the caller can release it.
func (c *Controller) acquire(ctx context.Context, id string) (*call, error) {
	if c.deps.Dial == nil || c.deps.Capture == nil || c.deps.Player == nil {
		return nil, core.NewStateError("session.start", "controller is missing a dependency")
	}
	if f := c.deps.Capture.Format(); f.Channels != 1 || f.SampleRate != c.cfg.PlaybackRate {
		return nil, core.NewStateError("session.start",
			"capture format %s does not match the agent stream (%d Hz mono)", f, c.cfg.PlaybackRate)
	}
	cl := &call{id: id, started: c.clock()}

	conn, err := c.deps.Dial(ctx)
	if err != nil {
		return nil, err
	}
	cl.conn = conn

	if err := conn.StartSession(ctx, c.cfg.Session); err != nil {
		return cl, core.NewTransportError("session.start", err)
	}

	h, err := c.deps.Capture.Start(ctx, c.sendMic(conn))
	if err != nil {
		return cl, err
	}
	cl.capture = h

	if err := c.deps.Player.Init(ctx, c.cfg.PlaybackRate); err != nil {
		return cl, err
	}
	return cl, nil
}

// sendMic is the capture sink. It runs on the capture delivery goroutine and
// never blocks on the network.
func (c *Controller) sendMic(conn Transport) func(audio.Frame) {
	return func(f audio.Frame) {
		if c.deps.MicRecorder != nil {
			if err := c.deps.MicRecorder.Write(f); err != nil {
				c.logger.Debug("mic recording failed", "error", err)
			}
		}
		if err := conn.SendAudioFrame(f); err != nil {
			if errors.Is(err, transport.ErrBackpressure) {
				c.logger.Debug("dropping mic frame", "reason", "backpressure")
				return
			}
			if !errors.Is(err, transport.ErrClosed) {
				c.logger.Debug("sending mic frame failed", "error", err)
			}
		}
	}
}

// release tears resources down in reverse order of acquisition: microphone,
// speaker, then connection.
func (c *Controller) release(cl *call) {
	if cl.capture != nil {
		if err := cl.capture.Stop(); err != nil {
			c.logger.Debug("capture stop failed", "error", err)
		}
	}
	if err := c.deps.Player.Flush(); err != nil {
		c.logger.Debug("playback flush failed", "error", err)
	}
	if err := c.deps.Player.Close(); err != nil {
		c.logger.Debug("playback close failed", "error", err)
	}
	if cl.conn != nil {
		if err := cl.conn.ClearInputBuffer(); err != nil {
			c.logger.Debug("clear input buffer failed", "error", err)
		}
		if err := cl.conn.Close(); err != nil {
			c.logger.Debug("transport close failed", "error", err)
		}
	}
}

// Stop ends the call and returns its transcript. Pending agent text that
// never saw response.done is not flushed. Analysis of the transcript starts
// in the background; see WaitAnalysis. Stopping an idle controller is a
// no-op, and stopping during Start aborts the start.
func (c *Controller) Stop(ctx context.Context) (Result, error) {
	return c.stop(ctx, nil, nil)
}

func (c *Controller) stop(ctx context.Context, only *call, cause error) (Result, error) {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		res := c.lastResult
		c.mu.Unlock()
		res.Entries = c.assembler.Entries()
		return res, nil
	case StateStarting:
		if only != nil {
			c.mu.Unlock()
			return Result{}, nil
		}
		c.stopAsked = true
		if c.cancelStart != nil {
			c.cancelStart()
		}
		wait := c.startDone
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
		return c.stop(ctx, nil, nil)
	case StateStopping:
		wait := c.stopDone
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
		c.mu.Lock()
		res := c.lastResult
		c.mu.Unlock()
		return res, nil
	}

	cl := c.active
	if only != nil && only != cl {
		c.mu.Unlock()
		return Result{}, nil
	}
	c.state = StateStopping
	c.stopDone = make(chan struct{})
	c.mu.Unlock()
	c.emit(Update{Kind: UpdateState, State: StateStopping})

	_, span := c.tracer.Start(ctx, "session.stop", trace.WithAttributes(attribute.String("session.id", cl.id)))
	defer span.End()

	// Microphone first so no audio is sent after the clear.
	if err := cl.capture.Stop(); err != nil {
		c.logger.Debug("capture stop failed", "error", err)
	}
	cl.cancel()
	<-cl.done
	c.release(cl)

	entries := c.assembler.Entries()
	res := Result{
		SessionID: cl.id,
		Entries:   entries,
		Duration:  c.clock().Sub(cl.started),
		Cause:     cause,
	}
	status := "completed"
	if cause != nil {
		status = "failed"
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	}
	span.SetAttributes(attribute.Int("session.entries", len(entries)))
	c.metrics.RecordSessionEnd(status, res.Duration)

	c.localAmp.reset()
	c.remoteAmp.reset()

	c.mu.Lock()
	c.state = StateIdle
	c.active = nil
	c.lastResult = res
	close(c.stopDone)
	c.mu.Unlock()

	c.logger.Info("call ended", "session_id", cl.id, "status", status, "entries", len(entries), "duration", res.Duration)
	c.emit(Update{Kind: UpdateState, State: StateIdle, Err: cause})

	c.startAnalysis(entries)
	return res, nil
}

// LoadTranscript replaces the transcript with an uploaded one and starts
// analysis. It is only allowed while idle; a malformed upload leaves the
// current transcript untouched.
func (c *Controller) LoadTranscript(r io.Reader) error {
	entries, err := transcript.DecodeUpload(r)
	if err != nil {
		c.metrics.RecordError("session", string(core.KindDecode))
		return err
	}

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return core.NewStateError("session.load_transcript", "cannot load a transcript while %s", state)
	}
	c.assembler.Replace(entries)
	c.lastResult = Result{}
	c.grounding = nil
	c.mu.Unlock()

	c.logger.Info("transcript loaded", "entries", len(entries))
	c.startAnalysis(entries)
	return nil
}

func (c *Controller) startAnalysis(entries []transcript.Entry) {
	if c.deps.Analyzer == nil {
		return
	}
	if len(entries) == 0 {
		c.logger.Debug("skipping analysis of empty transcript")
		return
	}

	run := &analysisRun{done: make(chan struct{})}
	c.anMu.Lock()
	c.an = run
	c.anMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AnalysisTimeout)
		defer cancel()
		run.analytics, run.err = c.deps.Analyzer.Analyze(ctx, entries)
		close(run.done)
		if run.err != nil {
			c.logger.Warn("call analysis failed", "error", run.err)
		}
		c.emit(Update{Kind: UpdateAnalysis, Analytics: run.analytics, Err: run.err})
	}()
}

// WaitAnalysis blocks until the most recent analysis finishes.
func (c *Controller) WaitAnalysis(ctx context.Context) (*analysis.Analytics, error) {
	c.anMu.Lock()
	run := c.an
	c.anMu.Unlock()
	if run == nil {
		return nil, ErrNoAnalysis
	}
	select {
	case <-run.done:
		return run.analytics, run.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// amplitudeCell holds the latest amplitude reading. Readers may observe a
// value and timestamp from adjacent ticks.
type amplitudeCell struct {
	bits atomic.Uint64
	at   atomic.Int64
}

func (a *amplitudeCell) store(v float64, at time.Time) {
	a.bits.Store(math.Float64bits(v))
	a.at.Store(at.UnixNano())
}

func (a *amplitudeCell) load(source audio.Source) audio.AmplitudeSample {
	s := audio.AmplitudeSample{Source: source, Value: math.Float64frombits(a.bits.Load())}
	if at := a.at.Load(); at != 0 {
		s.At = time.Unix(0, at)
	}
	return s
}

func (a *amplitudeCell) reset() {
	a.bits.Store(0)
	a.at.Store(0)
}
