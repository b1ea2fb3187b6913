package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vango-go/vai-call/pkg/live/transcript"
)

// DefaultSubject is the request subject for NATS analysis.
const DefaultSubject = "vai.call.analyze"

// NATSAnalyzer requests analysis over NATS request/reply using the same JSON
// envelopes as the HTTP endpoint.
type NATSAnalyzer struct {
	conn    *nats.Conn
	subject string
}

func NewNATSAnalyzer(conn *nats.Conn, subject string) *NATSAnalyzer {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSAnalyzer{conn: conn, subject: subject}
}

// ConnectNATS dials servers with the options the CLI uses.
func ConnectNATS(servers, name string, timeout time.Duration) (*nats.Conn, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := nats.Connect(servers, nats.Name(name), nats.Timeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

func (a *NATSAnalyzer) Analyze(ctx context.Context, entries []transcript.Entry) (*Analytics, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyTranscript
	}
	data, err := json.Marshal(Request{TranscriptEntries: entries})
	if err != nil {
		return nil, fmt.Errorf("encode analysis request: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
	}

	msg, err := a.conn.RequestWithContext(ctx, a.subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("no analyzer listening on %q: %w", a.subject, err)
		}
		return nil, fmt.Errorf("analysis request: %w", err)
	}

	var out Response
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		return nil, fmt.Errorf("decode analysis response: %w", err)
	}
	return out.result()
}

// Responder answers NATS analysis requests with an Analyzer.
type Responder struct {
	analyzer Analyzer
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	timeout  time.Duration
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// ServeNATS subscribes to subject and answers each request with analyzer.
func ServeNATS(parent context.Context, conn *nats.Conn, subject string, analyzer Analyzer, logger *slog.Logger) (*Responder, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	r := &Responder{
		analyzer: analyzer,
		ctx:      ctx,
		cancel:   cancel,
		timeout:  60 * time.Second,
		logger:   logger.With(slog.String("component", "analysis-responder")),
	}
	sub, err := conn.Subscribe(subject, r.handleRequest)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe analysis requests: %w", err)
	}
	r.sub = sub
	return r, nil
}

// Close stops taking requests and waits for in-flight ones.
func (r *Responder) Close() {
	r.cancel()
	if r.sub != nil {
		_ = r.sub.Drain()
	}
	r.wg.Wait()
}

func (r *Responder) handleRequest(msg *nats.Msg) {
	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.logger.Warn("failed to decode analysis request", slog.String("error", err.Error()))
		r.respond(msg, Response{Error: "invalid analysis request"})
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		defer cancel()

		start := time.Now()
		analytics, err := r.analyzer.Analyze(ctx, req.TranscriptEntries)
		if err != nil {
			r.logger.Warn("analysis failed", slog.String("error", err.Error()))
			r.respond(msg, Response{Error: "Error occurred while analyzing the call."})
			return
		}
		r.logger.Info("analysis complete", slog.Int("entries", len(req.TranscriptEntries)), slog.Duration("latency", time.Since(start)))
		r.respond(msg, Response{Analytics: analytics})
	}()
}

func (r *Responder) respond(msg *nats.Msg, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		r.logger.Warn("failed to encode analysis response", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn("failed to publish analysis response", slog.String("error", err.Error()))
	}
}
