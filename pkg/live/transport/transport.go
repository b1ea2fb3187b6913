// Package transport owns the websocket connection to the realtime agent
// service. It turns inbound frames into protocol events and serializes
// outbound audio and control events through a single writer goroutine.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-call/pkg/audio"
	"github.com/vango-go/vai-call/pkg/core"
	"github.com/vango-go/vai-call/pkg/live/protocol"
	"github.com/vango-go/vai-call/pkg/metrics"
)

var (
	// ErrBackpressure is returned by SendAudioFrame when the outbound audio
	// queue is full. The frame is dropped.
	ErrBackpressure = errors.New("outbound audio queue full")
	// ErrClosed is returned by sends after Close.
	ErrClosed = errors.New("connection closed")
)

const defaultPath = "/realtime"

// Config configures the connection.
type Config struct {
	URL              string
	APIKey           string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	ReadLimit        int64
	// AudioQueue bounds outbound audio frames waiting for the socket.
	AudioQueue int
	// EventBuffer bounds decoded events waiting for the consumer.
	EventBuffer int
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 8 << 20
	}
	if c.AudioQueue <= 0 {
		c.AudioQueue = 64
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	return c
}

// State is the connection lifecycle state.
type State int32

const (
	StateOpen State = iota
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one websocket session with the agent service.
type Conn struct {
	ws      *websocket.Conn
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	state  atomic.Int32
	events chan protocol.ServerEvent

	priority chan outboundFrame
	normal   chan outboundFrame

	ctx        context.Context
	cancel     context.CancelFunc
	writerDone chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once

	errMu    sync.Mutex
	writeErr error
}

// Endpoint normalizes raw into a websocket URL, mapping http(s) to ws(s) and
// defaulting the path to /realtime.
func Endpoint(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid agent endpoint %q", raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("agent endpoint must use http(s) or ws(s), got %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = defaultPath
	}
	return u.String(), nil
}

// Dial opens the websocket and starts the reader and writer goroutines.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Conn, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	wsURL, err := Endpoint(cfg.URL)
	if err != nil {
		return nil, core.NewTransportError("transport.dial", err)
	}

	headers := make(http.Header)
	if cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, core.NewTransportError("transport.dial", fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err))
		}
		return nil, core.NewTransportError("transport.dial", err)
	}
	ws.SetReadLimit(cfg.ReadLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:         ws,
		cfg:        cfg,
		logger:     logger.With("component", "transport"),
		metrics:    m,
		events:     make(chan protocol.ServerEvent, cfg.EventBuffer),
		priority:   make(chan outboundFrame, 16),
		normal:     make(chan outboundFrame, cfg.AudioQueue),
		ctx:        connCtx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	c.state.Store(int32(StateOpen))

	go c.writeLoop()
	go c.readLoop()

	c.logger.Debug("connected", "url", wsURL)
	return c, nil
}

// Events yields inbound events. It is closed after the connection ends; a
// connection that ends without Close delivers a fatal protocol.Error first.
func (c *Conn) Events() <-chan protocol.ServerEvent {
	return c.events
}

// State returns the lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// StartSession sends session.update and marks the connection ready.
func (c *Conn) StartSession(ctx context.Context, cfg protocol.SessionConfig) error {
	frame, err := encode(protocol.SessionUpdate{
		Type:    protocol.TypeSessionUpdate,
		EventID: newEventID(),
		Session: cfg,
	})
	if err != nil {
		return err
	}
	if err := c.enqueuePriority(ctx, frame); err != nil {
		return err
	}
	c.state.CompareAndSwap(int32(StateOpen), int32(StateReady))
	return nil
}

// SendAudioFrame encodes and queues one microphone frame. It never blocks; a
// full queue drops the frame and returns ErrBackpressure.
func (c *Conn) SendAudioFrame(f audio.Frame) error {
	if c.closing() {
		return ErrClosed
	}
	frame, err := encode(protocol.InputAudioBufferAppend{
		Type:    protocol.TypeInputAudioBufferAppend,
		EventID: newEventID(),
		Audio:   protocol.EncodeAudio(f.PCM),
	})
	if err != nil {
		return err
	}
	select {
	case c.normal <- frame:
		return nil
	default:
		c.metrics.RecordCaptureFrame("backpressure")
		return ErrBackpressure
	}
}

// ClearInputBuffer asks the service to drop uncommitted input audio.
func (c *Conn) ClearInputBuffer() error {
	frame, err := encode(protocol.InputAudioBufferClear{
		Type:    protocol.TypeInputAudioBufferClear,
		EventID: newEventID(),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	return c.enqueuePriority(ctx, frame)
}

func (c *Conn) enqueuePriority(ctx context.Context, frame outboundFrame) error {
	if c.closing() {
		return ErrClosed
	}
	select {
	case c.priority <- frame:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes queued control events, sends a close frame and waits for
// both goroutines. It is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.cancel()
		<-c.writerDone
		_ = c.ws.Close()
		<-c.readerDone
		c.state.Store(int32(StateClosed))
		c.logger.Debug("closed")
	})
	return nil
}

func (c *Conn) closing() bool {
	s := c.State()
	return s == StateClosing || s == StateClosed
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	w := &outboundWriter{
		ws:           c.ws,
		ctx:          c.ctx,
		pingInterval: c.cfg.PingInterval,
		writeTimeout: c.cfg.WriteTimeout,
		priority:     c.priority,
		normal:       c.normal,
	}
	if err := w.Run(); err != nil {
		c.errMu.Lock()
		c.writeErr = err
		c.errMu.Unlock()
		// Unblocks the reader, which reports the failure.
		_ = c.ws.Close()
	}
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)
	defer close(c.events)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closing() {
				return
			}
			c.fail(err)
			return
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", "message_type", messageType)
			continue
		}

		ev, err := protocol.DecodeServerEvent(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			c.metrics.RecordError("transport", string(core.KindDecode))
			continue
		}
		if !c.emit(ev) {
			return
		}
	}
}

func (c *Conn) fail(readErr error) {
	c.errMu.Lock()
	cause := c.writeErr
	c.errMu.Unlock()
	if cause == nil {
		cause = readErr
	}
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		cause = fmt.Errorf("connection closed by peer: %w", cause)
	}
	terr := core.NewTransportError("transport.read", cause)
	c.logger.Warn("connection lost", "error", cause)
	c.metrics.RecordError("transport", string(core.KindTransport))
	c.emit(protocol.Error{
		Type:    protocol.TypeError,
		Message: terr.Error(),
		Fatal:   true,
		Err:     terr,
	})
}

// emit blocks until the consumer takes ev or the connection is closed.
func (c *Conn) emit(ev protocol.ServerEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func encode(v any) (outboundFrame, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return outboundFrame{}, fmt.Errorf("encode outbound event: %w", err)
	}
	return outboundFrame{payload: payload}, nil
}

func newEventID() string {
	return "event_" + uuid.NewString()
}
