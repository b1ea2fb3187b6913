package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-call/pkg/audio"
	"github.com/vango-go/vai-call/pkg/audio/capture"
	"github.com/vango-go/vai-call/pkg/audio/playback"
	"github.com/vango-go/vai-call/pkg/config"
)

const testAnalytics = `{"callSummary":"Customer asked about a bill.","customerIntent":{"mainIntent":"billing","secondaryIntents":[]},"sentiment":{"customerSentimentLabel":"neutral","customerSentimentScore":0.5,"agentSentimentLabel":"positive","agentSentimentScore":0.9},"keyTopics":["billing"],"callResolution":"resolved","compliance":"ok","escalation":"no","complexityScore":2,"intentConfidence":8,"keyPhrases":{"problems":[],"resolutions":[],"needsReview":[]}}`

// syncBuffer is written by the update printer and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type silentMic struct {
	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

func (m *silentMic) Start(ctx context.Context, format audio.Format, cb capture.Callbacks) error {
	m.done = make(chan struct{})
	frame := make([]byte, format.BytesFor(20*time.Millisecond))
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.mu.Lock()
				if !m.stopped {
					cb.Data(frame)
				}
				m.mu.Unlock()
			}
		}
	}()
	return nil
}

func (m *silentMic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.done)
	}
	return nil
}

func testDeps(cfg config.Config) appDeps {
	return appDeps{
		loadConfig: func(string) (config.Config, error) { return cfg, nil },
		newDevice: func(config.AudioConfig, *slog.Logger) capture.Device {
			return &silentMic{}
		},
		newOutput: func(config.AudioConfig, *slog.Logger) playback.Output {
			return &playback.DiscardOutput{Tick: 5 * time.Millisecond}
		},
		listDevices:  func() ([]capture.DeviceInfo, error) { return nil, nil },
		signalNotify: func(chan<- os.Signal, ...os.Signal) {},
		signalStop:   func(chan<- os.Signal) {},
	}
}

func noEnv(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "missing.env")
}

// newAgentServer serves the realtime websocket and the analysis route, like
// the agent backend.
func newAgentServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/realtime", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		greeted := false
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(data, &msg)
			if msg.Type != "session.update" || greeted {
				continue
			}
			greeted = true
			for _, ev := range []string{
				`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello, my bill is wrong"}`,
				`{"type":"response.audio_transcript.delta","delta":"Let me"}`,
				`{"type":"response.audio_transcript.delta","delta":"check."}`,
				`{"type":"response.done"}`,
				`{"type":"extension.middle_tier_tool_response","tool_name":"search","tool_result":"{\"sources\":[{\"chunk_id\":\"1\",\"title\":\"billing.md\",\"chunk\":\"...\"}]}"}`,
			} {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(ev)); err != nil {
					return
				}
			}
		}
	})
	mux.HandleFunc("/api/analyzeCall", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"analytics":`+testAnalytics+`}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestParseOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "defaults", args: nil},
		{name: "extra args", args: []string{"now"}, wantErr: "unexpected arguments"},
		{name: "upload and serve", args: []string{"-upload", "t.json", "-serve-nats"}, wantErr: "mutually exclusive"},
		{name: "bad backend", args: []string{"-serve-backend", "nats"}, wantErr: "-serve-backend"},
		{name: "unknown flag", args: []string{"-nope"}, wantErr: "not defined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opt, err := parseOptions(tt.args, io.Discard)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("parseOptions() error = %v", err)
				}
				if opt.envFile != ".env" || opt.serveBackend != config.AnalyzerGemini {
					t.Fatalf("defaults = %+v", opt)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	deps := testDeps(config.Default())
	deps.loadConfig = func(string) (config.Config, error) { return config.Config{}, errors.New("boom") }

	if code := runMain(context.Background(), []string{"-env-file", noEnv(t)}, nil, io.Discard, &stderr, deps); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "boom") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestRunMain_BadFlagIsUsageError(t *testing.T) {
	t.Parallel()
	if code := runMain(context.Background(), []string{"-nope"}, nil, io.Discard, io.Discard, testDeps(config.Default())); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestRunMain_ListDevices(t *testing.T) {
	t.Parallel()

	deps := testDeps(config.Default())
	deps.listDevices = func() ([]capture.DeviceInfo, error) {
		return []capture.DeviceInfo{{Name: "Built-in Microphone", Default: true}, {Name: "USB Headset"}}, nil
	}
	var stdout bytes.Buffer
	if code := runMain(context.Background(), []string{"-env-file", noEnv(t), "-list-devices"}, nil, &stdout, io.Discard, deps); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	want := "* Built-in Microphone\n  USB Headset\n"
	if stdout.String() != want {
		t.Fatalf("stdout = %q, want %q", stdout.String(), want)
	}
}

func TestRunMain_UploadPrintsTranscriptAndAnalysis(t *testing.T) {
	t.Parallel()

	srv := newAgentServer(t)
	cfg := config.Default()
	cfg.Agent.URL = srv.URL

	dir := t.TempDir()
	upload := filepath.Join(dir, "call.json")
	body := `[{"speaker":"Customer","text":"my bill is wrong","timestamp":"9:00:01 AM"},{"speaker":"Agent","text":"I can fix that","timestamp":"9:00:04 AM"}]`
	if err := os.WriteFile(upload, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out.json")

	var stdout, stderr bytes.Buffer
	args := []string{"-env-file", noEnv(t), "-upload", upload, "-transcript-out", out}
	if code := runMain(context.Background(), args, nil, &stdout, &stderr, testDeps(cfg)); code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr.String())
	}

	got := stdout.String()
	for _, want := range []string{
		"[9:00:01 AM] Customer: my bill is wrong",
		"[9:00:04 AM] Agent: I can fix that",
		`"callSummary": "Customer asked about a bill."`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("stdout missing %q:\n%s", want, got)
		}
	}
	written, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read transcript out: %v", err)
	}
	if !strings.Contains(string(written), `"I can fix that"`) {
		t.Fatalf("transcript out = %s", written)
	}
}

func TestRunMain_UploadRejectsMalformedFile(t *testing.T) {
	t.Parallel()

	upload := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(upload, []byte(`[{"speaker":"Robot","text":"hi"}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Analysis.Analyzer = config.AnalyzerNone

	var stderr bytes.Buffer
	if code := runMain(context.Background(), []string{"-env-file", noEnv(t), "-upload", upload}, nil, io.Discard, &stderr, testDeps(cfg)); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "load transcript") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestRunMain_LiveCallEndsOnEnter(t *testing.T) {
	t.Parallel()

	srv := newAgentServer(t)
	cfg := config.Default()
	cfg.Agent.URL = srv.URL
	cfg.Audio.PlaybackBackend = config.PlaybackDiscard
	cfg.Audio.AmplitudeInterval = 10 * time.Millisecond

	stdinR, stdinW := io.Pipe()
	defer stdinW.Close()
	stdout := &syncBuffer{}
	var stderr syncBuffer
	wav := filepath.Join(t.TempDir(), "mic.wav")
	args := []string{"-env-file", noEnv(t), "-record-wav", wav}

	done := make(chan int, 1)
	go func() {
		done <- runMain(context.Background(), args, stdinR, stdout, &stderr, testDeps(cfg))
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(stdout.String(), "[grounding] billing.md") {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for call output:\n%s\nstderr:\n%s", stdout.String(), stderr.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := io.WriteString(stdinW, "\n"); err != nil {
		t.Fatalf("write stdin: %v", err)
	}

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("exit code = %d, stderr = %s", code, stderr.String())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("call did not end after Enter")
	}

	got := stdout.String()
	for _, want := range []string{
		"Customer: hello, my bill is wrong",
		"Agent: Let me check.",
		"with 2 transcript entries",
		"  - billing.md",
		`"escalation": "no"`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("stdout missing %q:\n%s", want, got)
		}
	}
	if info, err := os.Stat(wav); err != nil || info.Size() <= 44 {
		t.Fatalf("mic recording = %v, %v", info, err)
	}
}

func TestMeterBar(t *testing.T) {
	t.Parallel()
	tests := map[float64]string{
		-1:  "[                    ]",
		0.5: "[##########          ]",
		2:   "[####################]",
	}
	for v, want := range tests {
		if got := meterBar(v); got != want {
			t.Fatalf("meterBar(%v) = %q, want %q", v, got, want)
		}
	}
}
