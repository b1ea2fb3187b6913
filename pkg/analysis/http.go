package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-call/pkg/live/transcript"
)

const (
	// AnalyzeCallPath is the analysis route served next to the realtime endpoint.
	AnalyzeCallPath     = "/api/analyzeCall"
	maxAnalysisRespBody = 4 << 20
)

// HTTPAnalyzer posts transcripts to an analysis endpoint.
type HTTPAnalyzer struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

// NewHTTPAnalyzer targets baseURL + /api/analyzeCall. baseURL may use a ws(s)
// scheme, in which case the matching http(s) scheme is used.
func NewHTTPAnalyzer(baseURL, apiKey string, client *http.Client) *HTTPAnalyzer {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(base, "ws://"):
		base = "http://" + strings.TrimPrefix(base, "ws://")
	case strings.HasPrefix(base, "wss://"):
		base = "https://" + strings.TrimPrefix(base, "wss://")
	}
	base = strings.TrimSuffix(base, "/realtime")
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPAnalyzer{URL: base + AnalyzeCallPath, APIKey: apiKey, HTTPClient: client}
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, entries []transcript.Entry) (*Analytics, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyTranscript
	}
	body, err := json.Marshal(Request{TranscriptEntries: entries})
	if err != nil {
		return nil, fmt.Errorf("encode analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.APIKey)
	}

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analysis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAnalysisRespBody))
	if err != nil {
		return nil, fmt.Errorf("read analysis response: %w", err)
	}

	var out Response
	decodeErr := json.Unmarshal(raw, &out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr == nil && out.Error != "" {
			return nil, fmt.Errorf("analysis failed (status %d): %s", resp.StatusCode, out.Error)
		}
		return nil, fmt.Errorf("analysis failed (status %d)", resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode analysis response: %w", decodeErr)
	}
	return out.result()
}
