// Package analysis sends a finished transcript to a post-call analyzer and
// returns structured call analytics.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vango-go/vai-call/pkg/live/transcript"
)

// ErrEmptyTranscript is returned when there is nothing to analyze.
var ErrEmptyTranscript = errors.New("transcript has no entries")

// Analyzer produces analytics for a transcript.
type Analyzer interface {
	Analyze(ctx context.Context, entries []transcript.Entry) (*Analytics, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, entries []transcript.Entry) (*Analytics, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, entries []transcript.Entry) (*Analytics, error) {
	return f(ctx, entries)
}

// Analytics is the structured result of a call analysis.
type Analytics struct {
	CallSummary      string         `json:"callSummary"`
	CustomerIntent   CustomerIntent `json:"customerIntent"`
	Sentiment        Sentiment      `json:"sentiment"`
	KeyTopics        []string       `json:"keyTopics"`
	CallResolution   string         `json:"callResolution"`
	Compliance       string         `json:"compliance"`
	Escalation       string         `json:"escalation"`
	ComplexityScore  float64        `json:"complexityScore"`
	IntentConfidence float64        `json:"intentConfidence"`
	KeyPhrases       KeyPhrases     `json:"keyPhrases"`
}

type CustomerIntent struct {
	MainIntent       string   `json:"mainIntent"`
	SecondaryIntents []string `json:"secondaryIntents"`
}

type Sentiment struct {
	CustomerSentimentLabel string  `json:"customerSentimentLabel"`
	CustomerSentimentScore float64 `json:"customerSentimentScore"`
	AgentSentimentLabel    string  `json:"agentSentimentLabel"`
	AgentSentimentScore    float64 `json:"agentSentimentScore"`
}

type KeyPhrases struct {
	Problems    []string `json:"problems"`
	Resolutions []string `json:"resolutions"`
	NeedsReview []string `json:"needsReview"`
}

// Request is the JSON body sent to remote analyzers.
type Request struct {
	TranscriptEntries []transcript.Entry `json:"transcriptEntries"`
}

// Response is the JSON body returned by remote analyzers. Exactly one of
// Analytics and Error is set.
type Response struct {
	Analytics *Analytics `json:"analytics,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func (r Response) result() (*Analytics, error) {
	if r.Error != "" {
		return nil, fmt.Errorf("analyzer: %s", r.Error)
	}
	if r.Analytics == nil {
		return nil, errors.New("analyzer: response has no analytics")
	}
	return r.Analytics, nil
}

// FormatTranscript renders entries one per line as "Speaker (timestamp): text".
func FormatTranscript(entries []transcript.Entry) string {
	var b strings.Builder
	for _, e := range entries {
		speaker := string(e.Speaker)
		if speaker == "" {
			speaker = "Unknown"
		}
		fmt.Fprintf(&b, "%s (%s): %s\n", speaker, e.Timestamp, e.Text)
	}
	return b.String()
}

// Prompt builds the user prompt for model-backed analyzers.
func Prompt(entries []transcript.Entry) string {
	return `You are a call analytics assistant for a customer support call center.
Given the conversation between a Customer and an Agent below, analyze the call and
produce the structured JSON result.

In addition to the summary, intent, sentiment and resolution fields, also extract:
- A list of key phrases that highlight problems or issues mentioned by the customer.
- A list of key phrases that highlight resolutions or solutions provided by the agent.
- A list of key phrases that might require further human review or investigation.

Conversation:
` + FormatTranscript(entries)
}
