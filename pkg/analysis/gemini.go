package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/vai-call/pkg/live/transcript"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiConfig selects the Gemini backend. Setting Project uses Vertex AI;
// otherwise APIKey is used against the Gemini API.
type GeminiConfig struct {
	APIKey   string
	Project  string
	Location string
	Model    string
}

type generateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error)

// GeminiAnalyzer analyzes transcripts directly with a Gemini model, without
// an analysis server.
type GeminiAnalyzer struct {
	model    string
	generate generateFunc
}

func NewGeminiAnalyzer(ctx context.Context, cfg GeminiConfig) (*GeminiAnalyzer, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Project != "" {
		clientCfg = &genai.ClientConfig{
			Project:  cfg.Project,
			Location: cfg.Location,
			Backend:  genai.BackendVertexAI,
		}
	} else if cfg.APIKey == "" {
		return nil, errors.New("gemini analyzer requires an API key or a project")
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiAnalyzer{
		model: model,
		generate: func(ctx context.Context, model string, contents []*genai.Content, gcfg *genai.GenerateContentConfig) (string, error) {
			res, err := client.Models.GenerateContent(ctx, model, contents, gcfg)
			if err != nil {
				return "", err
			}
			return res.Text(), nil
		},
	}, nil
}

func (g *GeminiAnalyzer) Analyze(ctx context.Context, entries []transcript.Entry) (*Analytics, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyTranscript
	}

	temp := float32(0.3)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText("You are an AI assistant.", genai.RoleUser),
		Temperature:       &temp,
		ResponseMIMEType:  "application/json",
		ResponseSchema:    analyticsSchema(),
	}
	contents := []*genai.Content{genai.NewContentFromText(Prompt(entries), genai.RoleUser)}

	text, err := g.generate(ctx, g.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("gemini returned empty text")
	}

	var out Analytics
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("failed to parse analysis JSON: %w", err)
	}
	return &out, nil
}

func analyticsSchema() *genai.Schema {
	str := func(desc string) *genai.Schema { return &genai.Schema{Type: genai.TypeString, Description: desc} }
	num := func(desc string) *genai.Schema { return &genai.Schema{Type: genai.TypeNumber, Description: desc} }
	list := func(desc string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}, Description: desc}
	}

	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"callSummary": str("A brief summary of the call."),
			"customerIntent": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"mainIntent":       str("Primary reason the customer contacted support."),
					"secondaryIntents": list("Any secondary reasons or requests."),
				},
				Required: []string{"mainIntent", "secondaryIntents"},
			},
			"sentiment": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"customerSentimentLabel": str(""),
					"customerSentimentScore": num(""),
					"agentSentimentLabel":    str(""),
					"agentSentimentScore":    num(""),
				},
				Required: []string{"customerSentimentLabel", "customerSentimentScore", "agentSentimentLabel", "agentSentimentScore"},
			},
			"keyTopics":        list(""),
			"callResolution":   str("resolved, unresolved, or pending follow-up."),
			"compliance":       str("Compliance status or 'unknown'."),
			"escalation":       str("yes/no if the call was escalated."),
			"complexityScore":  num("Complexity 1-10"),
			"intentConfidence": num("Confidence 1-10 in identifying main intent."),
			"keyPhrases": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"problems":    list("Key phrases that highlight customer-reported problems or issues."),
					"resolutions": list("Key phrases indicating resolutions or solutions provided."),
					"needsReview": list("Key phrases that might require human review or follow-up."),
				},
				Required: []string{"problems", "resolutions", "needsReview"},
			},
		},
		Required: []string{
			"callSummary", "customerIntent", "sentiment",
			"keyTopics", "callResolution", "compliance",
			"escalation", "complexityScore", "intentConfidence",
			"keyPhrases",
		},
	}
}
