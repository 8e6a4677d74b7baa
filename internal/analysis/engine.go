package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/dealsync/internal/ollama"
	"github.com/kalambet/dealsync/internal/storage"
)

const defaultAnalysisTimeout = 2 * time.Minute

// Insights is what an engine extracts from one transcript.
type Insights struct {
	PainPoints   []string `json:"pain_points"`
	NextSteps    []string `json:"next_steps"`
	GreenFlags   []string `json:"green_flags"`
	RedFlags     []string `json:"red_flags"`
	QualityScore float64  `json:"meeting_quality_score"`
}

// Engine turns a transcript into insights.
type Engine interface {
	Analyze(ctx context.Context, t storage.Transcript) (Insights, error)
	Model() string
}

// OllamaChatter is the interface for chat completion via Ollama.
type OllamaChatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// OllamaEngine asks a local model for structured insights.
type OllamaEngine struct {
	client  OllamaChatter
	model   string
	timeout time.Duration
}

// NewOllamaEngine creates an engine using the given chat client and model.
func NewOllamaEngine(client OllamaChatter, model string) *OllamaEngine {
	return &OllamaEngine{client: client, model: model, timeout: defaultAnalysisTimeout}
}

func (e *OllamaEngine) Model() string { return e.model }

// Analyze sends the transcript to the model with the insights schema and
// decodes the answer. A bad answer is an error; the caller must not store
// an empty analysis.
func (e *OllamaEngine) Analyze(ctx context.Context, t storage.Transcript) (Insights, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.client.Chat(ctx, e.model, BuildPrompt(t), insightsSchema())
	if err != nil {
		return Insights{}, fmt.Errorf("analysis chat: %w", err)
	}

	var in Insights
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &in); err != nil {
		return Insights{}, fmt.Errorf("decoding analysis response: %w", err)
	}
	return normalize(in), nil
}

func insightsSchema() *ollama.Schema {
	str := &ollama.SchemaProperty{Type: "string"}
	lo, hi := 0.0, 10.0
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"pain_points":           {Type: "array", Items: str, Description: "Problems the customer described"},
			"next_steps":            {Type: "array", Items: str, Description: "Commitments and agreed follow-ups"},
			"green_flags":           {Type: "array", Items: str, Description: "Buying signals"},
			"red_flags":             {Type: "array", Items: str, Description: "Risks, objections or blockers"},
			"meeting_quality_score": {Type: "number", Minimum: &lo, Maximum: &hi, Description: "0 (wasted) to 10 (decisive)"},
		},
		Required: []string{"pain_points", "next_steps", "green_flags", "red_flags", "meeting_quality_score"},
	}
}

// normalize trims and de-duplicates list entries and clamps the score.
func normalize(in Insights) Insights {
	in.PainPoints = cleanList(in.PainPoints)
	in.NextSteps = cleanList(in.NextSteps)
	in.GreenFlags = cleanList(in.GreenFlags)
	in.RedFlags = cleanList(in.RedFlags)
	switch {
	case in.QualityScore < 0:
		in.QualityScore = 0
	case in.QualityScore > 10:
		in.QualityScore = 10
	}
	return in
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, s := range items {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}
