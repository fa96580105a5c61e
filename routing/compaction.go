package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const compactionSystemPrompt = `You summarize conversation turns for long-term topic memory. You will be shown the summaries of previous conversation layers, then a numbered list of new turns. Summarize ONLY the new turns, in the context of what came before. Do not restate the previous summaries.

Instructions:
- Capture the key points, decisions, and outcomes of the new turns.
- Preserve user preferences, constraints, and corrections exactly.
- Keep enough context that a future turn can pick up where these left off.
- Be concise. A few short paragraphs at most.
- Output plain text only. No JSON, no markdown, no headings.`

// TokenRange is the span of estimated tokens a compaction layer covers.
type TokenRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// CompactionLayer is one produced summary layer.
type CompactionLayer struct {
	Summary string     `json:"summary"`
	Tokens  TokenRange `json:"tokens"`
}

// CompactionInput is one compaction request: the messages to fold plus the
// summaries of layers already produced for the topic.
type CompactionInput struct {
	TopicLabel       string
	TopicDescription string
	Messages         []Message
	PriorLayers      []string
	Model            Model
	ExtraGuidance    string
}

// CompactionRouter folds a window of topic messages into a summary layer via
// an LLM call. Unlike the decision router it has no silent fallback: a
// failed compaction must surface, or the topic would silently lose history.
type CompactionRouter struct {
	Caller    Caller
	Estimator TokenEstimator
}

// Compact produces one summary layer for the given window.
func (r *CompactionRouter) Compact(ctx context.Context, input CompactionInput) (CompactionLayer, error) {
	if r.Caller == nil {
		return CompactionLayer{}, errors.New("Compact: caller is nil")
	}
	if len(input.Messages) == 0 {
		return CompactionLayer{}, errors.New("Compact: no messages to compact")
	}
	model := input.Model
	if model == "" || model == ModelAuto {
		model = ModelOSS20B
	}

	prior := "None"
	if len(input.PriorLayers) > 0 {
		prior = strings.Join(input.PriorLayers, "\n\n")
	}

	var b strings.Builder
	if l := strings.TrimSpace(input.TopicLabel); l != "" {
		b.WriteString("Topic: ")
		b.WriteString(l)
		if d := strings.TrimSpace(input.TopicDescription); d != "" {
			b.WriteString(" (")
			b.WriteString(d)
			b.WriteString(")")
		}
		b.WriteString("\n\n")
	}
	b.WriteString("Previous layer summaries:\n")
	b.WriteString(prior)
	b.WriteString("\n\nNew turns to summarize:\n")
	for i, m := range input.Messages {
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, m.Role, m.Content)
	}
	if g := strings.TrimSpace(input.ExtraGuidance); g != "" {
		b.WriteString("\nAdditional guidance:\n")
		b.WriteString(g)
		b.WriteString("\n")
	}

	result, err := r.Caller.Call(ctx, CallParams{
		Messages: []ChatMessage{
			{Role: RoleSystem, Content: compactionSystemPrompt},
			{Role: RoleUser, Content: b.String()},
		},
		Model:       string(model),
		Temperature: 0.2,
	})
	if err != nil {
		return CompactionLayer{}, fmt.Errorf("Compact: model call failed: %w", err)
	}
	summary := strings.TrimSpace(result.Text)
	if summary == "" {
		return CompactionLayer{}, errors.New("Compact: model returned an empty summary")
	}

	end := 0
	for _, m := range input.Messages {
		end += r.estimate(m.Content)
	}
	// Start stays 0: layers record their own size, and offsets are derived
	// by the caller that stacks them.
	return CompactionLayer{
		Summary: summary,
		Tokens:  TokenRange{Start: 0, End: end},
	}, nil
}

func (r *CompactionRouter) estimate(text string) int {
	if r.Estimator != nil {
		return r.Estimator.Estimate(text)
	}
	return CharEstimator{}.Estimate(text)
}
