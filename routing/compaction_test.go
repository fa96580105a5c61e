package routing

import (
	"context"
	"strings"
	"testing"
)

func TestCompact_PromptCarriesPriorLayersAndNumberedTurns(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{responses: []CallResult{{Text: "  users settled on the cheaper hotel  "}}}
	r := CompactionRouter{Caller: caller}

	layer, err := r.Compact(context.Background(), CompactionInput{
		TopicLabel:       "Hotels",
		TopicDescription: "lodging decisions",
		Messages: []Message{
			{Role: RoleUser, Content: "which hotel?"},
			{Role: RoleAssistant, Content: "the cheaper one near the station"},
		},
		PriorLayers: []string{"layer one summary", "layer two summary"},
	})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if layer.Summary != "users settled on the cheaper hotel" {
		t.Fatalf("Summary=%q, want trimmed model output", layer.Summary)
	}

	p := caller.lastParams
	if p.Model != string(ModelOSS20B) {
		t.Fatalf("Model=%q, want default gpt-oss-20b", p.Model)
	}
	if p.Temperature != 0.2 || p.EnforceJSON {
		t.Fatalf("params=%+v, want temperature 0.2 and free-form text", p)
	}
	user := p.Messages[1].Content
	if !strings.Contains(user, "Topic: Hotels (lodging decisions)") {
		t.Fatalf("prompt lacks the topic header: %q", user)
	}
	if !strings.Contains(user, "layer one summary\n\nlayer two summary") {
		t.Fatalf("prompt lacks joined prior layers: %q", user)
	}
	if !strings.Contains(user, "1. user: which hotel?") || !strings.Contains(user, "2. assistant: the cheaper one near the station") {
		t.Fatalf("prompt lacks numbered turns: %q", user)
	}
}

func TestCompact_NoPriorLayersSaysNone(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{responses: []CallResult{{Text: "summary"}}}
	r := CompactionRouter{Caller: caller}

	if _, err := r.Compact(context.Background(), CompactionInput{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !strings.Contains(caller.lastParams.Messages[1].Content, "Previous layer summaries:\nNone") {
		t.Fatalf("prompt=%q, want explicit None", caller.lastParams.Messages[1].Content)
	}
}

func TestCompact_TokenRangeCoversWindow(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{responses: []CallResult{{Text: "summary"}}}
	r := CompactionRouter{Caller: caller}

	layer, err := r.Compact(context.Background(), CompactionInput{
		Messages: []Message{
			{Role: RoleUser, Content: strings.Repeat("a", 40)},
			{Role: RoleAssistant, Content: strings.Repeat("b", 80)},
		},
	})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if layer.Tokens.Start != 0 {
		t.Fatalf("Tokens.Start=%d, want 0", layer.Tokens.Start)
	}
	if layer.Tokens.End != 30 {
		t.Fatalf("Tokens.End=%d, want 30", layer.Tokens.End)
	}
}

func TestCompact_EmptyModelOutputIsAnError(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{responses: []CallResult{{Text: "   "}}}
	r := CompactionRouter{Caller: caller}

	if _, err := r.Compact(context.Background(), CompactionInput{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}); err == nil {
		t.Fatalf("want error on empty summary")
	}
}

func TestCompact_NoMessagesIsAnError(t *testing.T) {
	t.Parallel()

	r := CompactionRouter{Caller: &fakeCaller{}}
	if _, err := r.Compact(context.Background(), CompactionInput{}); err == nil {
		t.Fatalf("want error on empty window")
	}
}
