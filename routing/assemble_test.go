package routing

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"
)

type fakeStore struct {
	topics        map[string]Topic
	messages      map[string][]Message // keyed by topic id
	recent        map[string][]Message // keyed by conversation id
	artifacts     map[string]Artifact
	conversations map[string]ConversationMeta
}

func (s *fakeStore) TopicsByIDs(_ context.Context, ids []string) ([]Topic, error) {
	var out []Topic
	for _, id := range ids {
		if t, ok := s.topics[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) TopicByID(_ context.Context, id string) (*Topic, error) {
	if t, ok := s.topics[id]; ok {
		return &t, nil
	}
	return nil, nil
}

func (s *fakeStore) TopicMessages(_ context.Context, _, topicID string) ([]Message, error) {
	return s.messages[topicID], nil
}

func (s *fakeStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]Message, error) {
	msgs := s.recent[conversationID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *fakeStore) ArtifactsByIDs(_ context.Context, ids []string) ([]Artifact, error) {
	var out []Artifact
	for _, id := range ids {
		if a, ok := s.artifacts[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) ConversationMeta(_ context.Context, ids []string) (map[string]ConversationMeta, error) {
	out := make(map[string]ConversationMeta)
	for _, id := range ids {
		if m, ok := s.conversations[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

func at(minute int) time.Time {
	return time.Date(2026, 3, 1, 10, minute, 0, 0, time.UTC)
}

func msg(id, conv, topic string, role Role, content string, minute int) Message {
	return Message{ID: id, ConversationID: conv, TopicID: topic, Role: role, Content: content, CreatedAt: at(minute)}
}

func newStore() *fakeStore {
	return &fakeStore{
		topics:        map[string]Topic{},
		messages:      map[string][]Message{},
		recent:        map[string][]Message{},
		artifacts:     map[string]Artifact{},
		conversations: map[string]ConversationMeta{},
	}
}

func TestBuild_NoPrimaryTopicFallsBack(t *testing.T) {
	t.Parallel()

	store := newStore()
	store.recent["conv-1"] = []Message{
		msg("m1", "conv-1", "", RoleUser, "hello there", 1),
		msg("m2", "conv-1", "", RoleAssistant, "hi", 2),
	}
	a := ContextAssembler{Store: store}

	res, err := a.Build(context.Background(), BuildParams{
		ConversationID: "conv-1",
		Decision:       RouterDecision{TopicAction: ActionNew},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Source != SourceFallback {
		t.Fatalf("Source=%q, want fallback", res.Source)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("messages=%d, want 2", len(res.Messages))
	}
	if !reflect.DeepEqual(res.IncludedMessageIDs, []string{"m1", "m2"}) {
		t.Fatalf("IncludedMessageIDs=%v", res.IncludedMessageIDs)
	}
	if len(res.IncludedTopicIDs) != 0 {
		t.Fatalf("IncludedTopicIDs=%v, want empty", res.IncludedTopicIDs)
	}
}

func TestBuild_FallbackWithNoHistoryIsEmpty(t *testing.T) {
	t.Parallel()

	a := ContextAssembler{Store: newStore()}
	res, err := a.Build(context.Background(), BuildParams{
		ConversationID: "conv-1",
		Decision:       RouterDecision{TopicAction: ActionNew},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Source != SourceFallback || len(res.Messages) != 0 {
		t.Fatalf("Source=%q messages=%d, want empty fallback", res.Source, len(res.Messages))
	}
}

func TestBuild_EmptyTopicPoolFallsBackToRecentHistory(t *testing.T) {
	t.Parallel()

	store := newStore()
	store.topics["topic-a"] = Topic{ID: "topic-a", ConversationID: "conv-1", Label: "Plans"}
	store.recent["conv-1"] = []Message{
		msg("m1", "conv-1", "", RoleUser, "anything new?", 1),
		msg("m2", "conv-1", "", RoleAssistant, "not yet", 2),
	}
	a := ContextAssembler{Store: store}

	res, err := a.Build(context.Background(), BuildParams{
		ConversationID: "conv-1",
		Decision:       RouterDecision{TopicAction: ActionContinueActive, PrimaryTopicID: "topic-a"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Source != SourceFallback {
		t.Fatalf("Source=%q, want fallback for a topic with nothing to contribute", res.Source)
	}
	if !reflect.DeepEqual(res.IncludedMessageIDs, []string{"m1", "m2"}) {
		t.Fatalf("IncludedMessageIDs=%v", res.IncludedMessageIDs)
	}
	if !reflect.DeepEqual(res.IncludedTopicIDs, []string{"topic-a"}) {
		t.Fatalf("IncludedTopicIDs=%v, want the resolved topic recorded", res.IncludedTopicIDs)
	}
	if res.SummaryCount != 0 || res.ArtifactCount != 0 {
		t.Fatalf("SummaryCount=%d ArtifactCount=%d, want zero", res.SummaryCount, res.ArtifactCount)
	}
}

func TestBuild_FullModeKeepsVerbatimDropsSummary(t *testing.T) {
	t.Parallel()

	store := newStore()
	store.topics["topic-a"] = Topic{ID: "topic-a", ConversationID: "conv-1", Label: "Plans", Summary: "earlier planning notes"}
	store.messages["topic-a"] = []Message{
		msg("m1", "conv-1", "topic-a", RoleUser, "shall we book the flights", 1),
		msg("m2", "conv-1", "topic-a", RoleAssistant, "yes, tuesday is cheapest", 2),
	}
	a := ContextAssembler{Store: store}

	res, err := a.Build(context.Background(), BuildParams{
		ConversationID: "conv-1",
		Decision:       RouterDecision{TopicAction: ActionContinueActive, PrimaryTopicID: "topic-a"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Source != SourceTopic {
		t.Fatalf("Source=%q, want topic", res.Source)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("messages=%d, want 2 verbatim and no summary", len(res.Messages))
	}
	if res.SummaryCount != 0 {
		t.Fatalf("SummaryCount=%d, want 0 in full mode", res.SummaryCount)
	}
	if !reflect.DeepEqual(res.IncludedTopicIDs, []string{"topic-a"}) {
		t.Fatalf("IncludedTopicIDs=%v", res.IncludedTopicIDs)
	}
}

func TestBuild_CompactedTopicContributesSummaryOnly(t *testing.T) {
	t.Parallel()

	store := newStore()
	store.topics["topic-a"] = Topic{
		ID: "topic-a", ConversationID: "conv-1", Label: "Plans",
		Summary:    "we agreed on tuesday flights",
		Compaction: &CompactionRecord{LastCompactionAt: at(0), LayerCount: 1},
	}
	store.messages["topic-a"] = []Message{
		msg("m1", "conv-1", "topic-a", RoleUser, "shall we book the flights", 1),
		msg("m2", "conv-1", "topic-a", RoleAssistant, "yes, tuesday is cheapest", 2),
	}
	a := ContextAssembler{Store: store}

	res, err := a.Build(context.Background(), BuildParams{
		ConversationID: "conv-1",
		Decision:       RouterDecision{TopicAction: ActionContinueActive, PrimaryTopicID: "topic-a"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(res.IncludedMessageIDs) != 0 {
		t.Fatalf("IncludedMessageIDs=%v, want none for a compacted topic", res.IncludedMessageIDs)
	}
	if res.SummaryCount != 1 || len(res.Messages) != 1 {
		t.Fatalf("SummaryCount=%d messages=%d, want the summary alone", res.SummaryCount, len(res.Messages))
	}
	want := "[Topic summary: Plans from this chat] we agreed on tuesday flights"
	if res.Messages[0].Content != want {
		t.Fatalf("summary=%q, want %q", res.Messages[0].Content, want)
	}
}

func TestBuild_SummaryModeTrimsOldestFirst(t *testing.T) {
	t.Parallel()

	store := newStore()
	store.topics["topic-a"] = Topic{ID: "topic-a", ConversationID: "conv-1", Label: "Plans"}
	// Each message is 40 chars, 10 estimated tokens.
	store.messages["topic-a"] = []Message{
		msg("m1", "conv-1", "topic-a", RoleUser, strings.Repeat("a", 40), 1),
		msg("m2", "conv-1", "topic-a", RoleAssistant, strings.Repeat("b", 40), 2),
		msg("m3", "conv-1", "topic-a", RoleUser, strings.Repeat("c", 40), 3),
	}
	a := ContextAssembler{Store: store}

	res, err := a.Build(context.Background(), BuildParams{
		ConversationID:   "conv-1",
		Decision:         RouterDecision{TopicAction: ActionContinueActive, PrimaryTopicID: "topic-a"},
		MaxContextTokens: 20,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !reflect.DeepEqual(res.IncludedMessageIDs, []string{"m2", "m3"}) {
		t.Fatalf("IncludedMessageIDs=%v, want newest two", res.IncludedMessageIDs)
	}
	if res.Debug == nil || res.Debug.TrimmedMessageCount != 1 {
		t.Fatalf("Debug=%+v, want 1 trimmed", res.Debug)
	}
}

func TestBuild_ManualOverrideWinsAndTagsSource(t *testing.T) {
	t.Parallel()

	store := newStore()
	store.topics["topic-a"] = Topic{ID: "topic-a", ConversationID: "conv-1", Label: "Plans"}
	store.topics["topic-b"] = Topic{ID: "topic-b", ConversationID: "conv-1", Label: "Budget"}
	store.messages["topic-b"] = []Message{
		msg("m1", "conv-1", "topic-b", RoleUser, "how much is left", 1),
	}
	a := ContextAssembler{Store: store}

	res, err := a.Build(context.Background(), BuildParams{
		ConversationID: "conv-1",
		Decision:       RouterDecision{TopicAction: ActionContinueActive, PrimaryTopicID: "topic-a"},
		ManualTopicIDs: []string{"topic-b"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Source != SourceManual {
		t.Fatalf("Source=%q, want manual", res.Source)
	}
	if !reflect.DeepEqual(res.IncludedTopicIDs, []string{"topic-b"}) {
		t.Fatalf("IncludedTopicIDs=%v, want the manual topic only", res.IncludedTopicIDs)
	}
}

func TestBuild_CrossChatPrimaryOverLimitFallsBackWithNotice(t *testing.T) {
	t.Parallel()

	store := newStore()
	store.topics["topic-x"] = Topic{
		ID: "topic-x", ConversationID: "conv-2", Label: "Huge research",
		TokenEstimate: 250_000,
	}
	store.conversations["conv-2"] = ConversationMeta{ID: "conv-2", Title: "Research", ProjectName: "Atlas"}
	store.recent["conv-1"] = []Message{
		msg("m1", "conv-1", "", RoleUser, "hello", 1),
	}
	a := ContextAssembler{Store: store}

	res, err := a.Build(context.Background(), BuildParams{
		ConversationID: "conv-1",
		Decision:       RouterDecision{TopicAction: ActionReopenExisting, PrimaryTopicID: "topic-x"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Source != SourceFallback {
		t.Fatalf("Source=%q, want fallback", res.Source)
	}
	if res.SummaryCount != 1 {
		t.Fatalf("SummaryCount=%d, want the blocked notice", res.SummaryCount)
	}
	notice := res.Messages[0].Content
	if !strings.Contains(notice, "Huge research") || !strings.Contains(notice, "Research in project Atlas") {
		t.Fatalf("notice=%q, want topic label and origin", notice)
	}
	if !strings.Contains(notice, "Inform the user") {
		t.Fatalf("notice=%q, want the user-facing instruction", notice)
	}
}

func TestBuild_CrossChatSecondaryOverLimitDroppedWithNotice(t *testing.T) {
	t.Parallel()

	store := newStore()
	store.topics["topic-a"] = Topic{ID: "topic-a", ConversationID: "conv-1", Label: "Plans"}
	store.topics["topic-big"] = Topic{
		ID: "topic-big", ConversationID: "conv-2", Label: "Archive",
		TokenEstimate: 300_000,
	}
	store.messages["topic-a"] = []Message{
		msg("m1", "conv-1", "topic-a", RoleUser, "where were we", 1),
	}
	a := ContextAssembler{Store: store}

	res, err := a.Build(context.Background(), BuildParams{
		ConversationID: "conv-1",
		Decision: RouterDecision{
			TopicAction:       ActionContinueActive,
			PrimaryTopicID:    "topic-a",
			SecondaryTopicIDs: []string{"topic-big"},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Source != SourceTopic {
		t.Fatalf("Source=%q, want topic", res.Source)
	}
	var noticed bool
	for _, m := range res.Messages {
		if strings.Contains(m.Content, "Archive") && strings.Contains(m.Content, "200k") {
			noticed = true
		}
	}
	if !noticed {
		t.Fatalf("messages lack the blocked-secondary notice: %+v", res.Messages)
	}
	for _, id := range res.IncludedTopicIDs {
		if id == "topic-big" {
			t.Fatalf("blocked topic must not be included: %v", res.IncludedTopicIDs)
		}
	}
}

func TestBuild_CrossChatPrimaryUnderLimitGetsContextNotice(t *testing.T) {
	t.Parallel()

	store := newStore()
	store.topics["topic-x"] = Topic{ID: "topic-x", ConversationID: "conv-2", Label: "Notes", TokenEstimate: 500}
	store.conversations["conv-2"] = ConversationMeta{ID: "conv-2", Title: "Scratchpad"}
	store.messages["topic-x"] = []Message{
		msg("m1", "conv-2", "topic-x", RoleUser, "remember the budget cap", 1),
	}
	a := ContextAssembler{Store: store}

	res, err := a.Build(context.Background(), BuildParams{
		ConversationID: "conv-1",
		Decision:       RouterDecision{TopicAction: ActionReopenExisting, PrimaryTopicID: "topic-x"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(res.Messages) < 2 {
		t.Fatalf("messages=%d, want notice plus verbatim", len(res.Messages))
	}
	if !strings.Contains(res.Messages[0].Content, "[Cross-chat context]") {
		t.Fatalf("first message=%q, want the cross-chat notice", res.Messages[0].Content)
	}
	if !strings.Contains(res.Messages[0].Content, "Scratchpad") {
		t.Fatalf("notice=%q, want the origin title", res.Messages[0].Content)
	}
	if !strings.Contains(res.Messages[1].Content, "[From Scratchpad]") {
		t.Fatalf("borrowed message=%q, want origin label", res.Messages[1].Content)
	}
}

func TestBuild_SecondarySummaryCarriesTailSnippets(t *testing.T) {
	t.Parallel()

	store := newStore()
	store.topics["topic-a"] = Topic{ID: "topic-a", ConversationID: "conv-1", Label: "Plans"}
	store.topics["topic-b"] = Topic{
		ID: "topic-b", ConversationID: "conv-1", Label: "Budget",
		Summary:    "spending limits agreed",
		Compaction: &CompactionRecord{LastCompactionAt: at(0), LayerCount: 1},
	}
	store.messages["topic-a"] = []Message{
		msg("m1", "conv-1", "topic-a", RoleUser, "back to planning", 5),
	}
	store.messages["topic-b"] = []Message{
		msg("b1", "conv-1", "topic-b", RoleUser, "first", 1),
		msg("b2", "conv-1", "topic-b", RoleAssistant, "second", 2),
		msg("b3", "conv-1", "topic-b", RoleUser, "third", 3),
		msg("b4", "conv-1", "topic-b", RoleAssistant, "fourth", 4),
	}
	a := ContextAssembler{Store: store}

	res, err := a.Build(context.Background(), BuildParams{
		ConversationID: "conv-1",
		Decision: RouterDecision{
			TopicAction:       ActionContinueActive,
			PrimaryTopicID:    "topic-a",
			SecondaryTopicIDs: []string{"topic-b"},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var ref string
	for _, m := range res.Messages {
		if strings.HasPrefix(m.Content, "[Reference summary: Budget") {
			ref = m.Content
		}
	}
	if ref == "" {
		t.Fatalf("no reference summary for topic-b in %+v", res.Messages)
	}
	if !strings.Contains(ref, "spending limits agreed") {
		t.Fatalf("reference summary lacks stored summary: %q", ref)
	}
	if !strings.Contains(ref, "Recent notes: Assistant: second | User: third | Assistant: fourth") {
		t.Fatalf("reference summary lacks the trailing digest: %q", ref)
	}
	if strings.Contains(ref, "first") {
		t.Fatalf("digest should only hold the last %d messages: %q", secondaryTopicTail, ref)
	}
}

func TestBuild_OrderingVerbatimBeforeSummaryBlock(t *testing.T) {
	t.Parallel()

	store := newStore()
	store.topics["topic-a"] = Topic{
		ID: "topic-a", ConversationID: "conv-1", Label: "Plans",
		Summary:    "compacted planning notes",
		Compaction: &CompactionRecord{LastCompactionAt: at(0), LayerCount: 1},
	}
	store.topics["topic-b"] = Topic{ID: "topic-b", ConversationID: "conv-1", Label: "Budget"}
	store.messages["topic-b"] = []Message{
		msg("b1", "conv-1", "topic-b", RoleUser, "what about the budget", 1),
	}
	a := ContextAssembler{Store: store}

	res, err := a.Build(context.Background(), BuildParams{
		ConversationID: "conv-1",
		Decision: RouterDecision{
			TopicAction:       ActionContinueActive,
			PrimaryTopicID:    "topic-a",
			SecondaryTopicIDs: []string{"topic-b"},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	verbatimIdx, summaryIdx := -1, -1
	for i, m := range res.Messages {
		if strings.Contains(m.Content, "what about the budget") {
			verbatimIdx = i
		}
		if strings.HasPrefix(m.Content, "[Topic summary:") {
			summaryIdx = i
		}
	}
	if verbatimIdx == -1 || summaryIdx == -1 {
		t.Fatalf("missing verbatim or summary entry: %+v", res.Messages)
	}
	if verbatimIdx > summaryIdx {
		t.Fatalf("verbatim (idx %d) must precede summaries (idx %d)", verbatimIdx, summaryIdx)
	}
}

func TestBuild_ArtifactsGreedyWithinAllowance(t *testing.T) {
	t.Parallel()

	store := newStore()
	store.topics["topic-a"] = Topic{ID: "topic-a", ConversationID: "conv-1", Label: "Plans"}
	store.messages["topic-a"] = []Message{
		msg("m1", "conv-1", "topic-a", RoleUser, "show the docs", 1),
	}
	// Allowance is budget/5 = 20 tokens. big is 50 tokens and is skipped;
	// small (5 tokens) still fits afterwards.
	store.artifacts["big"] = Artifact{ID: "big", ConversationID: "conv-1", TopicID: "topic-a", Type: "document", Title: "Big", Snippet: strings.Repeat("x", 200)}
	store.artifacts["small"] = Artifact{ID: "small", ConversationID: "conv-1", Type: "note", Title: "Small", Snippet: strings.Repeat("y", 20)}
	a := ContextAssembler{Store: store}

	res, err := a.Build(context.Background(), BuildParams{
		ConversationID:   "conv-1",
		Decision:         RouterDecision{TopicAction: ActionContinueActive, PrimaryTopicID: "topic-a", ArtifactsToLoad: []string{"big", "small"}},
		MaxContextTokens: 100,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.ArtifactCount != 1 {
		t.Fatalf("ArtifactCount=%d, want 1 (oversized artifact skipped)", res.ArtifactCount)
	}
	var found bool
	for _, m := range res.Messages {
		if strings.HasPrefix(m.Content, "[Artifact: Small (note)]") {
			found = true
		}
		if strings.Contains(m.Content, "[Artifact: Big") {
			t.Fatalf("oversized artifact leaked into context: %q", m.Content)
		}
	}
	if !found {
		t.Fatalf("small artifact missing from context: %+v", res.Messages)
	}
}

func TestBuild_WebSearchSummariesCappedAtThreeMostRecent(t *testing.T) {
	t.Parallel()

	store := newStore()
	store.topics["topic-a"] = Topic{ID: "topic-a", ConversationID: "conv-1", Label: "Plans"}
	var msgs []Message
	for i := 1; i <= 5; i++ {
		m := msg("m"+string(rune('0'+i)), "conv-1", "topic-a", RoleAssistant, "reply", i)
		m.Metadata = map[string]any{
			"webSearchSummary":        "digest " + string(rune('0'+i)),
			"webSearchSummaryQueries": []any{"query " + string(rune('0'+i))},
		}
		msgs = append(msgs, m)
	}
	store.messages["topic-a"] = msgs
	a := ContextAssembler{Store: store}

	res, err := a.Build(context.Background(), BuildParams{
		ConversationID: "conv-1",
		Decision:       RouterDecision{TopicAction: ActionContinueActive, PrimaryTopicID: "topic-a"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var digests []string
	for _, m := range res.Messages {
		if strings.Contains(m.Content, "Web search summary") {
			digests = append(digests, m.Content)
		}
	}
	if len(digests) != maxWebSearchSummaries {
		t.Fatalf("digests=%d, want %d", len(digests), maxWebSearchSummaries)
	}
	for _, d := range digests {
		if strings.Contains(d, "digest 1") || strings.Contains(d, "digest 2") {
			t.Fatalf("oldest digests should be dropped: %q", d)
		}
	}
}

func TestBuild_Deterministic(t *testing.T) {
	t.Parallel()

	store := newStore()
	store.topics["topic-a"] = Topic{ID: "topic-a", ConversationID: "conv-1", Label: "Plans", Summary: "notes"}
	store.topics["topic-b"] = Topic{ID: "topic-b", ConversationID: "conv-1", Label: "Budget", Summary: "limits"}
	store.messages["topic-a"] = []Message{
		msg("a1", "conv-1", "topic-a", RoleUser, "one", 1),
		msg("a2", "conv-1", "topic-a", RoleAssistant, "two", 3),
	}
	store.messages["topic-b"] = []Message{
		msg("b1", "conv-1", "topic-b", RoleUser, "three", 2),
	}
	a := ContextAssembler{Store: store}
	params := BuildParams{
		ConversationID: "conv-1",
		Decision: RouterDecision{
			TopicAction:       ActionContinueActive,
			PrimaryTopicID:    "topic-a",
			SecondaryTopicIDs: []string{"topic-b"},
		},
	}

	first, err := a.Build(context.Background(), params)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := a.Build(context.Background(), params)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs:\nfirst=%+v\nagain=%+v", i, first, again)
		}
	}
}

func TestBuild_BudgetNeverExceeded(t *testing.T) {
	t.Parallel()

	store := newStore()
	store.topics["topic-a"] = Topic{ID: "topic-a", ConversationID: "conv-1", Label: "Plans", Summary: strings.Repeat("s", 80)}
	var msgs []Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs, msg("m"+string(rune('a'+i)), "conv-1", "topic-a", RoleUser, strings.Repeat("x", 100), i))
	}
	store.messages["topic-a"] = msgs
	a := ContextAssembler{Store: store}

	const budget = 120
	res, err := a.Build(context.Background(), BuildParams{
		ConversationID:   "conv-1",
		Decision:         RouterDecision{TopicAction: ActionContinueActive, PrimaryTopicID: "topic-a"},
		MaxContextTokens: budget,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	total := 0
	est := CharEstimator{}
	for _, m := range res.Messages {
		total += est.Estimate(m.Content)
	}
	if total > budget {
		t.Fatalf("assembled context is %d tokens, budget %d", total, budget)
	}
	if len(res.Messages) == 0 {
		t.Fatalf("context should not be empty under a positive budget")
	}
}

func TestBuild_PrefetchedTopicsSkipReload(t *testing.T) {
	t.Parallel()

	store := newStore()
	store.messages["topic-a"] = []Message{
		msg("m1", "conv-1", "topic-a", RoleUser, "hello", 1),
	}
	// topic-a exists only in the prefetched set, not in the store.
	a := ContextAssembler{Store: store}

	res, err := a.Build(context.Background(), BuildParams{
		ConversationID:   "conv-1",
		Decision:         RouterDecision{TopicAction: ActionContinueActive, PrimaryTopicID: "topic-a"},
		PrefetchedTopics: []Topic{{ID: "topic-a", ConversationID: "conv-1", Label: "Plans"}},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Source != SourceTopic {
		t.Fatalf("Source=%q, want topic via the prefetched row", res.Source)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("messages=%d, want 1", len(res.Messages))
	}
}

func TestDefaultSanitizer_StripsUIBlocks(t *testing.T) {
	t.Parallel()

	m := Message{Content: "before [[ui: spinner state ]] after"}
	if got := DefaultSanitizer(m); got != "before  after" {
		t.Fatalf("got %q", got)
	}
}
