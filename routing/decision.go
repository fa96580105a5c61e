package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TopicCandidate is a topic offered to the decision router, annotated with
// the title of its owning conversation when it comes from another chat.
type TopicCandidate struct {
	Topic
	ConversationTitle string `json:"conversation_title,omitempty"`
}

// DecisionInput is everything the decision router sees for one turn.
type DecisionInput struct {
	UserMessage     string
	RecentMessages  []Message // only the trailing few are used
	ActiveTopicID   string
	ConversationID  string
	ModelPreference Model // ModelAuto or a forced model
	Topics          []TopicCandidate
	Artifacts       []Artifact
	Memories        []MemorySnippet
}

// DecisionRouter classifies each incoming message against active/past topics
// and chooses a generation model. Run never returns an error: any classifier
// failure degrades to a deterministic policy.
type DecisionRouter struct {
	Caller   Caller
	Recorder *SampleRecorder // optional; decision samples for offline review
	Model    string          // classifier model; defaults to gpt-oss-20b
	Disabled bool            // skip the classifier and always use the deterministic policy
}

const (
	maxRecentMessages   = 6
	maxMemoriesInPrompt = 30
	maxReasonLength     = 80
	routerAttempts      = 2
)

type routerLabels struct {
	TopicAction       string   `json:"topicAction" jsonschema:"enum=continue_active,enum=new,enum=reopen_existing"`
	PrimaryTopicID    string   `json:"primaryTopicId"`
	SecondaryTopicIDs []string `json:"secondaryTopicIds"`
	NewParentTopicID  string   `json:"newParentTopicId"`
	ArtifactsToLoad   []string `json:"artifactsToLoad"`
	Model             string   `json:"model" jsonschema:"enum=grok-4-1-fast,enum=gpt-5-nano,enum=gpt-oss-20b,enum=gpt-5-mini,enum=gpt-5.2,enum=gpt-5.2-pro"`
	Effort            string   `json:"effort" jsonschema:"enum=none,enum=low,enum=medium,enum=high,enum=xhigh"`
	MemoryTypesToLoad []string `json:"memoryTypesToLoad"`
	Reason            string   `json:"reason"`
}

type routerEnvelope struct {
	Labels routerLabels `json:"labels"`
}

var decisionSchema = generateSchema[routerEnvelope]()

// Run classifies one turn. The returned decision always satisfies the
// routing invariants: a "new" action carries no topic ids, "continue_active"
// always targets the active topic, and secondary ids are known ids that
// exclude the primary.
func (r *DecisionRouter) Run(ctx context.Context, input DecisionInput) RouterDecision {
	recent := input.RecentMessages
	if len(recent) > maxRecentMessages {
		recent = recent[len(recent)-maxRecentMessages:]
	}
	payload := buildRouterPayload(input, recent)
	fb := fallbackDecision(input)

	if r.Disabled || r.Caller == nil {
		out := r.finalize(input, fb, fb)
		r.record(payload, out, true, 0)
		return out
	}

	model := r.Model
	if model == "" {
		model = string(ModelOSS20B)
	}

	userPrompt := buildRouterUserPrompt(payload, input.Memories)

	var labels routerLabels
	valid := false
	var llmMillis int64
	for attempt := 0; attempt < routerAttempts; attempt++ {
		start := time.Now()
		res, err := r.Caller.Call(ctx, CallParams{
			Messages: []ChatMessage{
				{Role: RoleSystem, Content: decisionRouterPrompt},
				{Role: RoleUser, Content: userPrompt},
			},
			Model:       model,
			Temperature: 0.2,
			SchemaName:  "decision_router",
			Schema:      decisionSchema,
			EnforceJSON: true,
		})
		llmMillis += time.Since(start).Milliseconds()
		if err != nil {
			continue
		}
		var env routerEnvelope
		if err := decodeModelJSON(res.Text, &env); err != nil {
			continue
		}
		labels = env.Labels
		if labels.valid() {
			valid = true
			break
		}
	}

	if !valid {
		out := r.finalize(input, fb, fb)
		r.record(payload, out, true, llmMillis)
		return out
	}

	out := r.finalize(input, labels.toDecision(), fb)
	r.record(payload, out, false, llmMillis)
	return out
}

func (l routerLabels) valid() bool {
	switch TopicAction(l.TopicAction) {
	case ActionContinueActive, ActionNew, ActionReopenExisting:
	default:
		return false
	}
	if l.Model != "" && !validModel(Model(l.Model)) {
		return false
	}
	if l.Effort != "" && !validEffort(Effort(l.Effort)) {
		return false
	}
	return strings.TrimSpace(l.Reason) != ""
}

func (l routerLabels) toDecision() RouterDecision {
	return RouterDecision{
		TopicAction:       TopicAction(l.TopicAction),
		PrimaryTopicID:    l.PrimaryTopicID,
		SecondaryTopicIDs: append([]string(nil), l.SecondaryTopicIDs...),
		NewParentTopicID:  l.NewParentTopicID,
		ArtifactsToLoad:   append([]string(nil), l.ArtifactsToLoad...),
		Model:             Model(l.Model),
		Effort:            Effort(l.Effort),
		MemoryTypesToLoad: append([]string(nil), l.MemoryTypesToLoad...),
		Reason:            l.Reason,
	}
}

// fallbackDecision is the deterministic policy used when the classifier is
// disabled, unavailable, or keeps returning invalid output.
func fallbackDecision(input DecisionInput) RouterDecision {
	action := ActionNew
	primary := ""
	reason := "Starting new topic"
	if input.ActiveTopicID != "" {
		action = ActionContinueActive
		primary = input.ActiveTopicID
		reason = "Continuing active topic"
	}
	model := ModelOSS20B
	if input.ModelPreference != "" && input.ModelPreference != ModelAuto {
		model = input.ModelPreference
	}
	return RouterDecision{
		TopicAction:       action,
		PrimaryTopicID:    primary,
		SecondaryTopicIDs: []string{},
		ArtifactsToLoad:   []string{},
		Model:             model,
		Effort:            EffortLow,
		MemoryTypesToLoad: memoryTypes(input.Memories),
		Reason:            reason,
	}
}

// finalize applies the routing invariants to a decision, whether it came from
// the classifier or from the deterministic fallback.
func (r *DecisionRouter) finalize(input DecisionInput, d, fb RouterDecision) RouterDecision {
	knownTopics := make(map[string]bool, len(input.Topics))
	for _, t := range input.Topics {
		knownTopics[t.ID] = true
	}
	knownArtifacts := make(map[string]bool, len(input.Artifacts))
	for _, a := range input.Artifacts {
		knownArtifacts[a.ID] = true
	}

	if d.TopicAction == ActionContinueActive {
		d.PrimaryTopicID = input.ActiveTopicID
		if d.PrimaryTopicID == "" {
			d.TopicAction = ActionNew
		}
	}
	// Reopening the active topic is just continuing it.
	if d.TopicAction == ActionReopenExisting && d.PrimaryTopicID != "" && d.PrimaryTopicID == input.ActiveTopicID {
		d.TopicAction = ActionContinueActive
		d.NewParentTopicID = ""
	}
	if d.TopicAction == ActionReopenExisting && (d.PrimaryTopicID == "" || !knownTopics[d.PrimaryTopicID]) {
		d.TopicAction = ActionNew
		d.PrimaryTopicID = ""
	}
	if d.TopicAction == ActionNew {
		d.PrimaryTopicID = ""
		d.SecondaryTopicIDs = nil
		d.NewParentTopicID = ""
	}

	d.SecondaryTopicIDs = filterKnownIDs(d.SecondaryTopicIDs, knownTopics, d.PrimaryTopicID)
	if d.NewParentTopicID != "" && !knownTopics[d.NewParentTopicID] {
		d.NewParentTopicID = ""
	}
	d.ArtifactsToLoad = filterKnownIDs(d.ArtifactsToLoad, knownArtifacts, "")

	forced := input.ModelPreference != "" && input.ModelPreference != ModelAuto
	if forced {
		d.Model = input.ModelPreference
	} else if !validModel(d.Model) {
		d.Model = fb.Model
	}
	// The top tier is opt-in only.
	if !forced && d.Model == ModelPro {
		d.Model = ModelFull
	}

	if !validEffort(d.Effort) {
		d.Effort = fb.Effort
	}
	d.Effort = clampEffort(d.Model, d.Effort)

	if d.MemoryTypesToLoad == nil {
		d.MemoryTypesToLoad = []string{}
	}
	d.Reason = sanitizeReason(d.Reason)
	return d
}

func (r *DecisionRouter) record(payload routerPayload, out RouterDecision, fallbackUsed bool, llmMillis int64) {
	if r.Recorder == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	r.Recorder.Record(DecisionSample{
		PromptVersion: routerPromptVersion,
		FallbackUsed:  fallbackUsed,
		LLMMillis:     llmMillis,
		Input:         raw,
		Output:        out,
		RecordedAt:    time.Now().UTC(),
	})
}

const routerPromptVersion = "v1"

type routerPayload struct {
	UserMessage           string           `json:"userMessage"`
	RecentMessages        []payloadMessage `json:"recentMessages"`
	ActiveTopicID         string           `json:"activeTopicId"`
	CurrentConversationID string           `json:"current_conversation_id"`
	ModelPreference       string           `json:"modelPreference"`
	Memories              []MemorySnippet  `json:"memories"`
	Topics                []payloadTopic   `json:"topics"`
	Artifacts             []Artifact       `json:"artifacts"`
}

type payloadMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	TopicID string `json:"topic_id,omitempty"`
}

type payloadTopic struct {
	ID                  string `json:"id"`
	ConversationID      string `json:"conversation_id"`
	Label               string `json:"label"`
	Summary             string `json:"summary,omitempty"`
	Description         string `json:"description,omitempty"`
	ParentTopicID       string `json:"parent_topic_id,omitempty"`
	ConversationTitle   string `json:"conversation_title,omitempty"`
	IsCrossConversation bool   `json:"is_cross_conversation"`
}

func buildRouterPayload(input DecisionInput, recent []Message) routerPayload {
	pref := input.ModelPreference
	if pref == "" {
		pref = ModelAuto
	}
	payload := routerPayload{
		UserMessage:           input.UserMessage,
		RecentMessages:        make([]payloadMessage, 0, len(recent)),
		ActiveTopicID:         input.ActiveTopicID,
		CurrentConversationID: input.ConversationID,
		ModelPreference:       string(pref),
		Memories:              input.Memories,
		Topics:                make([]payloadTopic, 0, len(input.Topics)),
		Artifacts:             input.Artifacts,
	}
	if payload.Memories == nil {
		payload.Memories = []MemorySnippet{}
	}
	if payload.Artifacts == nil {
		payload.Artifacts = []Artifact{}
	}
	for _, m := range recent {
		payload.RecentMessages = append(payload.RecentMessages, payloadMessage{
			Role:    string(m.Role),
			Content: m.Content,
			TopicID: m.TopicID,
		})
	}
	for _, t := range input.Topics {
		payload.Topics = append(payload.Topics, payloadTopic{
			ID:                  t.ID,
			ConversationID:      t.ConversationID,
			Label:               t.Label,
			Summary:             t.Summary,
			Description:         t.Description,
			ParentTopicID:       t.ParentTopicID,
			ConversationTitle:   t.ConversationTitle,
			IsCrossConversation: t.ConversationID != input.ConversationID,
		})
	}
	return payload
}

func buildRouterUserPrompt(payload routerPayload, memories []MemorySnippet) string {
	b := &strings.Builder{}
	b.WriteString("Input JSON:\n")
	enc, err := json.MarshalIndent(struct {
		Input routerPayload `json:"input"`
	}{Input: payload}, "", "  ")
	if err == nil {
		b.Write(enc)
	}
	b.WriteString("\n\nMemory summary:\n")
	b.WriteString(memorySection(memories))
	b.WriteString("\n\nReturn only the \"labels\" object matching the output schema.")
	return b.String()
}

func memorySection(memories []MemorySnippet) string {
	if len(memories) == 0 {
		return "No memories."
	}
	if len(memories) > maxMemoriesInPrompt {
		memories = memories[:maxMemoriesInPrompt]
	}
	lines := make([]string, 0, len(memories))
	for _, m := range memories {
		lines = append(lines, fmt.Sprintf("- [%s] %s: %s", m.Type, m.Title, truncate(collapseWhitespace(m.Content), 120)))
	}
	return strings.Join(lines, "\n")
}

func memoryTypes(memories []MemorySnippet) []string {
	seen := make(map[string]struct{}, len(memories))
	out := []string{}
	for _, m := range memories {
		t := strings.TrimSpace(m.Type)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func filterKnownIDs(ids []string, known map[string]bool, exclude string) []string {
	out := []string{}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" || id == exclude || !known[id] {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func validModel(m Model) bool {
	switch m {
	case ModelGrokFast, ModelNano, ModelOSS20B, ModelMini, ModelFull, ModelPro:
		return true
	}
	return false
}

func validEffort(e Effort) bool {
	switch e {
	case EffortNone, EffortLow, EffortMedium, EffortHigh, EffortXHigh:
		return true
	}
	return false
}

// clampEffort keeps the effort inside the range each model family supports.
func clampEffort(m Model, e Effort) Effort {
	switch m {
	case ModelNano:
		switch e {
		case EffortNone:
			return EffortLow
		case EffortHigh, EffortXHigh:
			return EffortMedium
		}
	case ModelOSS20B:
		if e == EffortXHigh {
			return EffortHigh
		}
	}
	return e
}

func sanitizeReason(value string) string {
	s := collapseWhitespace(value)
	if s == "" {
		return "No reason provided"
	}
	if len(s) > maxReasonLength {
		s = s[:maxReasonLength]
	}
	return s
}
