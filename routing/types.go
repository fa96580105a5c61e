package routing

import (
	"strings"
	"time"
)

// Role identifies the speaker of a stored or assembled message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Topic is a labeled thread within a conversation, optionally summarized and
// optionally nested under a parent topic.
type Topic struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Label          string            `json:"label"`
	Summary        string            `json:"summary,omitempty"`
	Description    string            `json:"description,omitempty"`
	ParentTopicID  string            `json:"parent_topic_id,omitempty"`
	TokenEstimate  int               `json:"token_estimate"`
	Compaction     *CompactionRecord `json:"compaction,omitempty"`
}

// CompactionRecord is the compaction metadata attached to a topic once its
// verbatim history has been folded into summary layers.
type CompactionRecord struct {
	LastCompactionAt time.Time `json:"last_compaction_at"`
	LayerCount       int       `json:"layer_count"`
}

// Compacted reports whether the topic's stored summary stands in for its
// verbatim history. Both the summary text and the compaction metadata must be
// present; either alone is not enough.
func (t Topic) Compacted() bool {
	return strings.TrimSpace(t.Summary) != "" && t.Compaction != nil
}

// Message is one persisted conversation message. Immutable once stored.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	TopicID        string         `json:"topic_id,omitempty"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	CreatedAt      time.Time      `json:"created_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Artifact is a stored piece of referenced work (document, code, etc.).
// Read-only to this package.
type Artifact struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversation_id"`
	TopicID        string   `json:"topic_id,omitempty"`
	Type           string   `json:"type"`
	Title          string   `json:"title"`
	Summary        string   `json:"summary,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
	Snippet        string   `json:"snippet,omitempty"`
}

// ConversationMeta carries the display metadata used to label cross-chat
// provenance on summaries and borrowed messages.
type ConversationMeta struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	ProjectName string `json:"project_name,omitempty"`
}

// MemorySnippet is a short stored memory offered to the decision router as
// classification context.
type MemorySnippet struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// TopicAction is the routing outcome for one turn.
type TopicAction string

const (
	ActionContinueActive TopicAction = "continue_active"
	ActionNew            TopicAction = "new"
	ActionReopenExisting TopicAction = "reopen_existing"
)

// Model names the generation model families the router can choose between.
// ModelAuto is a preference value only; the router never emits it.
type Model string

const (
	ModelAuto     Model = "auto"
	ModelGrokFast Model = "grok-4-1-fast"
	ModelNano     Model = "gpt-5-nano"
	ModelOSS20B   Model = "gpt-oss-20b"
	ModelMini     Model = "gpt-5-mini"
	ModelFull     Model = "gpt-5.2"
	ModelPro      Model = "gpt-5.2-pro"
)

// Effort is the reasoning effort requested from the downstream chat model.
type Effort string

const (
	EffortNone   Effort = "none"
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
	EffortXHigh  Effort = "xhigh"
)

// RouterDecision is the structured output of the decision router for one
// turn. Transient and request-scoped; never persisted by this package.
type RouterDecision struct {
	TopicAction       TopicAction `json:"topic_action"`
	PrimaryTopicID    string      `json:"primary_topic_id,omitempty"`
	SecondaryTopicIDs []string    `json:"secondary_topic_ids"`
	NewParentTopicID  string      `json:"new_parent_topic_id,omitempty"`
	ArtifactsToLoad   []string    `json:"artifacts_to_load"`
	Model             Model       `json:"model"`
	Effort            Effort      `json:"effort"`
	MemoryTypesToLoad []string    `json:"memory_types_to_load"`
	Reason            string      `json:"reason"`
}

// ContextMessage is one entry of an assembled prompt. Produced only by the
// context assembler, never persisted.
type ContextMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Type    string `json:"type"` // always "message"
}

// ContextSource tags where an assembled context came from.
type ContextSource string

const (
	SourceTopic    ContextSource = "topic"
	SourceManual   ContextSource = "manual"
	SourceFallback ContextSource = "fallback"
)

// ContextDebug carries optional accounting counters for one assembly.
type ContextDebug struct {
	TotalTopicTokens    int `json:"total_topic_tokens"`
	SummaryTokens       int `json:"summary_tokens"`
	LoadedMessageCount  int `json:"loaded_message_count"`
	TrimmedMessageCount int `json:"trimmed_message_count"`
	Budget              int `json:"budget"`
}

// BuildContextResult is the final ordered message set for one turn, under a
// token budget.
type BuildContextResult struct {
	Messages           []ContextMessage `json:"messages"`
	IncludedMessageIDs []string         `json:"included_message_ids"`
	Source             ContextSource    `json:"source"`
	IncludedTopicIDs   []string         `json:"included_topic_ids"`
	SummaryCount       int              `json:"summary_count"`
	ArtifactCount      int              `json:"artifact_count"`
	Debug              *ContextDebug    `json:"debug,omitempty"`
}
