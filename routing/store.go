package routing

import "context"

// Store is the read-only query surface this package requires from the
// persistence layer. Implementations must return topic messages ordered
// ascending by creation time; RecentMessages returns the most recent limit
// messages for a conversation, also ascending.
type Store interface {
	TopicsByIDs(ctx context.Context, ids []string) ([]Topic, error)
	TopicByID(ctx context.Context, id string) (*Topic, error)
	TopicMessages(ctx context.Context, conversationID, topicID string) ([]Message, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	ArtifactsByIDs(ctx context.Context, ids []string) ([]Artifact, error)
	ConversationMeta(ctx context.Context, conversationIDs []string) (map[string]ConversationMeta, error)
}

// Sanitizer strips UI-only annotations from a stored message before its
// content is counted or transmitted. Treated as an opaque collaborator.
type Sanitizer func(Message) string
