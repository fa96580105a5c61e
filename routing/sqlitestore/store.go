// Package sqlitestore backs the routing.Store contract with a local SQLite
// database. It also persists decision-router samples.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/theimaginaryfoundation/turncontext/routing"
)

// Store implements routing.Store and routing.SampleSink on a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and applies the schema.
// dsn examples: "file:chat.db" or ":memory:".
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("Open: dsn is empty")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("Open: set pragma %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("Open: apply schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("Open: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for ad-hoc queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

const topicColumns = `t.id, t.conversation_id, t.label, t.summary, t.description,
	t.parent_topic_id, t.token_estimate, t.last_compaction_at, t.layer_count`

// TopicsByIDs returns the topic rows for the given ids. Unknown ids are
// silently absent from the result.
func (s *Store) TopicsByIDs(ctx context.Context, ids []string) ([]routing.Topic, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT %s FROM topics t WHERE t.id IN (%s)", topicColumns, placeholders(len(ids)))
	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("TopicsByIDs: %w", err)
	}
	defer rows.Close()

	var topics []routing.Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("TopicsByIDs: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// TopicByID returns the topic row, or nil when no such topic exists.
func (s *Store) TopicByID(ctx context.Context, id string) (*routing.Topic, error) {
	query := fmt.Sprintf("SELECT %s FROM topics t WHERE t.id = ?", topicColumns)
	row := s.db.QueryRowContext(ctx, query, id)
	t, err := scanTopic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("TopicByID: %w", err)
	}
	return &t, nil
}

// TopicMessages returns the topic's messages in chronological order.
func (s *Store) TopicMessages(ctx context.Context, conversationID, topicID string) ([]routing.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, topic_id, role, content, created_at, metadata
		FROM messages
		WHERE conversation_id = ? AND topic_id = ?
		ORDER BY created_at ASC, id ASC`, conversationID, topicID)
	if err != nil {
		return nil, fmt.Errorf("TopicMessages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows, "TopicMessages")
}

// RecentMessages returns the newest limit messages of the conversation in
// chronological order, regardless of topic.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]routing.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, topic_id, role, content, created_at, metadata
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("RecentMessages: %w", err)
	}
	defer rows.Close()
	messages, err := collectMessages(rows, "RecentMessages")
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ArtifactsByIDs returns artifact rows in the order the ids were requested.
func (s *Store) ArtifactsByIDs(ctx context.Context, ids []string) ([]routing.Artifact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT id, conversation_id, topic_id, type, title, summary, keywords, snippet
		FROM artifacts WHERE id IN (%s)`, placeholders(len(ids)))
	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("ArtifactsByIDs: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]routing.Artifact, len(ids))
	for rows.Next() {
		var a routing.Artifact
		var topicID, summary, keywords, snippet sql.NullString
		if err := rows.Scan(&a.ID, &a.ConversationID, &topicID, &a.Type, &a.Title, &summary, &keywords, &snippet); err != nil {
			return nil, fmt.Errorf("ArtifactsByIDs: %w", err)
		}
		a.TopicID = topicID.String
		a.Summary = summary.String
		a.Snippet = snippet.String
		if keywords.String != "" {
			if err := json.Unmarshal([]byte(keywords.String), &a.Keywords); err != nil {
				return nil, fmt.Errorf("ArtifactsByIDs: decode keywords for %s: %w", a.ID, err)
			}
		}
		byID[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ArtifactsByIDs: %w", err)
	}

	ordered := make([]routing.Artifact, 0, len(byID))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			ordered = append(ordered, a)
		}
	}
	return ordered, nil
}

// CandidateTopics returns the routing candidates for a turn: every topic of
// the conversation plus topics from sibling conversations in the same
// project, annotated with their conversation title.
func (s *Store) CandidateTopics(ctx context.Context, conversationID string) ([]routing.TopicCandidate, error) {
	query := fmt.Sprintf(`
		SELECT %s, COALESCE(c.title, '')
		FROM topics t
		JOIN conversations c ON c.id = t.conversation_id
		WHERE t.conversation_id = ?1
		   OR (c.project_id IS NOT NULL AND c.project_id IN
		       (SELECT project_id FROM conversations WHERE id = ?1 AND project_id IS NOT NULL))
		ORDER BY t.id ASC`, topicColumns)
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("CandidateTopics: %w", err)
	}
	defer rows.Close()

	var candidates []routing.TopicCandidate
	for rows.Next() {
		var t routing.Topic
		var summary, description, parentID, lastCompaction sql.NullString
		var layerCount sql.NullInt64
		var title string
		err := rows.Scan(&t.ID, &t.ConversationID, &t.Label, &summary, &description,
			&parentID, &t.TokenEstimate, &lastCompaction, &layerCount, &title)
		if err != nil {
			return nil, fmt.Errorf("CandidateTopics: %w", err)
		}
		t.Summary = summary.String
		t.Description = description.String
		t.ParentTopicID = parentID.String
		if lastCompaction.Valid {
			at, perr := time.Parse(time.RFC3339Nano, lastCompaction.String)
			if perr != nil {
				return nil, fmt.Errorf("CandidateTopics: parse last_compaction_at for %s: %w", t.ID, perr)
			}
			t.Compaction = &routing.CompactionRecord{LastCompactionAt: at, LayerCount: int(layerCount.Int64)}
		}
		c := routing.TopicCandidate{Topic: t}
		if t.ConversationID != conversationID {
			c.ConversationTitle = title
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// ConversationArtifacts returns the conversation's artifacts.
func (s *Store) ConversationArtifacts(ctx context.Context, conversationID string) ([]routing.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, topic_id, type, title, summary, keywords, snippet
		FROM artifacts WHERE conversation_id = ? ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("ConversationArtifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []routing.Artifact
	for rows.Next() {
		var a routing.Artifact
		var topicID, summary, keywords, snippet sql.NullString
		if err := rows.Scan(&a.ID, &a.ConversationID, &topicID, &a.Type, &a.Title, &summary, &keywords, &snippet); err != nil {
			return nil, fmt.Errorf("ConversationArtifacts: %w", err)
		}
		a.TopicID = topicID.String
		a.Summary = summary.String
		a.Snippet = snippet.String
		if keywords.String != "" {
			if err := json.Unmarshal([]byte(keywords.String), &a.Keywords); err != nil {
				return nil, fmt.Errorf("ConversationArtifacts: decode keywords for %s: %w", a.ID, err)
			}
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// ConversationMeta returns display metadata for the given conversations.
func (s *Store) ConversationMeta(ctx context.Context, conversationIDs []string) (map[string]routing.ConversationMeta, error) {
	meta := make(map[string]routing.ConversationMeta, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return meta, nil
	}
	query := fmt.Sprintf(`
		SELECT c.id, c.title, COALESCE(p.name, '')
		FROM conversations c
		LEFT JOIN projects p ON p.id = c.project_id
		WHERE c.id IN (%s)`, placeholders(len(conversationIDs)))
	rows, err := s.db.QueryContext(ctx, query, stringArgs(conversationIDs)...)
	if err != nil {
		return nil, fmt.Errorf("ConversationMeta: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m routing.ConversationMeta
		var title sql.NullString
		if err := rows.Scan(&m.ID, &title, &m.ProjectName); err != nil {
			return nil, fmt.Errorf("ConversationMeta: %w", err)
		}
		m.Title = title.String
		meta[m.ID] = m
	}
	return meta, rows.Err()
}

// WriteSample implements routing.SampleSink.
func (s *Store) WriteSample(ctx context.Context, sample routing.DecisionSample) error {
	output, err := json.Marshal(sample.Output)
	if err != nil {
		return fmt.Errorf("WriteSample: encode output: %w", err)
	}
	input := []byte(sample.Input)
	if len(input) == 0 {
		input = []byte("null")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decision_samples (prompt_version, fallback_used, llm_millis, input, output, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sample.PromptVersion, boolInt(sample.FallbackUsed), sample.LLMMillis,
		string(input), string(output), sample.RecordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("WriteSample: %w", err)
	}
	return nil
}

// UpsertConversation inserts or updates a conversation row.
func (s *Store) UpsertConversation(ctx context.Context, id, title, projectID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, project_id) VALUES (?, ?, NULLIF(?, ''))
		ON CONFLICT (id) DO UPDATE SET title = excluded.title, project_id = excluded.project_id`,
		id, title, projectID)
	if err != nil {
		return fmt.Errorf("UpsertConversation: %w", err)
	}
	return nil
}

// UpsertProject inserts or updates a project row.
func (s *Store) UpsertProject(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`, id, name)
	if err != nil {
		return fmt.Errorf("UpsertProject: %w", err)
	}
	return nil
}

// UpsertTopic inserts or updates a topic row.
func (s *Store) UpsertTopic(ctx context.Context, t routing.Topic) error {
	var lastCompaction any
	var layerCount any
	if t.Compaction != nil {
		lastCompaction = t.Compaction.LastCompactionAt.UTC().Format(time.RFC3339Nano)
		layerCount = t.Compaction.LayerCount
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topics (id, conversation_id, label, summary, description, parent_topic_id, token_estimate, last_compaction_at, layer_count)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			label = excluded.label,
			summary = excluded.summary,
			description = excluded.description,
			parent_topic_id = excluded.parent_topic_id,
			token_estimate = excluded.token_estimate,
			last_compaction_at = excluded.last_compaction_at,
			layer_count = excluded.layer_count`,
		t.ID, t.ConversationID, t.Label, t.Summary, t.Description, t.ParentTopicID,
		t.TokenEstimate, lastCompaction, layerCount)
	if err != nil {
		return fmt.Errorf("UpsertTopic: %w", err)
	}
	return nil
}

// InsertMessage appends one message. Messages are immutable once stored.
func (s *Store) InsertMessage(ctx context.Context, m routing.Message) error {
	var metadata any
	if m.Metadata != nil {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("InsertMessage: encode metadata: %w", err)
		}
		metadata = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, topic_id, role, content, created_at, metadata)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.TopicID, string(m.Role), m.Content,
		m.CreatedAt.UTC().Format(time.RFC3339Nano), metadata)
	if err != nil {
		return fmt.Errorf("InsertMessage: %w", err)
	}
	return nil
}

// UpsertArtifact inserts or updates an artifact row.
func (s *Store) UpsertArtifact(ctx context.Context, a routing.Artifact) error {
	var keywords any
	if len(a.Keywords) > 0 {
		b, err := json.Marshal(a.Keywords)
		if err != nil {
			return fmt.Errorf("UpsertArtifact: encode keywords: %w", err)
		}
		keywords = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, conversation_id, topic_id, type, title, summary, keywords, snippet)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			topic_id = excluded.topic_id,
			type = excluded.type,
			title = excluded.title,
			summary = excluded.summary,
			keywords = excluded.keywords,
			snippet = excluded.snippet`,
		a.ID, a.ConversationID, a.TopicID, a.Type, a.Title, a.Summary, keywords, a.Snippet)
	if err != nil {
		return fmt.Errorf("UpsertArtifact: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTopic(row rowScanner) (routing.Topic, error) {
	var t routing.Topic
	var summary, description, parentID, lastCompaction sql.NullString
	var layerCount sql.NullInt64
	err := row.Scan(&t.ID, &t.ConversationID, &t.Label, &summary, &description,
		&parentID, &t.TokenEstimate, &lastCompaction, &layerCount)
	if err != nil {
		return routing.Topic{}, err
	}
	t.Summary = summary.String
	t.Description = description.String
	t.ParentTopicID = parentID.String
	if lastCompaction.Valid {
		at, err := time.Parse(time.RFC3339Nano, lastCompaction.String)
		if err != nil {
			return routing.Topic{}, fmt.Errorf("parse last_compaction_at for %s: %w", t.ID, err)
		}
		t.Compaction = &routing.CompactionRecord{
			LastCompactionAt: at,
			LayerCount:       int(layerCount.Int64),
		}
	}
	return t, nil
}

func collectMessages(rows *sql.Rows, op string) ([]routing.Message, error) {
	var messages []routing.Message
	for rows.Next() {
		var m routing.Message
		var topicID, metadata sql.NullString
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &topicID, &m.Role, &m.Content, &createdAt, &metadata); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		m.TopicID = topicID.String
		at, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("%s: parse created_at for %s: %w", op, m.ID, err)
		}
		m.CreatedAt = at
		if metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("%s: decode metadata for %s: %w", op, m.ID, err)
			}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return messages, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const schema = `
-- projects
CREATE TABLE IF NOT EXISTS projects (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(200) NOT NULL,
    created_at DATETIME DEFAULT (datetime('now'))
);

-- conversations
CREATE TABLE IF NOT EXISTS conversations (
    id VARCHAR(64) PRIMARY KEY,
    title VARCHAR(500),
    project_id VARCHAR(64) REFERENCES projects(id),
    created_at DATETIME DEFAULT (datetime('now'))
);

-- topics
CREATE TABLE IF NOT EXISTS topics (
    id VARCHAR(64) PRIMARY KEY,
    conversation_id VARCHAR(64) NOT NULL REFERENCES conversations(id),
    label VARCHAR(200) NOT NULL,
    summary TEXT,
    description TEXT,
    parent_topic_id VARCHAR(64) REFERENCES topics(id),
    token_estimate INTEGER DEFAULT 0,
    last_compaction_at TEXT,
    layer_count INTEGER
);

CREATE INDEX IF NOT EXISTS idx_topics_conversation ON topics(conversation_id);

-- messages
CREATE TABLE IF NOT EXISTS messages (
    id VARCHAR(64) PRIMARY KEY,
    conversation_id VARCHAR(64) NOT NULL REFERENCES conversations(id),
    topic_id VARCHAR(64) REFERENCES topics(id),
    role VARCHAR(32) NOT NULL,
    content TEXT NOT NULL,
    created_at TEXT NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_topic ON messages(conversation_id, topic_id, created_at);

-- artifacts
CREATE TABLE IF NOT EXISTS artifacts (
    id VARCHAR(64) PRIMARY KEY,
    conversation_id VARCHAR(64) NOT NULL REFERENCES conversations(id),
    topic_id VARCHAR(64) REFERENCES topics(id),
    type VARCHAR(64),
    title VARCHAR(500),
    summary TEXT,
    keywords TEXT,
    snippet TEXT
);

-- decision_samples
CREATE TABLE IF NOT EXISTS decision_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    prompt_version VARCHAR(32),
    fallback_used INTEGER DEFAULT 0,
    llm_millis INTEGER DEFAULT 0,
    input TEXT,
    output TEXT,
    recorded_at TEXT
);
`
