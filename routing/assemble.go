package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxContextTokens is the assembled-context budget used when the
	// caller does not supply one. It also serves as the hard cap for the
	// final safety trim.
	DefaultMaxContextTokens = 350_000

	fallbackTokenCap      = 200_000
	crossChatTokenLimit   = 200_000
	fallbackMessageLimit  = 400
	secondaryTopicTail    = 3
	secondarySnippetChars = 140
	maxWebSearchSummaries = 3
)

// ContextAssembler selects and trims prior messages, summaries and artifacts
// into a token-budgeted prompt for one turn. Store failures propagate:
// an empty or wrong context is worse than a visible failure.
type ContextAssembler struct {
	Store     Store
	Estimator TokenEstimator // defaults to CharEstimator
	Sanitize  Sanitizer      // defaults to DefaultSanitizer
}

// BuildParams is one assembly request.
type BuildParams struct {
	ConversationID   string
	Decision         RouterDecision
	ManualTopicIDs   []string // overrides the decision's topic choices when non-empty
	MaxContextTokens int      // defaults to DefaultMaxContextTokens
	PrefetchedTopics []Topic  // reused to avoid a redundant read
}

type contextEntry struct {
	message   ContextMessage
	messageID string
}

// Build assembles the context for one turn.
func (a *ContextAssembler) Build(ctx context.Context, params BuildParams) (BuildContextResult, error) {
	if a.Store == nil {
		return BuildContextResult{}, errors.New("Build: store is nil")
	}
	if params.ConversationID == "" {
		return BuildContextResult{}, errors.New("Build: conversation id is empty")
	}
	budget := params.MaxContextTokens
	if budget <= 0 {
		budget = DefaultMaxContextTokens
	}

	manualIDs := make([]string, 0, len(params.ManualTopicIDs))
	for _, id := range params.ManualTopicIDs {
		if s := strings.TrimSpace(id); s != "" {
			manualIDs = append(manualIDs, s)
		}
	}

	primaryTopicID := params.Decision.PrimaryTopicID
	secondaryTopicIDs := params.Decision.SecondaryTopicIDs
	if len(manualIDs) > 0 {
		primaryTopicID = manualIDs[0]
		secondaryTopicIDs = manualIDs[1:]
	}

	requestedIDs := make([]string, 0, 1+len(secondaryTopicIDs))
	if primaryTopicID != "" {
		requestedIDs = append(requestedIDs, primaryTopicID)
	}
	requestedIDs = append(requestedIDs, secondaryTopicIDs...)

	topicMap, err := a.loadTopicRows(ctx, requestedIDs, primaryTopicID, params.PrefetchedTopics)
	if err != nil {
		return BuildContextResult{}, err
	}

	var primaryTopic *Topic
	if primaryTopicID != "" {
		if t, ok := topicMap[primaryTopicID]; ok {
			primaryTopic = &t
		}
	}
	if primaryTopic == nil {
		return a.fallbackResult(ctx, params.ConversationID, budget, nil, nil)
	}

	involved := map[string]struct{}{params.ConversationID: {}}
	involved[primaryTopic.ConversationID] = struct{}{}
	for _, t := range topicMap {
		involved[t.ConversationID] = struct{}{}
	}
	involvedIDs := make([]string, 0, len(involved))
	for id := range involved {
		involvedIDs = append(involvedIDs, id)
	}
	sort.Strings(involvedIDs)
	meta, err := a.Store.ConversationMeta(ctx, involvedIDs)
	if err != nil {
		return BuildContextResult{}, err
	}

	// Cross-chat guard: oversized topics from other conversations are
	// blocked; the notice keeps the omission visible to the model.
	var blocked []Topic
	if primaryTopic.ConversationID != params.ConversationID && primaryTopic.TokenEstimate > crossChatTokenLimit {
		blocked = append(blocked, *primaryTopic)
		primaryTopic = nil
	}

	secondaryTopics := make([]Topic, 0, len(secondaryTopicIDs))
	for _, id := range secondaryTopicIDs {
		t, ok := topicMap[id]
		if !ok {
			continue
		}
		if t.ConversationID != params.ConversationID && t.TokenEstimate > crossChatTokenLimit {
			blocked = append(blocked, t)
			continue
		}
		secondaryTopics = append(secondaryTopics, t)
	}

	notices := blockedTopicNotices(blocked, meta, params.ConversationID)
	if primaryTopic == nil {
		return a.fallbackResult(ctx, params.ConversationID, budget, notices, nil)
	}

	includedTopics := newIDSet()
	includedTopics.add(primaryTopic.ID)
	summaryCount := len(notices)

	var summaryEntries []contextEntry
	primaryOrigin := topicOrigin(*primaryTopic, meta, params.ConversationID)
	if s := strings.TrimSpace(primaryTopic.Summary); s != "" {
		summaryEntries = append(summaryEntries, contextEntry{message: ContextMessage{
			Role:    RoleAssistant,
			Content: fmt.Sprintf("[Topic summary: %s from %s] %s", primaryTopic.Label, primaryOrigin, s),
			Type:    "message",
		}})
		summaryCount++
	}

	// Scatter/gather: all four loads must complete before merging. No
	// partial results are accepted.
	var (
		primaryMessages  []Message
		secondaryTails   map[string]string
		artifacts        []Artifact
		secondaryBatches [][]Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		primaryMessages, err = a.Store.TopicMessages(gctx, primaryTopic.ConversationID, primaryTopic.ID)
		return err
	})
	g.Go(func() error {
		var err error
		secondaryTails, err = a.secondaryTailSnippets(gctx, secondaryTopics)
		return err
	})
	g.Go(func() error {
		var err error
		artifacts, err = a.loadArtifacts(gctx, params.Decision.ArtifactsToLoad, budget/5)
		return err
	})
	g.Go(func() error {
		secondaryBatches = make([][]Message, len(secondaryTopics))
		for i, t := range secondaryTopics {
			batch, err := a.Store.TopicMessages(gctx, t.ConversationID, t.ID)
			if err != nil {
				return err
			}
			secondaryBatches[i] = batch
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return BuildContextResult{}, err
	}

	for _, t := range secondaryTopics {
		includedTopics.add(t.ID)
		var parts []string
		if s := strings.TrimSpace(t.Summary); s != "" {
			parts = append(parts, s)
		}
		if tail := secondaryTails[t.ID]; tail != "" {
			parts = append(parts, "Recent notes: "+tail)
		}
		if len(parts) == 0 {
			continue
		}
		origin := topicOrigin(t, meta, params.ConversationID)
		summaryEntries = append(summaryEntries, contextEntry{message: ContextMessage{
			Role:    RoleAssistant,
			Content: fmt.Sprintf("[Reference summary: %s from %s] %s", t.Label, origin, strings.Join(parts, " | ")),
			Type:    "message",
		}})
		summaryCount++
	}

	artifactEntries := make([]contextEntry, 0, len(artifacts))
	for _, art := range artifacts {
		if art.TopicID != "" {
			includedTopics.add(art.TopicID)
		}
		artifactEntries = append(artifactEntries, contextEntry{message: artifactMessage(art)})
	}

	allLoaded := make([]Message, 0, len(primaryMessages))
	allLoaded = append(allLoaded, primaryMessages...)
	for _, batch := range secondaryBatches {
		allLoaded = append(allLoaded, batch...)
	}
	searchEntries := a.webSearchEntries(allLoaded)
	summaryCount += len(searchEntries)

	// Compaction-aware filtering: a compacted topic's stored summary stands
	// in for its verbatim history.
	verbatim := make([]Message, 0, len(allLoaded))
	if !primaryTopic.Compacted() {
		verbatim = append(verbatim, primaryMessages...)
	}
	anyCompaction := primaryTopic.Compacted()
	for i, t := range secondaryTopics {
		if t.Compacted() {
			anyCompaction = true
			continue
		}
		verbatim = append(verbatim, secondaryBatches[i]...)
	}
	sort.SliceStable(verbatim, func(i, j int) bool {
		return verbatim[i].CreatedAt.Before(verbatim[j].CreatedAt)
	})

	totalTopicTokens := 0
	for _, m := range verbatim {
		totalTopicTokens += a.estimate(a.sanitize(m))
	}
	tailTokens := 0
	for _, e := range append(append(append([]contextEntry{}, notices...), summaryEntries...), searchEntries...) {
		tailTokens += a.estimate(e.message.Content)
	}
	for _, e := range artifactEntries {
		tailTokens += a.estimate(e.message.Content)
	}

	var conversationEntries []contextEntry
	crossChatNotice := crossChatPrimaryNotice(*primaryTopic, meta, params.ConversationID)
	trimmedCount := 0

	useSummaries := anyCompaction || totalTopicTokens > budget
	if useSummaries {
		// Summary mode: summaries and digests are reserved first; verbatim
		// messages keep whatever budget remains, newest first.
		messageBudget := budget - tailTokens
		if messageBudget < 0 {
			messageBudget = 0
		}
		kept := a.trimMessagesToBudget(verbatim, messageBudget)
		trimmedCount = len(verbatim) - len(kept)
		conversationEntries = a.verbatimEntries(kept, crossChatNotice, meta, params.ConversationID)
	} else {
		// Full mode: every verbatim message fits, so topic summaries are
		// redundant. Blocked-topic notices always survive.
		conversationEntries = a.verbatimEntries(verbatim, crossChatNotice, meta, params.ConversationID)
		summaryCount -= len(summaryEntries)
		summaryEntries = nil
	}

	// Ordering contract: chronological verbatim messages first, then the
	// summary block. The stable prefix keeps downstream prompt caching warm.
	combined := make([]contextEntry, 0, len(conversationEntries)+len(notices)+len(summaryEntries)+len(searchEntries)+len(artifactEntries))
	combined = append(combined, conversationEntries...)
	combined = append(combined, notices...)
	combined = append(combined, summaryEntries...)
	combined = append(combined, searchEntries...)
	combined = append(combined, artifactEntries...)

	if len(combined) == 0 {
		return a.fallbackResult(ctx, params.ConversationID, budget, nil, includedTopics.ordered())
	}

	// Safety backstop against any local over-allocation above.
	hardCap := budget
	if hardCap > DefaultMaxContextTokens {
		hardCap = DefaultMaxContextTokens
	}
	final := a.trimEntriesToBudget(combined, hardCap)
	if len(final) == 0 {
		return a.fallbackResult(ctx, params.ConversationID, budget, nil, includedTopics.ordered())
	}

	source := SourceTopic
	if len(manualIDs) > 0 {
		source = SourceManual
	}
	messages, ids := splitEntries(final)
	return BuildContextResult{
		Messages:           messages,
		IncludedMessageIDs: ids,
		Source:             source,
		IncludedTopicIDs:   includedTopics.ordered(),
		SummaryCount:       summaryCount,
		ArtifactCount:      len(artifacts),
		Debug: &ContextDebug{
			TotalTopicTokens:    totalTopicTokens,
			SummaryTokens:       tailTokens,
			LoadedMessageCount:  len(conversationEntries),
			TrimmedMessageCount: trimmedCount,
			Budget:              budget,
		},
	}, nil
}

// loadTopicRows resolves topic rows for the requested ids, reusing
// prefetched rows, batching the remainder, and fetching the primary topic
// individually as a last resort.
func (a *ContextAssembler) loadTopicRows(ctx context.Context, requestedIDs []string, primaryTopicID string, prefetched []Topic) (map[string]Topic, error) {
	topicMap := make(map[string]Topic, len(requestedIDs))
	if len(requestedIDs) == 0 {
		return topicMap, nil
	}
	requested := make(map[string]struct{}, len(requestedIDs))
	for _, id := range requestedIDs {
		requested[id] = struct{}{}
	}
	for _, t := range prefetched {
		if _, ok := requested[t.ID]; ok {
			topicMap[t.ID] = t
		}
	}

	missing := make([]string, 0, len(requestedIDs))
	for _, id := range requestedIDs {
		if _, ok := topicMap[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		rows, err := a.Store.TopicsByIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, t := range rows {
			topicMap[t.ID] = t
		}
	}

	if primaryTopicID != "" {
		if _, ok := topicMap[primaryTopicID]; !ok {
			t, err := a.Store.TopicByID(ctx, primaryTopicID)
			if err != nil {
				return nil, err
			}
			if t != nil {
				topicMap[t.ID] = *t
			}
		}
	}
	return topicMap, nil
}

// fallbackResult loads the most recent raw conversation messages and trims
// them to the reduced fallback cap. Notices, when present, precede the
// messages and share the cap.
func (a *ContextAssembler) fallbackResult(ctx context.Context, conversationID string, budget int, notices []contextEntry, includedTopicIDs []string) (BuildContextResult, error) {
	rows, err := a.Store.RecentMessages(ctx, conversationID, fallbackMessageLimit)
	if err != nil {
		return BuildContextResult{}, err
	}
	entries := make([]contextEntry, 0, len(notices)+len(rows))
	entries = append(entries, notices...)
	for _, m := range rows {
		entries = append(entries, contextEntry{message: toContextMessage(m, a.sanitize(m), ""), messageID: m.ID})
	}
	tokenCap := fallbackTokenCap
	if budget < tokenCap {
		tokenCap = budget
	}
	trimmed := a.trimEntriesToBudget(entries, tokenCap)
	messages, ids := splitEntries(trimmed)
	if includedTopicIDs == nil {
		includedTopicIDs = []string{}
	}
	return BuildContextResult{
		Messages:           messages,
		IncludedMessageIDs: ids,
		Source:             SourceFallback,
		IncludedTopicIDs:   includedTopicIDs,
		SummaryCount:       len(notices),
		ArtifactCount:      0,
	}, nil
}

// secondaryTailSnippets builds a short role-labeled digest of each secondary
// topic's trailing messages.
func (a *ContextAssembler) secondaryTailSnippets(ctx context.Context, topics []Topic) (map[string]string, error) {
	snippets := make(map[string]string, len(topics))
	for _, t := range topics {
		rows, err := a.Store.TopicMessages(ctx, t.ConversationID, t.ID)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			continue
		}
		if len(rows) > secondaryTopicTail {
			rows = rows[len(rows)-secondaryTopicTail:]
		}
		parts := make([]string, 0, len(rows))
		for _, m := range rows {
			label := "User"
			if m.Role == RoleAssistant {
				label = "Assistant"
			}
			snippet := truncate(collapseWhitespace(a.sanitize(m)), secondarySnippetChars)
			if snippet == "" {
				continue
			}
			parts = append(parts, label+": "+snippet)
		}
		if len(parts) > 0 {
			snippets[t.ID] = strings.Join(parts, " | ")
		}
	}
	return snippets, nil
}

// loadArtifacts fetches the requested artifacts and greedily accepts them in
// order while the allowance lasts. An artifact that does not fit is skipped
// without stopping later, smaller ones.
func (a *ContextAssembler) loadArtifacts(ctx context.Context, ids []string, tokenBudget int) ([]Artifact, error) {
	if len(ids) == 0 || tokenBudget <= 0 {
		return nil, nil
	}
	rows, err := a.Store.ArtifactsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	var selected []Artifact
	remaining := tokenBudget
	for _, art := range rows {
		tokens := a.estimate(art.Snippet)
		if tokens > remaining {
			continue
		}
		selected = append(selected, art)
		remaining -= tokens
	}
	return selected, nil
}

type webSearchSummary struct {
	summary   string
	queries   []string
	sources   []webSearchSource
	generated string
	createdAt string
}

type webSearchSource struct {
	url   string
	title string
}

// webSearchEntries extracts the most recent distinct web-search digests from
// assistant-message metadata.
func (a *ContextAssembler) webSearchEntries(messages []Message) []contextEntry {
	var found []webSearchSummary
	seen := make(map[string]struct{})
	for _, m := range messages {
		if m.Role != RoleAssistant || m.Metadata == nil {
			continue
		}
		summary, _ := m.Metadata["webSearchSummary"].(string)
		summary = strings.TrimSpace(summary)
		if summary == "" {
			continue
		}
		if _, ok := seen[summary]; ok {
			continue
		}
		seen[summary] = struct{}{}
		ws := webSearchSummary{summary: summary, createdAt: m.CreatedAt.UTC().Format("2006-01-02T15:04:05Z")}
		if raw, ok := m.Metadata["webSearchSummaryQueries"].([]any); ok {
			for _, q := range raw {
				if s, ok := q.(string); ok && strings.TrimSpace(s) != "" {
					ws.queries = append(ws.queries, strings.TrimSpace(s))
				}
			}
		}
		if raw, ok := m.Metadata["webSearchSummarySources"].([]any); ok {
			for _, src := range raw {
				sm, ok := src.(map[string]any)
				if !ok {
					continue
				}
				url, _ := sm["url"].(string)
				if url == "" {
					continue
				}
				title, _ := sm["title"].(string)
				ws.sources = append(ws.sources, webSearchSource{url: url, title: title})
			}
		}
		if g, ok := m.Metadata["webSearchSummaryGeneratedAt"].(string); ok {
			ws.generated = g
		}
		found = append(found, ws)
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].createdAt < found[j].createdAt })
	if len(found) > maxWebSearchSummaries {
		found = found[len(found)-maxWebSearchSummaries:]
	}

	entries := make([]contextEntry, 0, len(found))
	for _, ws := range found {
		header := "Web search summary:"
		if ws.generated != "" {
			header = fmt.Sprintf("Web search summary (%s):", strings.SplitN(ws.generated, "T", 2)[0])
		}
		lines := []string{header, ws.summary}
		if len(ws.queries) > 0 {
			lines = append(lines, "Queries: "+strings.Join(ws.queries, " | "))
		}
		if len(ws.sources) > 0 {
			src := make([]string, 0, len(ws.sources))
			for i, s := range ws.sources {
				title := s.title
				if title == "" {
					title = s.url
				}
				src = append(src, fmt.Sprintf("[%d] %s - %s", i+1, title, s.url))
			}
			lines = append(lines, "Sources:\n"+strings.Join(src, "\n"))
		}
		entries = append(entries, contextEntry{message: ContextMessage{
			Role:    RoleAssistant,
			Content: strings.Join(lines, "\n\n"),
			Type:    "message",
		}})
	}
	return entries
}

func (a *ContextAssembler) verbatimEntries(messages []Message, crossChatNotice *ContextMessage, meta map[string]ConversationMeta, conversationID string) []contextEntry {
	entries := make([]contextEntry, 0, len(messages)+1)
	if crossChatNotice != nil {
		entries = append(entries, contextEntry{message: *crossChatNotice})
	}
	for _, m := range messages {
		origin := ""
		if m.ConversationID != conversationID {
			origin = conversationOrigin(meta, m.ConversationID)
		}
		entries = append(entries, contextEntry{message: toContextMessage(m, a.sanitize(m), origin), messageID: m.ID})
	}
	return entries
}

// trimMessagesToBudget keeps the newest messages that fit, dropping the
// oldest first.
func (a *ContextAssembler) trimMessagesToBudget(messages []Message, tokenCap int) []Message {
	if len(messages) == 0 || tokenCap <= 0 {
		return nil
	}
	remaining := tokenCap
	kept := make([]Message, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		tokens := a.estimate(a.sanitize(messages[i]))
		if tokens > remaining {
			break
		}
		kept = append(kept, messages[i])
		remaining -= tokens
	}
	reverseMessages(kept)
	return kept
}

func (a *ContextAssembler) trimEntriesToBudget(entries []contextEntry, tokenCap int) []contextEntry {
	if len(entries) == 0 || tokenCap <= 0 {
		return nil
	}
	remaining := tokenCap
	kept := make([]contextEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		tokens := a.estimate(entries[i].message.Content)
		if tokens > remaining {
			break
		}
		kept = append(kept, entries[i])
		remaining -= tokens
	}
	reverseEntries(kept)
	return kept
}

func (a *ContextAssembler) estimate(text string) int {
	if a.Estimator != nil {
		return a.Estimator.Estimate(text)
	}
	return CharEstimator{}.Estimate(text)
}

func (a *ContextAssembler) sanitize(m Message) string {
	if a.Sanitize != nil {
		return a.Sanitize(m)
	}
	return DefaultSanitizer(m)
}

func toContextMessage(m Message, sanitized, originLabel string) ContextMessage {
	role := RoleUser
	if m.Role == RoleAssistant {
		role = RoleAssistant
	}
	content := sanitized
	if originLabel != "" {
		content = fmt.Sprintf("[From %s] %s", originLabel, sanitized)
	}
	return ContextMessage{Role: role, Content: content, Type: "message"}
}

func artifactMessage(art Artifact) ContextMessage {
	body := strings.TrimSpace(art.Snippet)
	if body == "" {
		body = strings.TrimSpace(art.Summary)
	}
	return ContextMessage{
		Role:    RoleAssistant,
		Content: fmt.Sprintf("[Artifact: %s (%s)] %s", art.Title, art.Type, body),
		Type:    "message",
	}
}

func topicOrigin(topic Topic, meta map[string]ConversationMeta, activeConversationID string) string {
	if topic.ConversationID == activeConversationID {
		return "this chat"
	}
	return conversationOrigin(meta, topic.ConversationID)
}

func conversationOrigin(meta map[string]ConversationMeta, conversationID string) string {
	m, ok := meta[conversationID]
	label := "another chat"
	if ok && m.Title != "" {
		label = m.Title
	}
	if ok && m.ProjectName != "" {
		return fmt.Sprintf("%s in project %s", label, m.ProjectName)
	}
	return label
}

func crossChatPrimaryNotice(topic Topic, meta map[string]ConversationMeta, activeConversationID string) *ContextMessage {
	if topic.ConversationID == activeConversationID {
		return nil
	}
	origin := topicOrigin(topic, meta, activeConversationID)
	return &ContextMessage{
		Role:    RoleAssistant,
		Type:    "message",
		Content: fmt.Sprintf("[Cross-chat context] The following messages are from %s. Treat them as prior chat context, not the current conversation.", origin),
	}
}

func blockedTopicNotices(blocked []Topic, meta map[string]ConversationMeta, activeConversationID string) []contextEntry {
	if len(blocked) == 0 {
		return nil
	}
	entries := make([]contextEntry, 0, len(blocked))
	for _, t := range blocked {
		entries = append(entries, contextEntry{message: ContextMessage{
			Role: RoleAssistant,
			Type: "message",
			Content: fmt.Sprintf(
				"[Cross-chat notice] Skipped topic %q from %s because it exceeds the 200k-token cross-chat limit. Inform the user you could not load it.",
				t.Label, topicOrigin(t, meta, activeConversationID)),
		}})
	}
	return entries
}

func splitEntries(entries []contextEntry) ([]ContextMessage, []string) {
	messages := make([]ContextMessage, 0, len(entries))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, e.message)
		if e.messageID != "" {
			ids = append(ids, e.messageID)
		}
	}
	return messages, ids
}

func reverseMessages(s []Message) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func reverseEntries(s []contextEntry) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

type idSet struct {
	order []string
	seen  map[string]struct{}
}

func newIDSet() *idSet {
	return &idSet{seen: make(map[string]struct{})}
}

func (s *idSet) add(id string) {
	if _, ok := s.seen[id]; ok {
		return
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
}

func (s *idSet) ordered() []string {
	if s.order == nil {
		return []string{}
	}
	return s.order
}
