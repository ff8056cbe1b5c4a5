package replyflow

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type TurnAuthor string

const (
	TurnCounterpart TurnAuthor = "counterpart"
	TurnSystem      TurnAuthor = "system"
)

// Turn is one message in a counterpart's thread. Sentiment and topics are
// inferred locally at append time; they feed the Summarize projection and
// are never re-derived.
type Turn struct {
	Author    TurnAuthor `json:"author"`
	Text      string     `json:"text"`
	Timestamp time.Time  `json:"timestamp"`
	Sentiment string     `json:"sentiment,omitempty"`
	Topics    []string   `json:"topics,omitempty"`
}

// ConversationRecord is one logical thread between a connected account's
// workspace and a single counterpart. Turns are append-only, ordered by
// timestamp.
type ConversationRecord struct {
	WorkspaceID   string    `json:"workspaceId"`
	Platform      string    `json:"platform"`
	CounterpartID string    `json:"counterpartId"`
	Turns         []Turn    `json:"turns"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActive    time.Time `json:"lastActive"`
}

// ConversationSummary is the read-only analytics projection over stored
// records. Derived on demand, never a source of truth.
type ConversationSummary struct {
	WorkspaceID         string         `json:"workspaceId"`
	ActiveConversations int            `json:"activeConversations"`
	TotalTurns          int            `json:"totalTurns"`
	Sentiment           map[string]int `json:"sentiment"`
	TopTopics           []string       `json:"topTopics"`
}

type conversationEntry struct {
	mu  sync.Mutex
	rec ConversationRecord
}

// MemoryStore holds time-bounded per-(workspace, counterpart) history.
// Appends to distinct records proceed in parallel; appends to the same
// record are serialized by a per-record mutex so turn order is preserved.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*conversationEntry

	clock     Clock
	retention time.Duration
	persist   func()
}

type MemoryStoreOptions struct {
	Clock     Clock
	Retention time.Duration
	// Persist is invoked after every mutation so the owning state
	// coordinator can snapshot. May be nil.
	Persist func()
}

func NewMemoryStore(opts MemoryStoreOptions) *MemoryStore {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	return &MemoryStore{
		records:   map[string]*conversationEntry{},
		clock:     clock,
		retention: retention,
		persist:   opts.Persist,
	}
}

func conversationKey(workspaceID, platform, counterpartID string) string {
	return workspaceID + "|" + platform + "|" + counterpartID
}

// AppendTurn creates the record if absent, appends the turn and bumps
// lastActive. Sentiment and topics are inferred when the caller left them
// empty.
func (m *MemoryStore) AppendTurn(workspaceID, platform, counterpartID string, turn Turn) error {
	workspaceID = strings.TrimSpace(workspaceID)
	platform = strings.TrimSpace(platform)
	counterpartID = strings.TrimSpace(counterpartID)
	if workspaceID == "" || platform == "" || counterpartID == "" {
		return ErrInvalidInput
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = m.clock.Now()
	}
	if turn.Sentiment == "" {
		turn.Sentiment = inferSentiment(turn.Text)
	}
	if turn.Topics == nil {
		turn.Topics = inferTopics(turn.Text)
	}

	key := conversationKey(workspaceID, platform, counterpartID)
	m.mu.Lock()
	entry, ok := m.records[key]
	if !ok {
		entry = &conversationEntry{rec: ConversationRecord{
			WorkspaceID:   workspaceID,
			Platform:      platform,
			CounterpartID: counterpartID,
			CreatedAt:     m.clock.Now(),
		}}
		m.records[key] = entry
	}
	m.mu.Unlock()

	entry.mu.Lock()
	// Append-only: a turn carrying an older timestamp than the tail is
	// clamped forward so prior turns are never reordered.
	if n := len(entry.rec.Turns); n > 0 && turn.Timestamp.Before(entry.rec.Turns[n-1].Timestamp) {
		turn.Timestamp = entry.rec.Turns[n-1].Timestamp
	}
	entry.rec.Turns = append(entry.rec.Turns, turn)
	entry.rec.LastActive = m.clock.Now()
	entry.mu.Unlock()

	if m.persist != nil {
		m.persist()
	}
	return nil
}

// RecentContext returns turns newer than maxAge capped at maxTurns,
// most-recent-last. An unknown conversation yields nil, not an error.
func (m *MemoryStore) RecentContext(workspaceID, platform, counterpartID string, maxAge time.Duration, maxTurns int) []Turn {
	key := conversationKey(workspaceID, platform, counterpartID)
	m.mu.RLock()
	entry, ok := m.records[key]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	cutoff := m.clock.Now().Add(-maxAge)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	turns := entry.rec.Turns
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Timestamp.Before(cutoff) {
			break
		}
		start = i
	}
	recent := turns[start:]
	if maxTurns > 0 && len(recent) > maxTurns {
		recent = recent[len(recent)-maxTurns:]
	}
	out := make([]Turn, len(recent))
	copy(out, recent)
	return out
}

// SweepExpired deletes whole records whose lastActive is older than the
// retention window. Deletion is all-or-nothing per record and re-checks
// lastActive under the record lock, so a record appended to after the
// sweep began survives.
func (m *MemoryStore) SweepExpired() int {
	cutoff := m.clock.Now().Add(-m.retention)

	m.mu.RLock()
	candidates := make([]string, 0)
	for key, entry := range m.records {
		entry.mu.Lock()
		stale := entry.rec.LastActive.Before(cutoff)
		entry.mu.Unlock()
		if stale {
			candidates = append(candidates, key)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, key := range candidates {
		m.mu.Lock()
		entry, ok := m.records[key]
		if ok {
			entry.mu.Lock()
			if entry.rec.LastActive.Before(cutoff) {
				delete(m.records, key)
				removed++
			}
			entry.mu.Unlock()
		}
		m.mu.Unlock()
	}
	if removed > 0 && m.persist != nil {
		m.persist()
	}
	return removed
}

// Summarize aggregates counts for one workspace.
func (m *MemoryStore) Summarize(workspaceID string) ConversationSummary {
	summary := ConversationSummary{
		WorkspaceID: workspaceID,
		Sentiment:   map[string]int{},
	}
	topicCounts := map[string]int{}

	m.mu.RLock()
	entries := make([]*conversationEntry, 0, len(m.records))
	for _, entry := range m.records {
		entries = append(entries, entry)
	}
	m.mu.RUnlock()

	for _, entry := range entries {
		entry.mu.Lock()
		if entry.rec.WorkspaceID == workspaceID {
			summary.ActiveConversations++
			summary.TotalTurns += len(entry.rec.Turns)
			for _, turn := range entry.rec.Turns {
				if turn.Sentiment != "" {
					summary.Sentiment[turn.Sentiment]++
				}
				for _, topic := range turn.Topics {
					topicCounts[topic]++
				}
			}
		}
		entry.mu.Unlock()
	}

	type topicCount struct {
		topic string
		count int
	}
	counts := make([]topicCount, 0, len(topicCounts))
	for topic, count := range topicCounts {
		counts = append(counts, topicCount{topic, count})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].count != counts[j].count {
			return counts[i].count > counts[j].count
		}
		return counts[i].topic < counts[j].topic
	})
	for i, tc := range counts {
		if i >= 5 {
			break
		}
		summary.TopTopics = append(summary.TopTopics, tc.topic)
	}
	return summary
}

// Snapshot returns a deep copy of every record for persistence.
func (m *MemoryStore) Snapshot() []ConversationRecord {
	m.mu.RLock()
	entries := make([]*conversationEntry, 0, len(m.records))
	for _, entry := range m.records {
		entries = append(entries, entry)
	}
	m.mu.RUnlock()

	out := make([]ConversationRecord, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		rec := entry.rec
		rec.Turns = append([]Turn(nil), entry.rec.Turns...)
		entry.mu.Unlock()
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return conversationKey(out[i].WorkspaceID, out[i].Platform, out[i].CounterpartID) <
			conversationKey(out[j].WorkspaceID, out[j].Platform, out[j].CounterpartID)
	})
	return out
}

// Restore replaces in-memory state with a persisted snapshot. Called once
// at startup before any traffic.
func (m *MemoryStore) Restore(records []ConversationRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]*conversationEntry, len(records))
	for _, rec := range records {
		rec.Turns = append([]Turn(nil), rec.Turns...)
		key := conversationKey(rec.WorkspaceID, rec.Platform, rec.CounterpartID)
		m.records[key] = &conversationEntry{rec: rec}
	}
}

var positiveWords = []string{"love", "great", "thanks", "thank you", "awesome", "amazing", "nice", "perfect", "cool"}

var negativeWords = []string{"hate", "terrible", "awful", "refund", "broken", "worst", "scam", "angry", "disappointed"}

var topicKeywords = map[string][]string{
	"pricing":  {"price", "cost", "how much", "discount", "deal"},
	"shipping": {"ship", "deliver", "arrive", "tracking"},
	"support":  {"help", "issue", "problem", "broken", "refund"},
	"product":  {"size", "color", "stock", "available", "material"},
	"praise":   {"love", "awesome", "amazing", "great"},
}

func inferSentiment(text string) string {
	lower := strings.ToLower(text)
	score := 0
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			score++
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			score--
		}
	}
	switch {
	case score > 0:
		return "positive"
	case score < 0:
		return "negative"
	default:
		return "neutral"
	}
}

func inferTopics(text string) []string {
	lower := strings.ToLower(text)
	var topics []string
	for topic, words := range topicKeywords {
		for _, w := range words {
			if strings.Contains(lower, w) {
				topics = append(topics, topic)
				break
			}
		}
	}
	sort.Strings(topics)
	return topics
}
