package replyflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestMemory(clock Clock, retention time.Duration) *MemoryStore {
	return NewMemoryStore(MemoryStoreOptions{Clock: clock, Retention: retention})
}

func TestAppendTurnPreservesOrder(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newTestMemory(clock, 72*time.Hour)

	require.NoError(t, store.AppendTurn("ws-1", "instagram", "user-1", Turn{Author: TurnCounterpart, Text: "price?"}))
	clock.Advance(time.Minute)
	require.NoError(t, store.AppendTurn("ws-1", "instagram", "user-1", Turn{Author: TurnSystem, Text: "It's $20"}))

	// A turn carrying an older timestamp than the tail is clamped, never
	// inserted out of order.
	stale := Turn{Author: TurnCounterpart, Text: "late", Timestamp: clock.Now().Add(-time.Hour)}
	require.NoError(t, store.AppendTurn("ws-1", "instagram", "user-1", stale))

	turns := store.RecentContext("ws-1", "instagram", "user-1", 24*time.Hour, 0)
	require.Len(t, turns, 3)
	require.Equal(t, "price?", turns[0].Text)
	require.Equal(t, "It's $20", turns[1].Text)
	require.Equal(t, "late", turns[2].Text)
	require.False(t, turns[2].Timestamp.Before(turns[1].Timestamp))
}

func TestAppendTurnValidates(t *testing.T) {
	store := newTestMemory(nil, 0)
	require.ErrorIs(t, store.AppendTurn("", "instagram", "user-1", Turn{Text: "x"}), ErrInvalidInput)
	require.ErrorIs(t, store.AppendTurn("ws-1", "instagram", " ", Turn{Text: "x"}), ErrInvalidInput)
}

func TestRecentContextBounds(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newTestMemory(clock, 72*time.Hour)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendTurn("ws-1", "instagram", "user-1", Turn{Author: TurnCounterpart, Text: "old"}))
	}
	clock.Advance(48 * time.Hour)
	require.NoError(t, store.AppendTurn("ws-1", "instagram", "user-1", Turn{Author: TurnCounterpart, Text: "recent-1"}))
	clock.Advance(time.Minute)
	require.NoError(t, store.AppendTurn("ws-1", "instagram", "user-1", Turn{Author: TurnCounterpart, Text: "recent-2"}))

	turns := store.RecentContext("ws-1", "instagram", "user-1", 24*time.Hour, 10)
	require.Len(t, turns, 2)
	require.Equal(t, "recent-1", turns[0].Text)
	require.Equal(t, "recent-2", turns[1].Text)

	capped := store.RecentContext("ws-1", "instagram", "user-1", 24*time.Hour, 1)
	require.Len(t, capped, 1)
	require.Equal(t, "recent-2", capped[0].Text, "cap keeps the most recent turns")

	require.Nil(t, store.RecentContext("ws-1", "instagram", "nobody", 24*time.Hour, 10))
}

func TestSweepExpiredWholeRecords(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newTestMemory(clock, 72*time.Hour)

	require.NoError(t, store.AppendTurn("ws-1", "instagram", "stale", Turn{Text: "hello"}))
	clock.Advance(48 * time.Hour)
	require.NoError(t, store.AppendTurn("ws-1", "instagram", "fresh", Turn{Text: "hi"}))
	clock.Advance(48 * time.Hour)

	// stale is 96h old, fresh 48h; only stale goes, and it goes whole.
	require.Equal(t, 1, store.SweepExpired())
	require.Nil(t, store.RecentContext("ws-1", "instagram", "stale", 1000*time.Hour, 0))
	require.NotNil(t, store.RecentContext("ws-1", "instagram", "fresh", 1000*time.Hour, 0))
}

func TestSweepSparesRecordTouchedAfterCutoff(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newTestMemory(clock, time.Hour)

	require.NoError(t, store.AppendTurn("ws-1", "instagram", "user-1", Turn{Text: "first"}))
	clock.Advance(30 * time.Minute)
	require.NoError(t, store.AppendTurn("ws-1", "instagram", "user-1", Turn{Text: "second"}))
	clock.Advance(45 * time.Minute)

	// lastActive is 45m ago, inside the 1h retention.
	require.Equal(t, 0, store.SweepExpired())
	require.Len(t, store.RecentContext("ws-1", "instagram", "user-1", 2*time.Hour, 0), 2)
}

func TestSummarize(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newTestMemory(clock, 72*time.Hour)

	require.NoError(t, store.AppendTurn("ws-1", "instagram", "user-1", Turn{Author: TurnCounterpart, Text: "love the price and the deal"}))
	require.NoError(t, store.AppendTurn("ws-1", "instagram", "user-2", Turn{Author: TurnCounterpart, Text: "this is broken, i want a refund"}))
	require.NoError(t, store.AppendTurn("ws-2", "instagram", "user-3", Turn{Author: TurnCounterpart, Text: "unrelated workspace"}))

	summary := store.Summarize("ws-1")
	require.Equal(t, 2, summary.ActiveConversations)
	require.Equal(t, 2, summary.TotalTurns)
	require.Equal(t, 1, summary.Sentiment["positive"])
	require.Equal(t, 1, summary.Sentiment["negative"])
	require.Contains(t, summary.TopTopics, "pricing")
	require.Contains(t, summary.TopTopics, "support")
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newTestMemory(clock, 72*time.Hour)
	require.NoError(t, store.AppendTurn("ws-1", "instagram", "user-1", Turn{Author: TurnCounterpart, Text: "hello"}))
	require.NoError(t, store.AppendTurn("ws-1", "instagram", "user-1", Turn{Author: TurnSystem, Text: "hi there"}))

	snapshot := store.Snapshot()
	require.Len(t, snapshot, 1)

	restored := newTestMemory(clock, 72*time.Hour)
	restored.Restore(snapshot)
	turns := restored.RecentContext("ws-1", "instagram", "user-1", 24*time.Hour, 0)
	require.Len(t, turns, 2)
	require.Equal(t, "hello", turns[0].Text)
}

func TestInferSentimentAndTopics(t *testing.T) {
	require.Equal(t, "positive", inferSentiment("Thanks, this is great!"))
	require.Equal(t, "negative", inferSentiment("worst purchase, total scam"))
	require.Equal(t, "neutral", inferSentiment("what time do you open"))

	topics := inferTopics("how much is shipping?")
	require.Equal(t, []string{"pricing", "shipping"}, topics)
}
