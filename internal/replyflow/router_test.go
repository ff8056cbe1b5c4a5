package replyflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRouterDispatchExactlyOncePerKey(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	seen := NewTTLSet(clock, 0)
	defer seen.Close()
	router := NewRouter(seen, 24*time.Hour)

	var handled []string
	router.Register(KindComment, func(ctx context.Context, ev InboundEvent) {
		handled = append(handled, ev.PlatformID)
	})

	ev := InboundEvent{PlatformID: "c-1", Kind: KindComment, AccountID: "acct-1", Text: "hi"}
	require.True(t, router.Dispatch(context.Background(), ev))
	require.False(t, router.Dispatch(context.Background(), ev), "re-delivery must be dropped")
	require.Equal(t, []string{"c-1"}, handled)

	stats := router.Stats()
	require.Equal(t, uint64(1), stats.Accepted)
	require.Equal(t, uint64(1), stats.Deduped)
}

func TestRouterRedeliveryAfterWindowIsProcessed(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	seen := NewTTLSet(clock, 0)
	defer seen.Close()
	router := NewRouter(seen, time.Hour)

	count := 0
	router.Register(KindDirectMessage, func(ctx context.Context, ev InboundEvent) { count++ })

	ev := InboundEvent{PlatformID: "m-1", Kind: KindDirectMessage, AccountID: "acct-1"}
	require.True(t, router.Dispatch(context.Background(), ev))
	clock.Advance(2 * time.Hour)
	require.True(t, router.Dispatch(context.Background(), ev))
	require.Equal(t, 2, count)
}

func TestRouterUnknownKindCountedNotFailed(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	seen := NewTTLSet(clock, 0)
	defer seen.Close()
	router := NewRouter(seen, time.Hour)

	ev := InboundEvent{PlatformID: "x-1", Kind: EventKind("new_feature"), AccountID: "acct-1"}
	require.True(t, router.Dispatch(context.Background(), ev))
	require.Equal(t, uint64(1), router.Stats().Unknown)
}

func TestDedupKeyCompositeFallback(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	withID := InboundEvent{PlatformID: "p-9", Kind: KindComment, AccountID: "a", CounterpartID: "c", ReceivedAt: at}
	require.Equal(t, "comment|p-9", withID.DedupKey())

	noID := InboundEvent{Kind: KindComment, AccountID: "a", CounterpartID: "c", ReceivedAt: at}
	other := InboundEvent{Kind: KindComment, AccountID: "a", CounterpartID: "c", ReceivedAt: at.Add(time.Second)}
	require.NotEmpty(t, noID.DedupKey())
	require.NotEqual(t, noID.DedupKey(), other.DedupKey())
}
