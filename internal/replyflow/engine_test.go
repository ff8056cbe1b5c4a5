package replyflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	clock   *fakeClock
	sender  *fakeSender
	rules   *staticRules
	gen     *fakeGenerator
	timers  *timerQueue
	backend *InMemoryStateBackend
	notices *noticeLog
	engine  *Engine
}

type noticeLog struct {
	mu      sync.Mutex
	notices []EventNotice
}

func (l *noticeLog) add(n EventNotice) {
	l.mu.Lock()
	l.notices = append(l.notices, n)
	l.mu.Unlock()
}

func (l *noticeLog) all() []EventNotice {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventNotice, len(l.notices))
	copy(out, l.notices)
	return out
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	sender := &fakeSender{}
	rules := &staticRules{rules: []AutomationRule{{
		ID:          "r1",
		WorkspaceID: "ws-1",
		Kind:        KindComment,
		Mode:        MatchKeyword,
		Keywords:    []string{"price"},
		Enabled:     true,
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}}}
	gen := &fakeGenerator{reply: "It's $20!"}
	timers := &timerQueue{}
	backend := NewInMemoryStateBackend()
	notices := &noticeLog{}

	engine := NewEngine(EngineOptions{
		Backend:   backend,
		Clock:     clock,
		Rand:      constRand{0.99},
		Rules:     rules,
		Resolver:  mapResolver{"acct-1": "ws-1"},
		Generator: gen,
		Sender:    sender,
		Tokens:    &fakeTokenClient{token: "long", lifetime: 60 * 24 * time.Hour},
		Notify:    notices.add,
		AfterFunc: timers.afterFunc,
	})
	t.Cleanup(engine.Close)
	engine.Tokens.Restore([]TokenRecord{{
		AccountID:   "acct-1",
		WorkspaceID: "ws-1",
		AccessToken: "tok-1",
		IsActive:    true,
		ExpiresAt:   clock.Now().Add(30 * 24 * time.Hour),
	}})
	return &engineFixture{
		clock: clock, sender: sender, rules: rules, gen: gen,
		timers: timers, backend: backend, notices: notices, engine: engine,
	}
}

func commentEventFor(id, text string) InboundEvent {
	return InboundEvent{
		PlatformID:    id,
		Kind:          KindComment,
		AccountID:     "acct-1",
		CounterpartID: "user-1",
		Text:          text,
	}
}

func TestEngineEndToEndCommentReply(t *testing.T) {
	fx := newEngineFixture(t)

	fx.engine.HandleDelivery(context.Background(), []InboundEvent{commentEventFor("c-1", "what's the price?")})

	require.Equal(t, 1, fx.timers.fireAll())
	sent := fx.sender.sent()
	require.Len(t, sent, 1)
	require.Equal(t, "It's $20!", sent[0].text)

	// Both sides of the exchange are on record for the next generation.
	turns := fx.engine.Memory.RecentContext("ws-1", "instagram", "user-1", time.Hour, 0)
	require.Len(t, turns, 2)
	require.Equal(t, TurnCounterpart, turns[0].Author)
	require.Equal(t, TurnSystem, turns[1].Author)

	notices := fx.notices.all()
	require.Len(t, notices, 1)
	require.Equal(t, "scheduled", notices[0].Outcome)
}

func TestEngineDedupAcrossDeliveries(t *testing.T) {
	fx := newEngineFixture(t)

	ev := commentEventFor("c-1", "price please")
	fx.engine.HandleDelivery(context.Background(), []InboundEvent{ev})
	fx.engine.HandleDelivery(context.Background(), []InboundEvent{ev})

	require.Equal(t, 1, fx.timers.fireAll(), "re-delivered event schedules nothing")
	require.Equal(t, uint64(1), fx.engine.Router.Stats().Deduped)
}

func TestEngineNoRuleMatch(t *testing.T) {
	fx := newEngineFixture(t)

	fx.engine.HandleDelivery(context.Background(), []InboundEvent{commentEventFor("c-2", "lovely photo")})

	require.Empty(t, fx.timers.pending())
	notices := fx.notices.all()
	require.Len(t, notices, 1)
	require.Equal(t, "no_rule", notices[0].Outcome)

	// The inbound turn is on record even though no rule fired, so a later
	// contextual generation sees this message as history.
	turns := fx.engine.Memory.RecentContext("ws-1", "instagram", "user-1", time.Hour, 0)
	require.Len(t, turns, 1)
	require.Equal(t, TurnCounterpart, turns[0].Author)
	require.Equal(t, "lovely photo", turns[0].Text)
}

func TestEngineObservationalKindsRecorded(t *testing.T) {
	fx := newEngineFixture(t)

	fx.engine.HandleDelivery(context.Background(), []InboundEvent{
		{PlatformID: "m-1", Kind: KindStoryInsight, AccountID: "acct-1", Text: "impressions=10 reach=8"},
		{Kind: KindAccountReview, AccountID: "acct-1", Text: "approved", ReceivedAt: fx.clock.Now()},
	})

	require.Empty(t, fx.timers.pending())
	notices := fx.notices.all()
	require.Len(t, notices, 2)
	require.Equal(t, "recorded", notices[0].Outcome)
	require.Equal(t, "account_review", notices[1].Reason)
}

func TestEnginePersistsAndRestores(t *testing.T) {
	fx := newEngineFixture(t)

	fx.engine.HandleDelivery(context.Background(), []InboundEvent{commentEventFor("c-1", "price?")})
	fx.timers.fireAll()

	state, err := fx.backend.Load()
	require.NoError(t, err)
	require.NotNil(t, state)
	require.Len(t, state.Conversations, 1)
	require.Len(t, state.Budgets, 1)
	require.Equal(t, 1, state.Budgets[0].Sent)

	// A fresh engine over the same backend picks up where this one left off.
	revived := NewEngine(EngineOptions{
		Backend:   fx.backend,
		Clock:     fx.clock,
		Rand:      constRand{0.99},
		Rules:     fx.rules,
		Resolver:  mapResolver{"acct-1": "ws-1"},
		Generator: fx.gen,
		Sender:    fx.sender,
		Tokens:    &fakeTokenClient{},
	})
	defer revived.Close()
	require.NoError(t, revived.Restore())
	require.Equal(t, 1, revived.Budgets.SentToday("acct-1"))
	require.Len(t, revived.Memory.RecentContext("ws-1", "instagram", "user-1", time.Hour, 0), 2)
	require.True(t, revived.Tokens.Usable("acct-1"))
	require.True(t, revived.Budgets.InCooldown("acct-1", "user-1", 10*time.Second),
		"counterpart cooldown carries across a restart")
}

func TestEngineConnectAccount(t *testing.T) {
	fx := newEngineFixture(t)

	require.NoError(t, fx.engine.Tokens.Connect(context.Background(), "acct-2", "ws-2", "short-lived"))
	require.True(t, fx.engine.Tokens.Usable("acct-2"))

	state, err := fx.backend.Load()
	require.NoError(t, err)
	require.NotNil(t, state)
	require.Len(t, state.Tokens, 2, "connect persists immediately")
}
