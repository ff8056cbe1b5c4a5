package replyflow

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventNotice is the operational-visibility record published after each
// event is processed; the admin live feed streams these.
type EventNotice struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	AccountID string    `json:"accountId"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// EngineOptions wires the engine's collaborators. Everything behind an
// interface here is an external system: rules, workspace lookup, text
// generation, the platform's send and token endpoints, and storage.
type EngineOptions struct {
	Backend   StateBackend
	Clock     Clock
	Rand      Rand
	Tunables  SchedulerTunables
	Rules     RuleSource
	Resolver  WorkspaceResolver
	Generator Generator
	Sender    SendClient
	Tokens    TokenClient
	Platform  string

	DedupWindow     time.Duration
	Retention       time.Duration
	ContextMaxAge   time.Duration
	ContextMaxTurns int

	// Notify receives a notice per processed event. May be nil.
	Notify func(EventNotice)
	// AfterFunc is passed through to the scheduler for tests.
	AfterFunc func(d time.Duration, fn func())
}

// Engine is the assembled automation pipeline. Constructed once at
// startup and passed by handle to the HTTP layer; per-account state lives
// behind concurrency-safe maps inside the components, never in globals.
type Engine struct {
	Router    *Router
	Matcher   *Matcher
	Scheduler *Scheduler
	Memory    *MemoryStore
	Budgets   *BudgetTracker
	Tokens    *TokenManager

	seen     *TTLSet
	backend  StateBackend
	platform string
	clock    Clock
	notify   func(EventNotice)

	saveMu sync.Mutex
}

func NewEngine(opts EngineOptions) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	platform := opts.Platform
	if platform == "" {
		platform = "instagram"
	}
	dedupWindow := opts.DedupWindow
	if dedupWindow <= 0 {
		dedupWindow = 24 * time.Hour
	}
	tunables := opts.Tunables
	if tunables.DailyCap == 0 && tunables.ShortDelayMax == 0 {
		tunables = DefaultTunables()
	}

	e := &Engine{
		backend:  opts.Backend,
		platform: platform,
		clock:    clock,
		notify:   opts.Notify,
	}

	e.Memory = NewMemoryStore(MemoryStoreOptions{
		Clock:     clock,
		Retention: opts.Retention,
		Persist:   e.persist,
	})
	e.Budgets = NewBudgetTracker(clock, tunables.DailyCap)
	e.Tokens = NewTokenManager(TokenManagerOptions{
		Client:  opts.Tokens,
		Clock:   clock,
		Persist: e.persist,
	})
	e.Matcher = NewMatcher(MatcherOptions{
		Rules:           opts.Rules,
		Resolver:        opts.Resolver,
		Generator:       opts.Generator,
		Memory:          e.Memory,
		ContextMaxAge:   opts.ContextMaxAge,
		ContextMaxTurns: opts.ContextMaxTurns,
	})
	e.Scheduler = NewScheduler(SchedulerOptions{
		Tunables:  tunables,
		Clock:     clock,
		Rand:      opts.Rand,
		Budgets:   e.Budgets,
		Memory:    e.Memory,
		Tokens:    e.Tokens,
		Sender:    opts.Sender,
		Rules:     opts.Rules,
		Platform:  platform,
		AfterFunc: opts.AfterFunc,
	})

	e.seen = NewTTLSet(clock, time.Hour)
	e.Router = NewRouter(e.seen, dedupWindow)
	for _, kind := range []EventKind{KindComment, KindDirectMessage, KindMention, KindLiveComment} {
		e.Router.Register(kind, e.handleRespondable)
	}
	e.Router.Register(KindStoryInsight, e.handleObservational)
	e.Router.Register(KindMediaUpdate, e.handleObservational)
	e.Router.Register(KindAccountReview, e.handleAccountReview)
	return e
}

// Restore loads the persisted snapshot. Called once at startup before the
// server accepts traffic.
func (e *Engine) Restore() error {
	if e.backend == nil {
		return nil
	}
	state, err := e.backend.Load()
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	e.Memory.Restore(state.Conversations)
	e.Tokens.Restore(state.Tokens)
	e.Budgets.Restore(state.Budgets)
	return nil
}

func (e *Engine) persist() {
	if e.backend == nil {
		return
	}
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	state := &PersistedState{
		Conversations: e.Memory.Snapshot(),
		Tokens:        e.Tokens.Snapshot(),
		Budgets:       e.Budgets.Snapshot(),
	}
	if err := e.backend.Save(state); err != nil {
		log.Printf("engine: state save failed: %v", err)
	}
}

// HandleDelivery routes one acknowledged webhook delivery's events. Runs
// on its own goroutine per delivery; failures in one event never block the
// others.
func (e *Engine) HandleDelivery(ctx context.Context, events []InboundEvent) {
	for _, ev := range events {
		e.Router.Dispatch(ctx, ev)
	}
}

func (e *Engine) publish(ev InboundEvent, outcome, reason string) {
	if e.notify == nil {
		return
	}
	e.notify(EventNotice{
		ID:        uuid.NewString(),
		Kind:      ev.Kind,
		AccountID: ev.AccountID,
		Outcome:   outcome,
		Reason:    reason,
		At:        e.clock.Now(),
	})
}

func (e *Engine) handleRespondable(ctx context.Context, ev InboundEvent) {
	plan, workspaceID, err := e.Matcher.Match(ctx, e.platform, ev)
	if err != nil {
		log.Printf("engine: match failed for account %s event %s: %v", ev.AccountID, ev.PlatformID, err)
		e.publish(ev, "failed", "match_error")
		return
	}

	// The inbound turn is recorded whenever the workspace is known, rule
	// hit or not, so later contextual generations see the full history.
	// Recording happens after Match so the generation context holds only
	// turns preceding this message.
	if workspaceID != "" && ev.CounterpartID != "" {
		_ = e.Memory.AppendTurn(workspaceID, e.platform, ev.CounterpartID, Turn{
			Author:    TurnCounterpart,
			Text:      ev.Text,
			Timestamp: ev.ReceivedAt,
		})
	}
	if plan == nil {
		e.publish(ev, "no_rule", "")
		return
	}

	outcome := e.Scheduler.Schedule(ctx, ScheduleRequest{
		WorkspaceID:   plan.WorkspaceID,
		AccountID:     ev.AccountID,
		CounterpartID: ev.CounterpartID,
		Text:          plan.Text,
		Rule:          plan.Rule,
	})
	e.publish(ev, outcome.Action, outcome.Reason)
}

func (e *Engine) handleObservational(ctx context.Context, ev InboundEvent) {
	_ = ctx
	e.publish(ev, "recorded", "")
}

func (e *Engine) handleAccountReview(ctx context.Context, ev InboundEvent) {
	_ = ctx
	log.Printf("engine: account review status %q for account %s", ev.Text, ev.AccountID)
	e.publish(ev, "recorded", "account_review")
}

// StartSweeps launches the retention and token-refresh timers. They run on
// independent tickers and take only short-lived per-record locks, so they
// never stall request handling. Cancel ctx to stop them.
func (e *Engine) StartSweeps(ctx context.Context, memoryInterval, tokenInterval time.Duration) {
	if memoryInterval <= 0 {
		memoryInterval = 24 * time.Hour
	}
	if tokenInterval <= 0 {
		tokenInterval = 12 * time.Hour
	}
	go func() {
		ticker := time.NewTicker(memoryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := e.Memory.SweepExpired(); removed > 0 {
					log.Printf("engine: memory sweep removed %d expired conversations", removed)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(tokenInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				refreshed, deactivated := e.Tokens.SweepExpiring(ctx)
				if refreshed > 0 || deactivated > 0 {
					log.Printf("engine: token sweep refreshed=%d deactivated=%d", refreshed, deactivated)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *Engine) Close() {
	e.seen.Close()
	if e.backend != nil {
		_ = e.backend.Close()
	}
}
