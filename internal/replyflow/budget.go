package replyflow

import (
	"sync"
	"time"
)

// BudgetSnapshot is the persisted form of one account's counters. The
// per-counterpart send times ride along so the cooldown window survives a
// restart.
type BudgetSnapshot struct {
	AccountID         string               `json:"accountId"`
	Day               string               `json:"day"`
	Sent              int                  `json:"sent"`
	LastSentAt        time.Time            `json:"lastSentAt"`
	LastByCounterpart map[string]time.Time `json:"lastByCounterpart,omitempty"`
}

type accountBudget struct {
	day               string
	sent              int
	lastSentAt        time.Time
	lastByCounterpart map[string]time.Time
}

// BudgetTracker owns the per-account daily counters. The counter resets
// exactly once per UTC day (lazily, on first touch after midnight) and is
// only mutated by the scheduler while it holds the account's lock.
type BudgetTracker struct {
	mu       sync.Mutex
	clock    Clock
	dailyCap int
	accounts map[string]*accountBudget
}

func NewBudgetTracker(clock Clock, dailyCap int) *BudgetTracker {
	if clock == nil {
		clock = SystemClock()
	}
	if dailyCap <= 0 {
		dailyCap = 50
	}
	return &BudgetTracker{
		clock:    clock,
		dailyCap: dailyCap,
		accounts: map[string]*accountBudget{},
	}
}

func (b *BudgetTracker) DailyCap() int {
	return b.dailyCap
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (b *BudgetTracker) budgetLocked(accountID string) *accountBudget {
	budget, ok := b.accounts[accountID]
	if !ok {
		budget = &accountBudget{lastByCounterpart: map[string]time.Time{}}
		b.accounts[accountID] = budget
	}
	today := utcDay(b.clock.Now())
	if budget.day != today {
		budget.day = today
		budget.sent = 0
	}
	return budget
}

// CanSend reports whether the account has daily budget remaining.
func (b *BudgetTracker) CanSend(accountID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.budgetLocked(accountID).sent < b.dailyCap
}

// RecordSend consumes one unit of budget. Returns ErrBudgetExhausted when
// the cap was already reached, in which case nothing is recorded: the
// counter can never exceed the cap while being incremented.
func (b *BudgetTracker) RecordSend(accountID, counterpartID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	budget := b.budgetLocked(accountID)
	if budget.sent >= b.dailyCap {
		return ErrBudgetExhausted
	}
	now := b.clock.Now()
	budget.sent++
	budget.lastSentAt = now
	if counterpartID != "" {
		budget.lastByCounterpart[counterpartID] = now
	}
	return nil
}

// LastSend returns when the account last auto-responded, zero if never
// (today or before; the timestamp survives the daily counter reset).
func (b *BudgetTracker) LastSend(accountID string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.budgetLocked(accountID).lastSentAt
}

// InCooldown reports whether the counterpart received a response from the
// account within the given cooldown window.
func (b *BudgetTracker) InCooldown(accountID, counterpartID string, cooldown time.Duration) bool {
	if cooldown <= 0 || counterpartID == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	last, ok := b.budgetLocked(accountID).lastByCounterpart[counterpartID]
	if !ok {
		return false
	}
	return b.clock.Now().Sub(last) < cooldown
}

// SentToday returns the consumed budget for the current UTC day.
func (b *BudgetTracker) SentToday(accountID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.budgetLocked(accountID).sent
}

func (b *BudgetTracker) Snapshot() []BudgetSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BudgetSnapshot, 0, len(b.accounts))
	for accountID, budget := range b.accounts {
		byCounterpart := make(map[string]time.Time, len(budget.lastByCounterpart))
		for counterpartID, at := range budget.lastByCounterpart {
			byCounterpart[counterpartID] = at
		}
		out = append(out, BudgetSnapshot{
			AccountID:         accountID,
			Day:               budget.day,
			Sent:              budget.sent,
			LastSentAt:        budget.lastSentAt,
			LastByCounterpart: byCounterpart,
		})
	}
	return out
}

func (b *BudgetTracker) Restore(snapshots []BudgetSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts = make(map[string]*accountBudget, len(snapshots))
	for _, snap := range snapshots {
		byCounterpart := make(map[string]time.Time, len(snap.LastByCounterpart))
		for counterpartID, at := range snap.LastByCounterpart {
			byCounterpart[counterpartID] = at
		}
		b.accounts[snap.AccountID] = &accountBudget{
			day:               snap.Day,
			sent:              snap.Sent,
			lastSentAt:        snap.LastSentAt,
			lastByCounterpart: byCounterpart,
		}
	}
}
