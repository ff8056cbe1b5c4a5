package replyflow

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SendClient is the outbound send collaborator. A credential-expired
// failure must be returned as ErrCredentialExpired (possibly wrapped) so
// the token lifecycle can deactivate the account.
type SendClient interface {
	Send(ctx context.Context, accessToken, counterpartID, text string) (confirmationID string, err error)
}

// ScheduleRequest is one candidate reply produced by the matcher.
type ScheduleRequest struct {
	WorkspaceID   string
	AccountID     string
	CounterpartID string
	Text          string
	Rule          AutomationRule
}

// Outcome reports what the scheduler decided at schedule time.
type Outcome struct {
	ID     string        `json:"id"`
	Action string        `json:"action"` // "scheduled" | "suppressed"
	Reason string        `json:"reason,omitempty"`
	Delay  time.Duration `json:"delay,omitempty"`
	Text   string        `json:"text,omitempty"`
}

// SchedulerStats are surfaced by the status endpoint.
type SchedulerStats struct {
	Scheduled     uint64 `json:"scheduled"`
	Suppressed    uint64 `json:"suppressed"`
	Sent          uint64 `json:"sent"`
	Failed        uint64 `json:"failed"`
	SkippedAtFire uint64 `json:"skippedAtFire"`
}

// Scheduler converts "should respond" into a deferred, humanized send.
// All budget and cooldown check-then-act sequences for one account run
// under that account's mutex; different accounts proceed in parallel.
type Scheduler struct {
	locksMu      sync.Mutex
	accountLocks map[string]*sync.Mutex

	tunablesMu sync.RWMutex
	tunables   SchedulerTunables

	clock    Clock
	rng      Rand
	budgets  *BudgetTracker
	memory   *MemoryStore
	tokens   *TokenManager
	sender   SendClient
	rules    RuleSource
	platform string

	// afterFunc defers the send; injectable so tests fire synchronously.
	afterFunc func(d time.Duration, fn func())

	lastMu        sync.Mutex
	lastScheduled map[string]time.Time

	scheduled  atomic.Uint64
	suppressed atomic.Uint64
	sent       atomic.Uint64
	failed     atomic.Uint64
	skipped    atomic.Uint64
}

type SchedulerOptions struct {
	Tunables SchedulerTunables
	Clock    Clock
	Rand     Rand
	Budgets  *BudgetTracker
	Memory   *MemoryStore
	Tokens   *TokenManager
	Sender   SendClient
	Rules    RuleSource
	Platform string
	// AfterFunc defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, fn func())
}

func NewScheduler(opts SchedulerOptions) *Scheduler {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	rng := opts.Rand
	if rng == nil {
		rng = NewSeededRand(time.Now().UnixNano())
	}
	afterFunc := opts.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }
	}
	tunables := opts.Tunables
	if tunables.DailyCap == 0 && tunables.ShortDelayMax == 0 {
		tunables = DefaultTunables()
	}
	platform := opts.Platform
	if platform == "" {
		platform = "instagram"
	}
	return &Scheduler{
		accountLocks:  map[string]*sync.Mutex{},
		tunables:      tunables,
		clock:         clock,
		rng:           rng,
		budgets:       opts.Budgets,
		memory:        opts.Memory,
		tokens:        opts.Tokens,
		sender:        opts.Sender,
		rules:         opts.Rules,
		platform:      platform,
		afterFunc:     afterFunc,
		lastScheduled: map[string]time.Time{},
	}
}

// SetTunables swaps pacing parameters at runtime (hot reload path).
func (s *Scheduler) SetTunables(t SchedulerTunables) {
	s.tunablesMu.Lock()
	s.tunables = t
	s.tunablesMu.Unlock()
}

func (s *Scheduler) Tunables() SchedulerTunables {
	s.tunablesMu.RLock()
	defer s.tunablesMu.RUnlock()
	return s.tunables
}

func (s *Scheduler) accountLock(accountID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.accountLocks[accountID]
	if !ok {
		mu = &sync.Mutex{}
		s.accountLocks[accountID] = mu
	}
	return mu
}

// Schedule runs the suppress/delay/stylize decision and, unless the reply
// was suppressed, arms the deferred send. Suppression is terminal and
// consumes no budget.
func (s *Scheduler) Schedule(ctx context.Context, req ScheduleRequest) Outcome {
	if req.AccountID == "" || req.CounterpartID == "" || req.Text == "" {
		s.suppressed.Add(1)
		return Outcome{Action: "suppressed", Reason: "invalid_request"}
	}
	tunables := s.Tunables()

	mu := s.accountLock(req.AccountID)
	mu.Lock()
	defer mu.Unlock()

	if !s.tokens.Usable(req.AccountID) {
		s.suppressed.Add(1)
		return Outcome{Action: "suppressed", Reason: "account_inactive"}
	}
	if !s.budgets.CanSend(req.AccountID) {
		s.suppressed.Add(1)
		return Outcome{Action: "suppressed", Reason: "budget_exhausted"}
	}
	if s.budgets.InCooldown(req.AccountID, req.CounterpartID, tunables.CounterpartCooldown) {
		s.suppressed.Add(1)
		return Outcome{Action: "suppressed", Reason: "cooldown"}
	}
	if s.rng.Float64() < tunables.SkipProbability {
		s.suppressed.Add(1)
		return Outcome{Action: "suppressed", Reason: "skip_roll"}
	}

	delay := s.computeDelay(req.Text, req.AccountID, tunables)
	styled := Stylize(req.Text, tunables, s.rng)

	s.lastMu.Lock()
	s.lastScheduled[req.AccountID] = s.clock.Now()
	s.lastMu.Unlock()

	id := uuid.NewString()
	s.scheduled.Add(1)
	s.afterFunc(delay, func() {
		s.fire(req, styled)
	})
	return Outcome{ID: id, Action: "scheduled", Delay: delay, Text: styled}
}

// computeDelay picks the pseudo-human latency band. A recent answer from
// the same account forces the busy band regardless of reply length so
// back-to-back inbound messages do not produce bursty replies.
func (s *Scheduler) computeDelay(text, accountID string, tunables SchedulerTunables) time.Duration {
	now := s.clock.Now()

	s.lastMu.Lock()
	last := s.lastScheduled[accountID]
	s.lastMu.Unlock()
	if sent := s.budgets.LastSend(accountID); sent.After(last) {
		last = sent
	}
	if !last.IsZero() && now.Sub(last) < tunables.BusyThreshold {
		return s.within(tunables.BusyDelayMin, tunables.BusyDelayMax)
	}
	if s.rng.Float64() < tunables.NaturalBreakProbability {
		return s.within(tunables.BreakDelayMin, tunables.BreakDelayMax)
	}
	if len(text) <= tunables.ShortReplyChars {
		return s.within(tunables.ShortDelayMin, tunables.ShortDelayMax)
	}
	return s.within(tunables.LongDelayMin, tunables.LongDelayMax)
}

func (s *Scheduler) within(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(s.rng.Float64()*float64(max-min))
}

// fire runs once the humanized delay has elapsed. Conditions are
// re-checked here: the account may have been deactivated or the rule
// disabled while the send was waiting. Budget increment and the memory
// append happen only after a successful send, and never on failure, so a
// failed send records no contact.
func (s *Scheduler) fire(req ScheduleRequest, styled string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mu := s.accountLock(req.AccountID)
	mu.Lock()
	defer mu.Unlock()

	if !s.tokens.Usable(req.AccountID) {
		s.skipped.Add(1)
		return
	}
	if s.rules != nil && req.Rule.ID != "" && !s.rules.RuleEnabled(ctx, req.Rule.ID) {
		s.skipped.Add(1)
		return
	}
	if !s.budgets.CanSend(req.AccountID) {
		s.skipped.Add(1)
		return
	}
	token, err := s.tokens.AccessToken(req.AccountID)
	if err != nil {
		s.skipped.Add(1)
		return
	}

	confirmationID, err := s.sender.Send(ctx, token, req.CounterpartID, styled)
	if err != nil {
		s.failed.Add(1)
		if IsCredentialExpired(err) {
			log.Printf("scheduler: credential expired for account %s, deactivating", req.AccountID)
			s.tokens.Deactivate(req.AccountID)
			return
		}
		// No automatic retry: a late duplicate-looking reply is worse
		// than a missed one.
		log.Printf("scheduler: send failed for account %s counterpart %s: %v", req.AccountID, req.CounterpartID, err)
		return
	}

	if err := s.budgets.RecordSend(req.AccountID, req.CounterpartID); err != nil {
		log.Printf("scheduler: budget record failed after send %s: %v", confirmationID, err)
	}
	if s.memory != nil {
		_ = s.memory.AppendTurn(req.WorkspaceID, s.platform, req.CounterpartID, Turn{
			Author: TurnSystem,
			Text:   styled,
		})
	}
	s.sent.Add(1)
}

func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Scheduled:     s.scheduled.Load(),
		Suppressed:    s.suppressed.Load(),
		Sent:          s.sent.Load(),
		Failed:        s.failed.Load(),
		SkippedAtFire: s.skipped.Load(),
	}
}
