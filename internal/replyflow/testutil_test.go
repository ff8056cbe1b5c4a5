package replyflow

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeClock is a hand-advanced Clock so tests control every window and
// band deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// constRand answers every Float64 draw with the same value, which is
// enough to force any single probability branch.
type constRand struct {
	v float64
}

func (r constRand) Float64() float64 { return r.v }

func (r constRand) Intn(n int) int { return 0 }

// scriptRand plays back a fixed sequence of Float64 draws, then repeats
// the final value.
type scriptRand struct {
	mu    sync.Mutex
	draws []float64
	idx   int
}

func (r *scriptRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.draws) == 0 {
		return 0.99
	}
	v := r.draws[r.idx]
	if r.idx < len(r.draws)-1 {
		r.idx++
	}
	return v
}

func (r *scriptRand) Intn(n int) int { return 0 }

// fakeSender records outbound sends and fails on demand.
type fakeSender struct {
	mu    sync.Mutex
	calls []sendCall
	err   error
}

type sendCall struct {
	token         string
	counterpartID string
	text          string
}

func (f *fakeSender) Send(ctx context.Context, accessToken, counterpartID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, sendCall{token: accessToken, counterpartID: counterpartID, text: text})
	return "confirm-1", nil
}

func (f *fakeSender) sent() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sendCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeSender) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// fakeTokenClient scripts the platform token endpoints.
type fakeTokenClient struct {
	mu          sync.Mutex
	exchanged   int
	refreshed   int
	token       string
	lifetime    time.Duration
	exchangeErr error
	refreshErr  error
}

func (f *fakeTokenClient) ExchangeLongLived(ctx context.Context, shortLivedToken string) (string, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exchangeErr != nil {
		return "", 0, f.exchangeErr
	}
	f.exchanged++
	return f.token, f.lifetime, nil
}

func (f *fakeTokenClient) RefreshLongLived(ctx context.Context, currentToken string) (string, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return "", 0, f.refreshErr
	}
	f.refreshed++
	return f.token, f.lifetime, nil
}

// staticRules serves a fixed rule list and tracks per-rule enabled flags.
type staticRules struct {
	mu       sync.Mutex
	rules    []AutomationRule
	disabled map[string]bool
}

func (s *staticRules) ActiveRules(ctx context.Context, workspaceID string, kind EventKind) ([]AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AutomationRule
	for _, rule := range s.rules {
		if rule.WorkspaceID == workspaceID && rule.Kind == kind && rule.Enabled && !s.disabled[rule.ID] {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (s *staticRules) RuleEnabled(ctx context.Context, ruleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled[ruleID] {
		return false
	}
	for _, rule := range s.rules {
		if rule.ID == ruleID {
			return rule.Enabled
		}
	}
	return false
}

func (s *staticRules) disable(ruleID string) {
	s.mu.Lock()
	if s.disabled == nil {
		s.disabled = map[string]bool{}
	}
	s.disabled[ruleID] = true
	s.mu.Unlock()
}

// mapResolver maps account ids to workspaces.
type mapResolver map[string]string

func (m mapResolver) WorkspaceForAccount(ctx context.Context, accountID string) (string, error) {
	return m[accountID], nil
}

// fakeGenerator returns a canned reply or a scripted failure.
type fakeGenerator struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []GenerationRequest
}

func (f *fakeGenerator) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

// timerQueue captures deferred sends so tests fire them synchronously.
type timerQueue struct {
	mu     sync.Mutex
	timers []capturedTimer
}

type capturedTimer struct {
	delay time.Duration
	fn    func()
}

func (q *timerQueue) afterFunc(d time.Duration, fn func()) {
	q.mu.Lock()
	q.timers = append(q.timers, capturedTimer{delay: d, fn: fn})
	q.mu.Unlock()
}

func (q *timerQueue) fireAll() int {
	q.mu.Lock()
	timers := q.timers
	q.timers = nil
	q.mu.Unlock()
	for _, t := range timers {
		t.fn()
	}
	return len(timers)
}

func (q *timerQueue) pending() []capturedTimer {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]capturedTimer, len(q.timers))
	copy(out, q.timers)
	return out
}

var errGeneratorDown = errors.New("generator unavailable")
