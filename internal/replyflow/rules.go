package replyflow

import (
	"context"
	"log"
	"sort"
	"strings"
	"time"
)

type MatchMode string

const (
	// MatchKeyword fires when any of the rule's keywords appears in the
	// inbound text, case-insensitively.
	MatchKeyword MatchMode = "keyword"
	// MatchContextual fires on any non-empty inbound text; the generator
	// decides what the reply looks like.
	MatchContextual MatchMode = "contextual"
)

// AutomationRule is a workspace-owned configuration read from the rule
// storage collaborator. The engine never writes rules.
type AutomationRule struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Kind        EventKind `json:"kind"`
	Mode        MatchMode `json:"mode"`
	Keywords    []string  `json:"keywords,omitempty"`
	Tone        string    `json:"tone,omitempty"`
	Personality string    `json:"personality,omitempty"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RuleSource reads active rules from the external rule store.
type RuleSource interface {
	ActiveRules(ctx context.Context, workspaceID string, kind EventKind) ([]AutomationRule, error)
	// RuleEnabled re-checks a single rule's enabled flag; used at
	// send-fire time since a rule can be disabled while a send is
	// waiting out its humanized delay.
	RuleEnabled(ctx context.Context, ruleID string) bool
}

// WorkspaceResolver maps a connected external account to its owning
// workspace.
type WorkspaceResolver interface {
	WorkspaceForAccount(ctx context.Context, accountID string) (string, error)
}

// GenerationRequest is the contract with the text-generation collaborator.
type GenerationRequest struct {
	InboundText string
	Context     []Turn
	Tone        string
	Personality string
}

type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// ReplyPlan is the matcher's output: exactly one automation action for the
// event, ready for the scheduler.
type ReplyPlan struct {
	WorkspaceID string
	Rule        AutomationRule
	Text        string
	// Fallback is true when the generator failed and the generic
	// acknowledgment was substituted.
	Fallback bool
}

const fallbackReply = "Thanks for reaching out! We'll get back to you soon."

// Matcher decides whether and how to respond to a routed event. It
// enforces one automation action per inbound event: when several rules
// target the same kind, only the most recently created one fires.
type Matcher struct {
	rules    RuleSource
	resolver WorkspaceResolver
	gen      Generator
	memory   *MemoryStore

	contextMaxAge   time.Duration
	contextMaxTurns int
}

type MatcherOptions struct {
	Rules     RuleSource
	Resolver  WorkspaceResolver
	Generator Generator
	Memory    *MemoryStore
	// Context bounds for the generation request; defaults: 3 days, 10
	// turns, whichever is smaller at read time.
	ContextMaxAge   time.Duration
	ContextMaxTurns int
}

func NewMatcher(opts MatcherOptions) *Matcher {
	maxAge := opts.ContextMaxAge
	if maxAge <= 0 {
		maxAge = 72 * time.Hour
	}
	maxTurns := opts.ContextMaxTurns
	if maxTurns <= 0 {
		maxTurns = 10
	}
	return &Matcher{
		rules:           opts.Rules,
		resolver:        opts.Resolver,
		gen:             opts.Generator,
		memory:          opts.Memory,
		contextMaxAge:   maxAge,
		contextMaxTurns: maxTurns,
	}
}

// Match resolves the workspace, selects the winning rule and produces the
// reply text. A nil plan with nil error means no active rule matched,
// which is normal termination rather than a failure. The resolved
// workspace is returned even when no rule fires, so the caller can still
// record the inbound turn against the right conversation.
func (m *Matcher) Match(ctx context.Context, platform string, ev InboundEvent) (*ReplyPlan, string, error) {
	workspaceID, err := m.resolver.WorkspaceForAccount(ctx, ev.AccountID)
	if err != nil {
		return nil, "", err
	}
	if workspaceID == "" {
		return nil, "", nil
	}

	rules, err := m.rules.ActiveRules(ctx, workspaceID, ev.Kind)
	if err != nil {
		return nil, workspaceID, err
	}
	matched := rules[:0:0]
	for _, rule := range rules {
		if ruleMatches(rule, workspaceID, ev) {
			matched = append(matched, rule)
		}
	}
	if len(matched) == 0 {
		return nil, workspaceID, nil
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	rule := matched[0]

	var recent []Turn
	if m.memory != nil {
		recent = m.memory.RecentContext(workspaceID, platform, ev.CounterpartID, m.contextMaxAge, m.contextMaxTurns)
	}
	text, err := m.gen.Generate(ctx, GenerationRequest{
		InboundText: ev.Text,
		Context:     recent,
		Tone:        rule.Tone,
		Personality: rule.Personality,
	})
	plan := &ReplyPlan{WorkspaceID: workspaceID, Rule: rule}
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			log.Printf("matcher: generation failed for account %s rule %s, using fallback: %v", ev.AccountID, rule.ID, err)
		}
		plan.Text = fallbackReply
		plan.Fallback = true
		return plan, workspaceID, nil
	}
	plan.Text = strings.TrimSpace(text)
	return plan, workspaceID, nil
}

func ruleMatches(rule AutomationRule, workspaceID string, ev InboundEvent) bool {
	if !rule.Enabled || rule.WorkspaceID != workspaceID || rule.Kind != ev.Kind {
		return false
	}
	switch rule.Mode {
	case MatchContextual:
		return strings.TrimSpace(ev.Text) != ""
	case MatchKeyword:
		lower := strings.ToLower(ev.Text)
		for _, kw := range rule.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(lower, kw) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
