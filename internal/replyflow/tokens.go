package replyflow

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// TokenRecord is the engine's view of one connected account's credential.
// The account identity is shared with the connection flow; the engine only
// refreshes and deactivates, it never creates accounts on its own.
type TokenRecord struct {
	AccountID   string    `json:"accountId"`
	WorkspaceID string    `json:"workspaceId"`
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
	IsActive    bool      `json:"isActive"`
	LastSyncAt  time.Time `json:"lastSyncAt"`
}

// TokenClient is the platform's token endpoint surface.
type TokenClient interface {
	// ExchangeLongLived trades a short-lived connection-flow token for a
	// long-lived one (life is weeks-scale, ~60 days).
	ExchangeLongLived(ctx context.Context, shortLivedToken string) (token string, lifetime time.Duration, err error)
	// RefreshLongLived renews a still-valid long-lived token.
	RefreshLongLived(ctx context.Context, currentToken string) (token string, lifetime time.Duration, err error)
}

// TokenManager owns the credential lifecycle:
// short_lived -> long_lived(active) -> near_expiry -> refreshed | deauthorized.
type TokenManager struct {
	mu      sync.Mutex
	records map[string]*TokenRecord

	client       TokenClient
	clock        Clock
	refreshAhead time.Duration
	persist      func()
}

type TokenManagerOptions struct {
	Client TokenClient
	Clock  Clock
	// RefreshAhead is how close to expiry an account must be before the
	// sweep queues it for refresh. Defaults to 7 days.
	RefreshAhead time.Duration
	Persist      func()
}

func NewTokenManager(opts TokenManagerOptions) *TokenManager {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	refreshAhead := opts.RefreshAhead
	if refreshAhead <= 0 {
		refreshAhead = 7 * 24 * time.Hour
	}
	return &TokenManager{
		records:      map[string]*TokenRecord{},
		client:       opts.Client,
		clock:        clock,
		refreshAhead: refreshAhead,
		persist:      opts.Persist,
	}
}

func (t *TokenManager) persistIfSet() {
	if t.persist != nil {
		t.persist()
	}
}

// Connect performs the one-time short-lived to long-lived exchange for a
// newly connected account and activates it.
func (t *TokenManager) Connect(ctx context.Context, accountID, workspaceID, shortLivedToken string) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" || strings.TrimSpace(shortLivedToken) == "" {
		return ErrInvalidInput
	}
	token, lifetime, err := t.client.ExchangeLongLived(ctx, shortLivedToken)
	if err != nil {
		return fmt.Errorf("exchange long-lived token for account %s: %w", accountID, err)
	}
	now := t.clock.Now()
	t.mu.Lock()
	t.records[accountID] = &TokenRecord{
		AccountID:   accountID,
		WorkspaceID: workspaceID,
		AccessToken: token,
		ExpiresAt:   now.Add(lifetime),
		IsActive:    true,
		LastSyncAt:  now,
	}
	t.mu.Unlock()
	t.persistIfSet()
	return nil
}

// AccessToken returns the current credential for outbound calls, or
// ErrAccountInactive / ErrNotFound. Senders must consult this before any
// network call so a deactivated account is suppressed early.
func (t *TokenManager) AccessToken(accountID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[accountID]
	if !ok {
		return "", ErrNotFound
	}
	if !rec.IsActive {
		return "", ErrAccountInactive
	}
	return rec.AccessToken, nil
}

// Usable reports whether the account may be used for outbound sends.
func (t *TokenManager) Usable(accountID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[accountID]
	return ok && rec.IsActive
}

// Deactivate marks the account unusable until re-authorized. Used by the
// refresh failure path and by senders that hit a credential-expired error.
func (t *TokenManager) Deactivate(accountID string) {
	t.mu.Lock()
	rec, ok := t.records[accountID]
	if ok && rec.IsActive {
		rec.IsActive = false
		rec.LastSyncAt = t.clock.Now()
	}
	t.mu.Unlock()
	if ok {
		t.persistIfSet()
	}
}

// RefreshAccount is the manual single-account refresh path. Same state
// transitions as the sweep: success persists the new token and expiry,
// failure deactivates.
func (t *TokenManager) RefreshAccount(ctx context.Context, accountID string) error {
	t.mu.Lock()
	rec, ok := t.records[accountID]
	if !ok {
		t.mu.Unlock()
		return ErrNotFound
	}
	current := rec.AccessToken
	t.mu.Unlock()

	token, lifetime, err := t.client.RefreshLongLived(ctx, current)
	now := t.clock.Now()
	t.mu.Lock()
	rec, ok = t.records[accountID]
	if !ok {
		t.mu.Unlock()
		return ErrNotFound
	}
	if err != nil {
		rec.IsActive = false
		rec.LastSyncAt = now
		t.mu.Unlock()
		t.persistIfSet()
		return fmt.Errorf("refresh token for account %s: %w", accountID, err)
	}
	rec.AccessToken = token
	rec.ExpiresAt = now.Add(lifetime)
	rec.IsActive = true
	rec.LastSyncAt = now
	t.mu.Unlock()
	t.persistIfSet()
	return nil
}

// SweepExpiring refreshes every active account with less than the
// refresh-ahead window remaining. Refresh failures deactivate the account
// and are not retried by the sweep; the owning workspace has to
// re-authorize. Returns (refreshed, deactivated).
func (t *TokenManager) SweepExpiring(ctx context.Context) (int, int) {
	now := t.clock.Now()
	t.mu.Lock()
	due := make([]string, 0)
	for accountID, rec := range t.records {
		if rec.IsActive && rec.ExpiresAt.Sub(now) < t.refreshAhead {
			due = append(due, accountID)
		}
	}
	t.mu.Unlock()
	sort.Strings(due)

	refreshed, deactivated := 0, 0
	for _, accountID := range due {
		if err := t.RefreshAccount(ctx, accountID); err != nil {
			deactivated++
			log.Printf("token sweep: account %s deactivated: %v", accountID, err)
			continue
		}
		refreshed++
	}
	return refreshed, deactivated
}

// Accounts returns a sorted copy of every record for the admin surface.
func (t *TokenManager) Accounts() []TokenRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TokenRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (t *TokenManager) Snapshot() []TokenRecord {
	return t.Accounts()
}

func (t *TokenManager) Restore(records []TokenRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]*TokenRecord, len(records))
	for _, rec := range records {
		recCopy := rec
		t.records[rec.AccountID] = &recCopy
	}
}
