package replyflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const rulesYAML = `accounts:
  acct-1: ws-1
  acct-2: ws-2
rules:
  - id: r-price
    workspaceId: ws-1
    kind: comment
    mode: keyword
    keywords: [price, cost]
    tone: friendly
    enabled: true
    createdAt: 2026-01-10T00:00:00Z
  - id: r-dm
    workspaceId: ws-1
    kind: direct_message
    mode: contextual
    enabled: false
    createdAt: 2026-01-12T00:00:00Z
`

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileRuleStoreLoad(t *testing.T) {
	store, err := NewFileRuleStore(writeRules(t, rulesYAML))
	require.NoError(t, err)

	ws, err := store.WorkspaceForAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Equal(t, "ws-1", ws)
	ws, err = store.WorkspaceForAccount(context.Background(), "nobody")
	require.NoError(t, err)
	require.Empty(t, ws)

	rules, err := store.ActiveRules(context.Background(), "ws-1", KindComment)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "r-price", rules[0].ID)
	require.Equal(t, MatchKeyword, rules[0].Mode)
	require.Equal(t, []string{"price", "cost"}, rules[0].Keywords)
	require.Equal(t, time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC), rules[0].CreatedAt)

	// Disabled rules never surface as active.
	rules, err = store.ActiveRules(context.Background(), "ws-1", KindDirectMessage)
	require.NoError(t, err)
	require.Empty(t, rules)
	require.False(t, store.RuleEnabled(context.Background(), "r-dm"))
	require.True(t, store.RuleEnabled(context.Background(), "r-price"))
	require.False(t, store.RuleEnabled(context.Background(), "r-missing"))
}

func TestFileRuleStoreReload(t *testing.T) {
	path := writeRules(t, rulesYAML)
	store, err := NewFileRuleStore(path)
	require.NoError(t, err)
	require.True(t, store.RuleEnabled(context.Background(), "r-price"))

	updated := `accounts:
  acct-1: ws-1
rules:
  - id: r-price
    workspaceId: ws-1
    kind: comment
    mode: keyword
    keywords: [price]
    enabled: false
    createdAt: 2026-01-10T00:00:00Z
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.NoError(t, store.Reload())
	require.False(t, store.RuleEnabled(context.Background(), "r-price"))
}

func TestFileRuleStoreMissingFile(t *testing.T) {
	_, err := NewFileRuleStore(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestFileRuleStoreWatchReload(t *testing.T) {
	path := writeRules(t, rulesYAML)
	store, err := NewFileRuleStore(path)
	require.NoError(t, err)

	stop, err := store.Watch()
	require.NoError(t, err)
	defer func() { _ = stop() }()

	updated := `accounts: {acct-9: ws-9}
rules: []
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		ws, _ := store.WorkspaceForAccount(context.Background(), "acct-9")
		return ws == "ws-9"
	}, 5*time.Second, 20*time.Millisecond)
}
