package replyflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBudgetCapNeverExceeded(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	budgets := NewBudgetTracker(clock, 3)

	for i := 0; i < 3; i++ {
		require.True(t, budgets.CanSend("acct-1"))
		require.NoError(t, budgets.RecordSend("acct-1", "user-1"))
	}
	require.False(t, budgets.CanSend("acct-1"))
	require.ErrorIs(t, budgets.RecordSend("acct-1", "user-1"), ErrBudgetExhausted)
	require.Equal(t, 3, budgets.SentToday("acct-1"))
}

func TestBudgetResetsAtUTCMidnight(t *testing.T) {
	// 23:30 UTC so a 1h advance crosses the day boundary.
	clock := newFakeClock(time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC))
	budgets := NewBudgetTracker(clock, 2)

	require.NoError(t, budgets.RecordSend("acct-1", "user-1"))
	require.NoError(t, budgets.RecordSend("acct-1", "user-2"))
	require.False(t, budgets.CanSend("acct-1"))

	clock.Advance(time.Hour)
	require.True(t, budgets.CanSend("acct-1"))
	require.Equal(t, 0, budgets.SentToday("acct-1"))
	// The last-send timestamp survives the counter reset.
	require.False(t, budgets.LastSend("acct-1").IsZero())
}

func TestBudgetsPerAccount(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	budgets := NewBudgetTracker(clock, 1)

	require.NoError(t, budgets.RecordSend("acct-1", "user-1"))
	require.False(t, budgets.CanSend("acct-1"))
	require.True(t, budgets.CanSend("acct-2"))
}

func TestInCooldown(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	budgets := NewBudgetTracker(clock, 10)

	require.False(t, budgets.InCooldown("acct-1", "user-1", 10*time.Second))
	require.NoError(t, budgets.RecordSend("acct-1", "user-1"))
	require.True(t, budgets.InCooldown("acct-1", "user-1", 10*time.Second))
	require.False(t, budgets.InCooldown("acct-1", "user-2", 10*time.Second), "cooldown is per counterpart")

	clock.Advance(11 * time.Second)
	require.False(t, budgets.InCooldown("acct-1", "user-1", 10*time.Second))
}

func TestBudgetSnapshotRestore(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	budgets := NewBudgetTracker(clock, 5)
	require.NoError(t, budgets.RecordSend("acct-1", "user-1"))
	require.NoError(t, budgets.RecordSend("acct-1", "user-2"))

	restored := NewBudgetTracker(clock, 5)
	restored.Restore(budgets.Snapshot())
	require.Equal(t, 2, restored.SentToday("acct-1"))
	require.Equal(t, budgets.LastSend("acct-1"), restored.LastSend("acct-1"))

	// The per-counterpart send times come back too, so the cooldown window
	// keeps suppressing across a restart.
	require.True(t, restored.InCooldown("acct-1", "user-1", 10*time.Second))
	require.True(t, restored.InCooldown("acct-1", "user-2", 10*time.Second))
	require.False(t, restored.InCooldown("acct-1", "user-3", 10*time.Second))

	clock.Advance(11 * time.Second)
	require.False(t, restored.InCooldown("acct-1", "user-1", 10*time.Second))
}
